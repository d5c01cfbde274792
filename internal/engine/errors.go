package engine

import "errors"

var (
	// ErrRowCountMismatch is raised when the copied row count still disagrees
	// with the manifest expectation after re-verification.
	ErrRowCountMismatch = errors.New("row count mismatch")

	// ErrPoolExhausted is raised when a connection cannot be acquired within
	// the pool timeout. Fatal for the entry, not the run.
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

// Outcome is the terminal result of executing one manifest entry.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeSkipped
	OutcomeBlocked
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "DONE"
	case OutcomeSkipped:
		return "SKIPPED"
	case OutcomeBlocked:
		return "BLOCKED"
	default:
		return "FATAL"
	}
}

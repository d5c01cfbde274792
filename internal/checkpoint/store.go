// Package checkpoint persists per-table execution state so a multi-hour run
// can be killed and resumed without redoing completed tables or trusting
// half-loaded ones.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ErrCorruptCheckpoint marks a checkpoint file that could not be parsed. The
// file is renamed aside and the run proceeds from empty state.
var ErrCorruptCheckpoint = errors.New("corrupt checkpoint file")

// Status of one manifest entry's execution.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Record is the persisted execution state for one manifest entry.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	TableKey    string    `json:"table_key"`
	Status      Status    `json:"status"`
	RowsCopied  int64     `json:"rows_copied"`
	Offset      int64     `json:"offset,omitempty"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// Store owns the checkpoint records for one source database namespace. It is
// the single writer for its file; every mutation is flushed whole-file via
// write-temp-then-rename before the caller proceeds.
type Store struct {
	path       string
	mirrorPath string
	records    map[string]*Record
	log        *zap.Logger
	readOnly   bool
}

func newStore(dir, source string, log *zap.Logger) *Store {
	return &Store{
		path:       filepath.Join(dir, source+"_checkpoints.json"),
		mirrorPath: filepath.Join(dir, source+"_progress.json"),
		records:    make(map[string]*Record),
		log:        log,
	}
}

// load reads the checkpoint file into memory. With quarantine set, an
// unparseable file is renamed aside and the store starts empty; without it,
// corruption is surfaced to the caller and nothing on disk is touched.
func (s *Store) load(quarantine bool) error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read checkpoint file %s: %w", s.path, err)
	}

	if err := json.Unmarshal(data, &s.records); err != nil {
		if !quarantine {
			return fmt.Errorf("%w: %s: %v", ErrCorruptCheckpoint, s.path, err)
		}
		// Never merge with unparseable state; quarantine it and start clean.
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			return fmt.Errorf("%w: %s (quarantine failed: %v)", ErrCorruptCheckpoint, s.path, renameErr)
		}
		s.log.Warn("corrupt checkpoint file quarantined, starting from empty state",
			zap.String("file", s.path), zap.String("quarantined", aside), zap.Error(err))
		s.records = make(map[string]*Record)
	}
	return nil
}

// Open loads (or initializes) the checkpoint namespace for a source database.
// Records found IN_PROGRESS were interrupted mid-execution and cannot be
// trusted; they are demoted to FAILED here.
func Open(dir, source string, log *zap.Logger) (*Store, error) {
	s := newStore(dir, source, log)
	if err := s.load(true); err != nil {
		return nil, err
	}

	demoted := 0
	for _, rec := range s.records {
		if rec.Status == StatusInProgress {
			rec.Status = StatusFailed
			rec.LastError = "interrupted: process exited while IN_PROGRESS"
			rec.FinishedAt = time.Now().UTC()
			demoted++
		}
	}
	if demoted > 0 {
		log.Warn("demoted interrupted checkpoint records to FAILED", zap.Int("count", demoted))
		if err := s.flush(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// OpenReadOnly loads the namespace for inspection only: no IN_PROGRESS
// demotion, no quarantine, and every mutation is rejected. A corrupt file
// surfaces as ErrCorruptCheckpoint with the file left in place.
func OpenReadOnly(dir, source string, log *zap.Logger) (*Store, error) {
	s := newStore(dir, source, log)
	s.readOnly = true
	if err := s.load(false); err != nil {
		return nil, err
	}
	return s, nil
}

// ShouldSkip reports whether the entry behind fp already completed. A changed
// manifest yields a different fingerprint, so this naturally forces re-runs.
func (s *Store) ShouldSkip(fp string) bool {
	rec, ok := s.records[fp]
	return ok && rec.Status == StatusCompleted
}

// Get returns the record for fp, if any.
func (s *Store) Get(fp string) (*Record, bool) {
	rec, ok := s.records[fp]
	return rec, ok
}

// Records returns all records ordered by table key, for reporting.
func (s *Store) Records() []*Record {
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableKey < out[j].TableKey })
	return out
}

// Begin transitions fp to IN_PROGRESS and durably writes the transition. It
// must return before any data-mutating statement runs; that ordering is what
// makes "IN_PROGRESS at startup means FAILED" a safe rule.
func (s *Store) Begin(fp, tableKey string) error {
	rec, ok := s.records[fp]
	if !ok {
		rec = &Record{Fingerprint: fp, TableKey: tableKey}
		s.records[fp] = rec
	}
	rec.Status = StatusInProgress
	rec.Attempts++
	rec.LastError = ""
	rec.StartedAt = time.Now().UTC()
	rec.FinishedAt = time.Time{}
	return s.flush()
}

// SetOffset records the committed batch offset so a retried CSV load resumes
// after the last committed batch.
func (s *Store) SetOffset(fp string, rows int64) error {
	rec, ok := s.records[fp]
	if !ok {
		return fmt.Errorf("no checkpoint record for fingerprint %s", fp)
	}
	rec.Offset = rows
	return s.flush()
}

// Offset returns the committed batch offset for fp, or zero.
func (s *Store) Offset(fp string) int64 {
	if rec, ok := s.records[fp]; ok {
		return rec.Offset
	}
	return 0
}

// Complete marks fp done with the row count actually copied.
func (s *Store) Complete(fp string, rowsCopied int64) error {
	rec, ok := s.records[fp]
	if !ok {
		return fmt.Errorf("no checkpoint record for fingerprint %s", fp)
	}
	rec.Status = StatusCompleted
	rec.RowsCopied = rowsCopied
	rec.Offset = 0
	rec.LastError = ""
	rec.FinishedAt = time.Now().UTC()
	return s.flush()
}

// Fail marks fp failed with the terminal error.
func (s *Store) Fail(fp string, cause error) error {
	rec, ok := s.records[fp]
	if !ok {
		rec = &Record{Fingerprint: fp}
		s.records[fp] = rec
	}
	rec.Status = StatusFailed
	if cause != nil {
		rec.LastError = cause.Error()
	}
	rec.FinishedAt = time.Now().UTC()
	return s.flush()
}

// Clear discards every record, durably. Fresh (non-resume) runs call this so
// a stale COMPLETED record never suppresses a requested re-import.
func (s *Store) Clear() error {
	s.records = make(map[string]*Record)
	return s.flush()
}

// Reset moves a FAILED record back to PENDING on an explicit retry request.
func (s *Store) Reset(fp string) error {
	rec, ok := s.records[fp]
	if !ok {
		return fmt.Errorf("no checkpoint record for fingerprint %s", fp)
	}
	if rec.Status != StatusFailed {
		return fmt.Errorf("cannot reset record in status %s", rec.Status)
	}
	rec.Status = StatusPending
	rec.LastError = ""
	return s.flush()
}

// flush serializes the whole store to a temp file and renames it into place,
// then rewrites the human-inspectable progress mirror. A prior durable write
// is never partially overwritten.
func (s *Store) flush() error {
	if s.readOnly {
		return fmt.Errorf("checkpoint store %s is read-only", s.path)
	}
	if err := writeAtomic(s.path, s.records); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	mirror := make(map[string]map[string]any, len(s.records))
	for _, rec := range s.records {
		mirror[rec.TableKey] = map[string]any{
			"status":      string(rec.Status),
			"rows_copied": rec.RowsCopied,
			"attempts":    rec.Attempts,
		}
	}
	if err := writeAtomic(s.mirrorPath, mirror); err != nil {
		// The mirror is advisory; losing it must not fail the run.
		s.log.Warn("failed to write progress mirror", zap.String("file", s.mirrorPath), zap.Error(err))
	}
	return nil
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

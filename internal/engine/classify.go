package engine

import (
	"context"
	"errors"
	"strings"
)

// Substrings that mark a driver error as transient. Lock timeouts, deadlock
// victims and dropped connections clear up on their own; everything else
// (constraint violations, conversion failures) repeats identically on retry.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"deadlock",
	"lock request",
	"lock wait",
	"connection reset",
	"connection refused",
	"broken pipe",
	"connection is closed",
	"bad connection",
	"i/o error",
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		// Run-level cancellation, never retried.
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// Statement timeout.
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrorLog appends per-table failures to PreDMSErrorLog_<Source>.txt, the
// plain-text file the downstream migration tooling consumes.
type ErrorLog struct {
	mu   sync.Mutex
	path string
}

func NewErrorLog(dir, source string) *ErrorLog {
	return &ErrorLog{path: filepath.Join(dir, fmt.Sprintf("PreDMSErrorLog_%s.txt", source))}
}

// Append writes one failure line. The file is opened per call; failure volume
// is low and the handle never outlives a crash.
func (l *ErrorLog) Append(tableKey, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s | %s | %s\n",
		time.Now().UTC().Format("2006-01-02 15:04:05"), tableKey, reason)
	return err
}

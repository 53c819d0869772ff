// Package eventlog implements the human-readable, line-per-event audit
// trail persisted at <db_path>/event_log.txt (spec.md §6.1), grounded on
// original_source/database/utils/event_logger.py.
package eventlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Log appends one line per recorded event to a flat text file, distinct
// from internal/kvlog's structured JSON/console logging: this is the
// operator-facing audit trail named explicitly in spec.md §6.1.
// internal/node records put, delete, tx-commit and tx-abort events; flush,
// compaction, quorum failures, hint enqueues and partition changes are not
// written to it.
type Log struct {
	mu   sync.Mutex
	file *os.File
}

// Open opens (creating if necessary) the event log file at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// Record appends one audit line: "<rfc3339 timestamp> <kind> <detail>".
func (l *Log) Record(kind, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s %s %s\n", time.Now().UTC().Format(time.RFC3339Nano), kind, detail)
	_, _ = l.file.WriteString(line)
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

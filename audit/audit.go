/*
Package audit keeps the append-only operational trail of the payroll engine.

PURPOSE:
  Every batch start, department failure, retry outcome and email failure is
  written as one JSON line. Operators read it back through the log viewer
  (GET /api/logs).

ROTATION:
  Files rotate through lumberjack at MaxSizeMB (default 5) and keep
  MaxBackups (default 5) old files. Tail only reads the active file.

FAILURE MODEL:
  Append never returns an error. A write failure is printed to the process
  log and the caller carries on.

SEE ALSO:
  - batch/processor.go: Main writer
  - api/handlers.go: Log viewer
*/
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultMaxSizeMB  = 5
	DefaultMaxBackups = 5
)

// Entry is one audit line.
type Entry struct {
	Time    time.Time      `json:"time"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Options configures the file sink.
type Options struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// Log is a rotating JSON-lines audit sink.
type Log struct {
	mu   sync.Mutex
	path string
	w    io.WriteCloser
	now  func() time.Time
}

// New opens (lazily) the audit file described by opts.
func New(opts Options) *Log {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = DefaultMaxSizeMB
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = DefaultMaxBackups
	}
	return &Log{
		path: opts.Path,
		w: &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		},
		now: time.Now,
	}
}

// Append writes one entry.
func (l *Log) Append(_ context.Context, message string, data map[string]any) {
	line, err := json.Marshal(Entry{Time: l.now().UTC(), Message: message, Data: data})
	if err != nil {
		log.Printf("[Audit] failed to encode %q: %v", message, err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		log.Printf("[Audit] failed to write %q: %v", message, err)
	}
}

// Tail returns one page of entries, newest first, and the total number of
// entries in the active file. Pages start at 1.
func (l *Log) Tail(page, limit int) ([]Entry, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	l.mu.Lock()
	entries, err := l.readAll()
	l.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}

	total := len(entries)
	start := total - (page-1)*limit
	if start <= 0 {
		return []Entry{}, total, nil
	}
	end := start - limit
	if end < 0 {
		end = 0
	}

	out := make([]Entry, 0, start-end)
	for i := start - 1; i >= end; i-- {
		out = append(out, entries[i])
	}
	return out, total, nil
}

func (l *Log) readAll() ([]Entry, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Close flushes and closes the active file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Append(context.Context, string, map[string]any) {}

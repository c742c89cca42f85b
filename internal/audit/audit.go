// Package audit writes the gateway's append-only audit trail as JSON
// lines. Entries carry event names and metadata, never secret values.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry is one audit record.
type Entry struct {
	Timestamp    time.Time      `json:"ts"`
	Event        string         `json:"event"`
	ConnectionID string         `json:"conn_id,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// Writer serializes entries to a rotating log file.
type Writer struct {
	mu  sync.Mutex
	out io.WriteCloser
	now func() time.Time
}

// NewWriter opens a rotating audit log at path.
func NewWriter(path string, maxSizeMB int) *Writer {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	return &Writer{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: 3,
			Compress:   true,
		},
		now: time.Now,
	}
}

// NewWriterTo writes entries to an arbitrary sink, for tests.
func NewWriterTo(out io.WriteCloser) *Writer {
	return &Writer{out: out, now: time.Now}
}

// Record appends one entry. Writes are serialized so concurrent actors
// never interleave partial lines.
func (w *Writer) Record(event, connectionID string, detail map[string]any) error {
	entry := Entry{
		Timestamp:    w.now().UTC(),
		Event:        event,
		ConnectionID: connectionID,
		Detail:       detail,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying sink.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Close()
}

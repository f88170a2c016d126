// Package telemetry keeps a bounded in-process record of recent log
// events for post-run inspection. The ring is append-only and never
// influences alignment behavior.
package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultCapacity bounds the ring when no capacity is configured.
const DefaultCapacity = 512

// Entry is one captured log event.
type Entry struct {
	Time    time.Time              `json:"time"`
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// Ring is a fixed-capacity event buffer that registers as a logrus
// hook. Once full, new events overwrite the oldest. Safe for
// concurrent use.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewRing creates a ring holding at most capacity events.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{entries: make([]Entry, capacity)}
}

// Levels implements logrus.Hook: every level is captured.
func (r *Ring) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (r *Ring) Fire(e *logrus.Entry) error {
	entry := Entry{
		Time:    e.Time,
		Level:   e.Level.String(),
		Message: e.Message,
	}
	if len(e.Data) > 0 {
		entry.Fields = make(map[string]interface{}, len(e.Data))
		for k, v := range e.Data {
			entry.Fields[k] = v
		}
	}

	r.mu.Lock()
	r.entries[r.next] = entry
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
	return nil
}

// Len returns the number of captured events, at most the capacity.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.entries)
	}
	return r.next
}

// Snapshot returns the captured events oldest first. The returned
// slice is a copy and stays valid after further logging.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}

	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// Dump writes the captured events to w as JSON lines, oldest first.
func (r *Ring) Dump(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, e := range r.Snapshot() {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encoding telemetry entry: %w", err)
		}
	}
	return nil
}

// Package trace keeps a bounded, in-memory log of recent pipeline checkpoints
// for operational debugging. Nothing in it is persisted.
package trace

import (
	"sync"
	"time"

	"github.com/capitalize-ai/support-relay/internal/model"
)

// DefaultCapacity is used when a ring is created with a non-positive size.
const DefaultCapacity = 200

// Ring is a fixed-capacity FIFO of trace entries.
type Ring struct {
	mu      sync.Mutex
	entries []model.TraceEntry
	next    int
	full    bool
	now     func() time.Time
}

// NewRing creates a ring holding at most capacity entries.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{entries: make([]model.TraceEntry, capacity), now: time.Now}
}

// Push appends entry, evicting the oldest one when the ring is full.
func (r *Ring) Push(entry model.TraceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now().UTC()
	}
	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// Tap records a checkpoint.
func (r *Ring) Tap(route, traceID, note string, data any) {
	r.Push(model.TraceEntry{Route: route, TraceID: traceID, Note: note, Data: data})
}

// Snapshot returns a copy of the entries, newest first.
func (r *Ring) Snapshot() []model.TraceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.lenLocked()
	out := make([]model.TraceEntry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}

// Len returns the number of entries held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lenLocked()
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.entries) }

// Reset drops every entry.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make([]model.TraceEntry, len(r.entries))
	r.next = 0
	r.full = false
}

func (r *Ring) lenLocked() int {
	if r.full {
		return len(r.entries)
	}
	return r.next
}

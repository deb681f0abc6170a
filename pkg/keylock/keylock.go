// Package keylock provides mutual exclusion keyed by string.
package keylock

import (
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key. Entries are released when no goroutine
// holds or waits on them.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty Map.
func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for key and returns its release function.
func (m *Map) Lock(key string) func() {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

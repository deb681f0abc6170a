package trace

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notes(r *Ring) []string {
	var out []string
	for _, e := range r.Snapshot() {
		out = append(out, e.Note)
	}
	return out
}

func TestRingSnapshotIsNewestFirst(t *testing.T) {
	r := NewRing(5)
	r.Tap("ingest.received", "t1", "a", nil)
	r.Tap("ingest.stored", "t1", "b", map[string]any{"tier": "memory"})
	r.Tap("ingest.published", "t1", "c", nil)

	assert.Equal(t, []string{"c", "b", "a"}, notes(r))
	assert.Equal(t, 3, r.Len())
	assert.False(t, r.Snapshot()[0].Timestamp.IsZero())
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 7; i++ {
		r.Tap("route", "t", fmt.Sprintf("n%d", i), nil)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"n6", "n5", "n4"}, notes(r))
}

func TestRingExactlyFull(t *testing.T) {
	r := NewRing(2)
	r.Tap("route", "t", "first", nil)
	r.Tap("route", "t", "second", nil)
	assert.Equal(t, []string{"second", "first"}, notes(r))
}

func TestRingDefaultsAndReset(t *testing.T) {
	r := NewRing(0)
	assert.Equal(t, DefaultCapacity, r.Cap())
	assert.Empty(t, r.Snapshot())

	r.Tap("route", "t", "x", nil)
	r.Reset()
	assert.Equal(t, 0, r.Len())
}

func TestRingConcurrentPush(t *testing.T) {
	r := NewRing(50)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				r.Tap("route", "t", "n", nil)
				_ = r.Snapshot()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 50, r.Len())
}

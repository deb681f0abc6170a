package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockSerializesSameKey(t *testing.T) {
	m := New()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("c1")
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, m.Len())
}

func TestLockIndependentKeys(t *testing.T) {
	m := New()
	unlockA := m.Lock("a")
	unlockB := m.Lock("b")
	assert.Equal(t, 2, m.Len())
	unlockA()
	unlockB()
	assert.Equal(t, 0, m.Len())
}

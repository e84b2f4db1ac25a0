package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock_StartsAtEpoch(t *testing.T) {
	clock := NewManualClock()
	assert.Equal(t, Epoch, clock.Now())
}

func TestManualClock_Advance(t *testing.T) {
	clock := NewManualClock()

	got := clock.Advance(5 * time.Second)
	assert.Equal(t, Epoch.Add(5*time.Second), got)
	assert.Equal(t, got, clock.Now())

	clock.Set(Epoch)
	assert.Equal(t, Epoch, clock.Now())
}

func TestSequentialIDs_ValidAndOrdered(t *testing.T) {
	gen := NewSequentialIDs(7)

	a := gen.Generate()
	b := gen.Generate()
	_, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Less(t, a, b)
	assert.Equal(t, ID(7, 2), b)
	assert.NotEqual(t, ID(1, 1), ID(2, 1))
}

func TestSequentialIDs_ThreadSafe(t *testing.T) {
	gen := NewSequentialIDs(0)
	const numGoroutines = 20
	const callsPerGoroutine = 50

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				id := gen.Generate()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, numGoroutines*callsPerGoroutine)
}

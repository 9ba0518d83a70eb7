package testutil

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicGUIDs_Sequence(t *testing.T) {
	g := NewDeterministicGUIDs()
	assert.Equal(t, int64(0), g.Current())

	assert.Equal(t, "00000000-0000-4000-8000-000000000001", g.Next())
	assert.Equal(t, "00000000-0000-4000-8000-000000000002", g.Next())
	assert.Equal(t, int64(2), g.Current())
}

func TestDeterministicGUIDs_AreValidUUIDs(t *testing.T) {
	g := NewDeterministicGUIDs()
	for i := 0; i < 20; i++ {
		_, err := uuid.Parse(g.Next())
		require.NoError(t, err)
	}
}

func TestDeterministicGUIDs_Reset(t *testing.T) {
	g := NewDeterministicGUIDs()
	first := g.Next()
	g.Next()
	g.Reset()
	assert.Equal(t, first, g.Next())
}

func TestDeterministicGUIDs_ThreadSafe(t *testing.T) {
	g := NewDeterministicGUIDs()
	const goroutines = 50
	const calls = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				v := g.Next()
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*calls)
	assert.Equal(t, int64(goroutines*calls), g.Current())
}

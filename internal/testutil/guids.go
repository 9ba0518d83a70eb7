package testutil

import (
	"fmt"
	"sync"
)

// DeterministicGUIDs hands out federation guids in sequence so that fixture
// repositories built twice are byte-identical.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicGUIDs struct {
	mu  sync.Mutex
	seq int64
}

// NewDeterministicGUIDs creates a generator whose first guid ends in 1.
func NewDeterministicGUIDs() *DeterministicGUIDs {
	return &DeterministicGUIDs{}
}

// Next returns the next guid.
func (g *DeterministicGUIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("00000000-0000-4000-8000-%012x", g.seq)
}

// Current returns how many guids have been handed out.
func (g *DeterministicGUIDs) Current() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// Reset starts the sequence over.
func (g *DeterministicGUIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}

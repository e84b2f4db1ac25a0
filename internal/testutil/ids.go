package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates deterministic, valid UUID strings.
//
//	gen := NewSequentialIDs(1)
//	gen.Generate() // "00000000-0000-7000-8001-000000000001"
//	gen.Generate() // "00000000-0000-7000-8001-000000000002"
//
// The namespace keeps ids from two generators (say, two devices) apart.
// Ids sort in generation order, like UUIDv7.
//
// Thread-safety: safe for concurrent use.
type SequentialIDs struct {
	mu        sync.Mutex
	namespace int
	n         int64
}

// NewSequentialIDs creates a generator for the given namespace (0-999).
func NewSequentialIDs(namespace int) *SequentialIDs {
	return &SequentialIDs{namespace: namespace}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return ID(g.namespace, g.n)
}

// ID formats the n-th id of a namespace without a generator.
func ID(namespace int, n int64) string {
	return fmt.Sprintf("00000000-0000-7000-8%03d-%012d", namespace, n)
}

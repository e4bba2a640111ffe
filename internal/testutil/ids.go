package testutil

import (
	"fmt"
	"sync"
)

// SeqGenerator produces deterministic, readable identifiers ("id-1",
// "id-2", ...) in place of UUIDv7s, so harness scenarios can reference
// transaction and optimistic ids in expectations and golden files.
//
// Implements engine.IDGenerator.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SeqGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSeqGenerator creates a generator with the given id prefix.
func NewSeqGenerator(prefix string) *SeqGenerator {
	return &SeqGenerator{prefix: prefix}
}

// Generate returns the next id in sequence.
func (g *SeqGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Count returns how many ids have been generated.
func (g *SeqGenerator) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

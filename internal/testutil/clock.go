package testutil

import "sync"

// SeqClock provides a thread-safe monotonic sequence counter for tests.
//
// Harness traces use it to order events deterministically without depending
// on wall-clock time. Unlike a real clock it can be reset, so the same
// scenario produces identical sequence numbers on every run.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type SeqClock struct {
	mu  sync.Mutex
	seq int64
}

// NewSeqClock creates a sequence clock starting at 0.
//
// The first call to Next() returns 1.
func NewSeqClock() *SeqClock {
	return &SeqClock{}
}

// Next increments and returns the next sequence number.
func (c *SeqClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the current sequence number without incrementing.
func (c *SeqClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Reset returns the clock to 0 for scenario reuse.
func (c *SeqClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}

package engine

import (
	"math/rand"
	"time"
)

// Backoff controls retry scheduling for transiently failing transactions.
//
// The defaults are conservative: exponential from 2s capped at 30s with
// jitter, at most 5 attempts. Total retry wall clock is therefore bounded
// at roughly 2+4+8+16=30s of delay plus four capped attempts' worth of
// request timeouts.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff is the production retry policy.
var DefaultBackoff = Backoff{
	Base:        2 * time.Second,
	Cap:         30 * time.Second,
	MaxAttempts: 5,
}

// Delay returns how long to wait before the attempt after attempts failures:
// Base * 2^(attempts-1), capped, plus jitter in [0, Base) to spread
// reconnect bursts.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := b.Base << uint(attempts-1)
	if delay > b.Cap || delay <= 0 {
		delay = b.Cap
	}
	jitter := time.Duration(rand.Int63n(int64(b.Base)))
	return delay + jitter
}

// Exhausted reports whether a transaction that has made attempts dispatches
// is out of retries.
func (b Backoff) Exhausted(attempts int) bool {
	return attempts >= b.MaxAttempts
}

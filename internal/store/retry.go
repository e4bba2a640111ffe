// retry.go provides automatic retry logic for transient SQLite errors.
//
// The busy_timeout pragma handles SQLITE_BUSY at the connection level, but
// lock errors can still surface when the UI reads status counters while the
// engine writes. Write operations are wrapped with exponential backoff and
// jitter.
package store

import (
	"math/rand"
	"strings"
	"time"
)

// retryConfig controls retry behavior for transient SQLite errors.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// defaultRetryConfig is used for all store write operations.
var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// isTransientSQLiteErr returns true if the error is a transient SQLite error
// that can be resolved by retrying:
//   - SQLITE_BUSY: another connection holds a lock
//   - SQLITE_LOCKED: table-level lock conflict
//   - "database is locked": text-level detection for the busy_timeout fallthrough
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOp executes fn with exponential backoff + jitter for transient errors.
// If fn succeeds or returns a non-transient error, it returns immediately.
func retryOp(cfg retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt < cfg.maxRetries {
			time.Sleep(contentionDelay(cfg, attempt))
		}
	}
	return lastErr
}

// retryOnContention wraps retryOp with the default config. All store write
// operations use this to survive lock contention with concurrent readers.
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

// contentionDelay computes the delay for a given retry attempt using
// exponential backoff with jitter: baseDelay * 2^attempt + random([0, baseDelay)).
func contentionDelay(cfg retryConfig, attempt int) time.Duration {
	delay := cfg.baseDelay << uint(attempt)
	if delay > cfg.maxDelay {
		delay = cfg.maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(cfg.baseDelay)))
	return delay + jitter
}

// Package engine is the transaction dispatcher: the only component
// permitted to change a transaction's lifecycle state.
//
// A UI action calls Enqueue, which durably appends a transaction and
// returns immediately with an optimistic identity. The Run loop later (or
// immediately, if online) dispatches it to the remote API, applying retry
// with backoff for transient failures, serializing transactions that touch
// the same entity, and emitting confirmed/failed events consumers merge
// into their optimistic views.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clawapp/clawsync/internal/bus"
	"github.com/clawapp/clawsync/internal/connectivity"
	"github.com/clawapp/clawsync/internal/store"
	"github.com/clawapp/clawsync/internal/txn"
)

// Dispatcher performs the remote operation for one transaction. Implemented
// by api.Client in production and by fakes in tests. Errors must carry a
// txn.FailureClass (via txn.DispatchError); unclassified errors are treated
// as transient network failures.
type Dispatcher interface {
	Dispatch(ctx context.Context, t txn.Transaction) (*txn.Result, error)
}

// DefaultConcurrency bounds simultaneous dispatches across distinct
// entities. Small on purpose: it limits resource usage on reconnect bursts
// (many captures made offline, then the network returns).
const DefaultConcurrency = 4

// Status is the cheap sync-status counter surface the UI polls.
type Status struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}

// Engine owns the transaction lifecycle.
type Engine struct {
	store      *store.Store
	bus        *bus.Bus
	monitor    connectivity.Monitor
	dispatcher Dispatcher
	ids        IDGenerator
	backoff    Backoff
	limit      int
	now        func() time.Time

	// wake is the scheduling signal: buffered with size 1 so concurrent
	// wakeups coalesce, in the manner of a condition variable usable in
	// select.
	wake chan struct{}

	mu        sync.Mutex
	suspended bool            // auth suspension: no dispatches until Resume
	inflight  map[string]bool // entity keys with a dispatch in progress
	running   int             // dispatches in progress, bounded by limit
	onAuth    []func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithBackoff replaces the retry policy.
func WithBackoff(b Backoff) Option {
	return func(e *Engine) { e.backoff = b }
}

// WithConcurrency sets the cross-entity dispatch cap.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

// WithIDGenerator replaces the id generator. Used in tests.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithClock replaces the wall clock. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine. The engine subscribes to the monitor so an
// offline→online transition resumes dispatch immediately instead of
// waiting for a poll interval.
func New(s *store.Store, m connectivity.Monitor, d Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		bus:        bus.New(),
		monitor:    m,
		dispatcher: d,
		ids:        UUIDv7Generator{},
		backoff:    DefaultBackoff,
		limit:      DefaultConcurrency,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		inflight:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}

	m.OnChange(func(online bool) {
		if online {
			e.Wake()
		}
	})

	return e
}

// Wake nudges the Run loop to re-evaluate the queue. Non-blocking; multiple
// signals coalesce.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// EnqueueOptions carries optional enqueue parameters.
type EnqueueOptions struct {
	// OptimisticID lets the caller supply a pre-generated id so the UI can
	// render the optimistic row before Enqueue even returns. Captures only;
	// ignored for other types. Engine-generated when empty.
	OptimisticID string
}

// Enqueue durably queues a transaction and returns it as soon as it is
// persisted and optimistically identifiable - not when it is confirmed.
//
// A malformed payload is the one synchronous failure (*txn.ValidationError):
// no optimistic state was ever created, so the caller finds out now.
// Everything that can go wrong later surfaces asynchronously through the
// failed event, never as an error here.
func (e *Engine) Enqueue(ctx context.Context, typ txn.Type, payload txn.Payload, opts *EnqueueOptions) (txn.Transaction, error) {
	if err := txn.ValidatePayload(typ, payload); err != nil {
		return txn.Transaction{}, err
	}

	t := txn.Transaction{
		ID:        e.ids.Generate(),
		Type:      typ,
		Payload:   payload,
		Status:    txn.StatusQueued,
		CreatedAt: e.now(),
	}
	if typ == txn.TypeCapture {
		if opts != nil && opts.OptimisticID != "" {
			t.OptimisticID = opts.OptimisticID
		} else {
			t.OptimisticID = e.ids.Generate()
		}
	}

	if err := e.store.Append(ctx, &t); err != nil {
		return txn.Transaction{}, fmt.Errorf("enqueue %s: %w", typ, err)
	}

	slog.Debug("transaction enqueued",
		"id", t.ID,
		"type", string(t.Type),
		"entity", t.EntityKey(),
	)

	e.Wake()
	return t, nil
}

// GetStatus derives sync-status counters from the store. No network call;
// the UI polls or subscribes to this frequently.
func (e *Engine) GetStatus(ctx context.Context) (Status, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("get status: %w", err)
	}
	return Status{
		Pending: counts[txn.StatusQueued],
		Syncing: counts[txn.StatusSending],
		Failed:  counts[txn.StatusFailed],
	}, nil
}

// Retry re-queues a single failed transaction, resetting attempts to zero.
// This is the only path out of a terminal state, and it is logged for
// auditability.
func (e *Engine) Retry(ctx context.Context, id string) error {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != txn.StatusFailed {
		return fmt.Errorf("retry %s: status is %s, only failed transactions can be retried", id, t.Status)
	}

	queued := txn.StatusQueued
	zero := 0
	none := time.Time{}
	empty := ""
	if _, err := e.store.Update(ctx, id, store.Patch{
		Status:        &queued,
		Attempts:      &zero,
		NextAttemptAt: &none,
		LastError:     &empty,
	}); err != nil {
		return fmt.Errorf("retry %s: %w", id, err)
	}

	slog.Info("transaction retried by user", "id", id, "type", string(t.Type))
	e.Wake()
	return nil
}

// Discard permanently removes a failed transaction without retrying.
func (e *Engine) Discard(ctx context.Context, id string) error {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != txn.StatusFailed {
		return fmt.Errorf("discard %s: status is %s, only failed transactions can be discarded", id, t.Status)
	}
	if err := e.store.Remove(ctx, id); err != nil {
		return err
	}
	slog.Info("transaction discarded by user", "id", id, "type", string(t.Type))
	return nil
}

// Cancel removes an enqueued-but-not-yet-dispatched transaction. A
// transaction already sending cannot be cancelled: the remote side may have
// applied it, and an uncertain outcome is never silently discarded - wait
// for the terminal state and compensate instead.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != txn.StatusQueued {
		return fmt.Errorf("cancel %s: status is %s, only queued transactions can be cancelled", id, t.Status)
	}
	return e.store.Remove(ctx, id)
}

// On subscribes to lifecycle events (bus.EventConfirmed, bus.EventFailed).
// Returns an unsubscribe function.
func (e *Engine) On(event bus.Event, fn bus.Handler) func() {
	return e.bus.On(event, fn)
}

// OnAuthRequired registers a callback fired when a 401 suspends the queue.
// The callback should obtain a fresh credential and call Resume.
func (e *Engine) OnAuthRequired(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onAuth = append(e.onAuth, fn)
}

// Suspended reports whether the queue is paused waiting for re-auth.
func (e *Engine) Suspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspended
}

// Resume lifts the auth suspension once a fresh credential is available.
func (e *Engine) Resume() {
	e.mu.Lock()
	was := e.suspended
	e.suspended = false
	e.mu.Unlock()

	if was {
		slog.Info("queue resumed after re-authentication")
	}
	e.Wake()
}

// suspend pauses all dispatch and notifies auth callbacks. Called once per
// suspension; repeated 401s while already suspended are ignored.
func (e *Engine) suspend() {
	e.mu.Lock()
	if e.suspended {
		e.mu.Unlock()
		return
	}
	e.suspended = true
	callbacks := append([]func(){}, e.onAuth...)
	e.mu.Unlock()

	slog.Warn("queue suspended: re-authentication required")
	for _, fn := range callbacks {
		fn()
	}
}

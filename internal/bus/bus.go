// Package bus is the in-process publish/subscribe channel between the
// transaction engine and its consumers (UI state stores).
//
// Delivery is synchronous and in registration order. There is no
// persistence and no cross-process delivery: the bus exists purely to
// decouple the engine loop from whoever needs to react to transaction
// lifecycle events.
package bus

import (
	"log/slog"
	"sync"

	"github.com/clawapp/clawsync/internal/txn"
)

// Event names the two lifecycle events the engine publishes. The names and
// envelope shape are part of the engine's public contract, not an
// implementation detail.
type Event string

const (
	// EventConfirmed fires after a transaction's dispatch succeeded and the
	// record was rewritten as confirmed.
	EventConfirmed Event = "transaction:confirmed"

	// EventFailed fires when a transaction reaches the failed state, whether
	// by exhausted retries, a permanent rejection, or a prerequisite
	// conflict.
	EventFailed Event = "transaction:failed"
)

// Envelope is the fixed argument shape delivered to handlers.
type Envelope struct {
	Event       Event
	Transaction txn.Transaction

	// Result is the server response for EventConfirmed, nil for EventFailed.
	Result *txn.Result
}

// Handler receives published envelopes. A handler that panics is recovered
// and logged; it cannot break the engine loop or starve later subscribers.
type Handler func(Envelope)

type subscription struct {
	id int
	fn Handler
}

// Bus is a synchronous in-process event bus. Safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[Event][]subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Event][]subscription)}
}

// On registers a handler for an event and returns an unsubscribe function.
// Handlers are invoked in registration order. Unsubscribing twice is a
// no-op.
func (b *Bus) On(event Event, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[event]
		for i, sub := range subs {
			if sub.id == id {
				b.subs[event] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers env to all current subscribers of env.Event in registration
// order. A faulty subscriber is logged and skipped; the rest still run.
func (b *Bus) Emit(env Envelope) {
	b.mu.Lock()
	// Snapshot so handlers can subscribe/unsubscribe without deadlocking.
	subs := make([]subscription, len(b.subs[env.Event]))
	copy(subs, b.subs[env.Event])
	b.mu.Unlock()

	for _, sub := range subs {
		deliver(sub, env)
	}
}

func deliver(sub subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event", string(env.Event),
				"transaction_id", env.Transaction.ID,
				"panic", r,
			)
		}
	}()
	sub.fn(env)
}

// SubscriberCount returns the number of handlers registered for an event.
// Used for testing.
func (b *Bus) SubscriberCount(event Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}

// Package txn defines the durable transaction model for the sync engine.
//
// A Transaction is the unit of durable intent: a state-changing user action
// (capture, strike, release, extend) recorded locally before it is dispatched
// to the remote API. Transactions survive process restarts; the engine is the
// only component that advances their lifecycle.
package txn

import (
	"fmt"
	"time"
)

// Type identifies the remote operation a transaction performs.
// The set is closed: new operations are added as new variants, never by
// overloading an existing one.
type Type string

const (
	TypeCapture Type = "CAPTURE"
	TypeStrike  Type = "STRIKE"
	TypeRelease Type = "RELEASE"
	TypeExtend  Type = "EXTEND"
)

// KnownTypes lists all valid transaction types in declaration order.
var KnownTypes = []Type{TypeCapture, TypeStrike, TypeRelease, TypeExtend}

// Valid reports whether t is a known transaction type.
func (t Type) Valid() bool {
	switch t {
	case TypeCapture, TypeStrike, TypeRelease, TypeExtend:
		return true
	}
	return false
}

// Status is the lifecycle state of a transaction.
//
// The state machine only moves forward:
//
//	queued → sending → confirmed
//	queued → sending → failed
//
// Terminal states are final. A failed transaction returns to queued only
// through an explicit Retry, which resets attempts and is logged.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanTransition reports whether the move from s to next is a legal forward
// step of the state machine. The explicit retry edge (failed → queued) is
// permitted; everything else out of a terminal state is not.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		// queued → failed covers a dependent whose prerequisite capture
		// failed: it is conflict-failed without ever dispatching.
		return next == StatusSending || next == StatusFailed
	case StatusSending:
		// A transient failure reschedules the transaction, so sending may
		// fall back to queued as well as reach a terminal state.
		return next == StatusQueued || next == StatusConfirmed || next == StatusFailed
	case StatusFailed:
		return next == StatusQueued // explicit retry only
	default:
		return false
	}
}

// Transaction is a durable record of a pending, in-flight, or terminal
// mutation.
type Transaction struct {
	// ID is the engine-assigned stable identifier of the log entry.
	ID string

	// Type selects the dispatch adapter and the payload variant.
	Type Type

	// Payload is the operation-specific data. The engine treats it as
	// opaque; only validation and the dispatch adapter interpret it.
	Payload Payload

	// OptimisticID is the client-generated identity shown to the UI before
	// server confirmation. Only meaningful for CAPTURE; mutations on
	// existing entities carry the target id in their payload.
	OptimisticID string

	// ConfirmedID is the server-assigned identity, populated only after a
	// successful CAPTURE dispatch.
	ConfirmedID string

	Status   Status
	Attempts int

	// CreatedAt is the logical ordering key: transactions on the same
	// entity dispatch strictly in CreatedAt order.
	CreatedAt time.Time

	// NextAttemptAt gates dispatch after a transient failure. Zero means
	// due immediately.
	NextAttemptAt time.Time

	// LastError records the most recent failure classification, empty if
	// the transaction has never failed an attempt.
	LastError string
}

// EntityKey returns the identity of the logical entity this transaction
// mutates. For CAPTURE this is the optimistic id (the entity does not exist
// server-side yet); for every other type it is the target claw id from the
// payload, which may itself be the optimistic id of an unconfirmed capture.
func (t *Transaction) EntityKey() string {
	if t.Type == TypeCapture {
		return t.OptimisticID
	}
	return t.Payload.TargetID()
}

// Due reports whether the transaction is eligible for dispatch at now.
func (t *Transaction) Due(now time.Time) bool {
	return t.Status == StatusQueued && !t.NextAttemptAt.After(now)
}

func (t *Transaction) String() string {
	return fmt.Sprintf("%s %s [%s] attempts=%d", t.Type, t.ID, t.Status, t.Attempts)
}

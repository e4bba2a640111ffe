package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawapp/clawsync/internal/bus"
	"github.com/clawapp/clawsync/internal/store"
	"github.com/clawapp/clawsync/internal/txn"
)

// Run executes the dispatch loop until ctx is cancelled.
//
// The loop is the single scheduler: it alone decides what dispatches next,
// reading the store's ListPending ordering as the sole source of truth.
// Actual network attempts run in bounded worker goroutines; each worker
// owns exactly one transaction at a time, so per-record mutation stays
// race-free.
//
// Startup recovery: sending rows left behind by a previous process are
// requeued first - the outcome of those attempts is unknown, so they must
// run again.
func (e *Engine) Run(ctx context.Context) error {
	requeued, err := e.store.RequeueStale(ctx)
	if err != nil {
		return fmt.Errorf("engine startup recovery: %w", err)
	}
	if requeued > 0 {
		slog.Info("requeued interrupted transactions", "count", requeued)
	}

	slog.Info("engine starting", "concurrency", e.limit)

	for {
		nextDue := e.dispatchDue(ctx)

		var timer <-chan time.Time
		if !nextDue.IsZero() {
			wait := time.Until(nextDue)
			if wait < 0 {
				wait = 0
			}
			timer = time.After(wait)
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			return ctx.Err()
		case <-e.wake:
		case <-timer:
		}
	}
}

// dispatchDue scans the pending log and starts workers for every
// transaction eligible to dispatch right now. Returns the earliest future
// due time among backoff-delayed transactions, or the zero time when
// nothing is scheduled.
//
// Eligibility rules, applied per pass:
//   - queue must not be auth-suspended and the monitor must report online
//   - only the head of each entity's FIFO may dispatch (per-entity order)
//   - an entity with a dispatch in progress is skipped (at most one in
//     flight per entity)
//   - a mutation targeting the optimistic id of a pending capture waits;
//     if that capture failed, the dependent fails with a conflict instead
//   - total workers stay under the concurrency cap
func (e *Engine) dispatchDue(ctx context.Context) time.Time {
	e.mu.Lock()
	suspended := e.suspended
	e.mu.Unlock()
	if suspended || !e.monitor.IsOnline() {
		return time.Time{}
	}

	pending, err := e.store.ListPending(ctx)
	if err != nil {
		slog.Error("list pending failed", "error", err)
		return e.now().Add(time.Second)
	}

	failedCaptures := e.failedCaptureSet(ctx)

	now := e.now()
	var nextDue time.Time
	seen := make(map[string]bool) // entity keys whose FIFO head we've handled

	for i := range pending {
		t := pending[i]

		key, blocked := e.resolveEntity(ctx, &t)
		if seen[key] {
			continue // not the head of this entity's queue
		}
		seen[key] = true

		if t.Status == txn.StatusSending {
			continue // already in flight
		}

		// Prerequisite capture failed: there is nothing to mutate.
		if failedCaptures[t.Payload.TargetID()] {
			e.failConflict(ctx, t)
			continue
		}
		if blocked {
			continue // capture not terminal yet; hold the dependent
		}

		if !t.Due(now) {
			if nextDue.IsZero() || t.NextAttemptAt.Before(nextDue) {
				nextDue = t.NextAttemptAt
			}
			continue
		}

		if !e.claim(key) {
			continue // entity busy or concurrency cap reached
		}
		go e.dispatch(ctx, t, key)
	}

	return nextDue
}

// resolveEntity returns the serialization key for t and whether t is
// blocked behind an unconfirmed capture. For mutations whose target
// optimistic id already resolved, the key is the confirmed id so they
// serialize with other operations on the same server entity.
func (e *Engine) resolveEntity(ctx context.Context, t *txn.Transaction) (key string, blocked bool) {
	key = t.EntityKey()
	if t.Type == txn.TypeCapture {
		return key, false
	}

	confirmed, ok, err := e.store.ResolveOptimistic(ctx, key)
	if err != nil {
		slog.Error("resolve optimistic id failed", "id", t.ID, "target", key, "error", err)
		return key, true
	}
	if ok {
		return confirmed, false
	}

	// No mapping. If a pending capture owns this optimistic id, the
	// dependent must wait for its terminal state. The capture shares the
	// same entity key, and being older it sits ahead in the FIFO, so
	// head-of-queue scheduling holds the dependent back; blocked matters
	// only for flagging an explicit wait.
	return key, e.hasPendingCapture(ctx, key)
}

// hasPendingCapture reports whether a non-terminal capture with the given
// optimistic id exists.
func (e *Engine) hasPendingCapture(ctx context.Context, optimisticID string) bool {
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return false
	}
	for i := range pending {
		if pending[i].Type == txn.TypeCapture && pending[i].OptimisticID == optimisticID {
			return true
		}
	}
	return false
}

// failedCaptureSet collects optimistic ids of failed captures, so dependent
// mutations can be conflict-failed instead of dispatched against an entity
// that will never exist.
func (e *Engine) failedCaptureSet(ctx context.Context) map[string]bool {
	failed, err := e.store.ListFailed(ctx)
	if err != nil {
		slog.Error("list failed transactions failed", "error", err)
		return nil
	}
	set := make(map[string]bool)
	for i := range failed {
		if failed[i].Type == txn.TypeCapture {
			set[failed[i].OptimisticID] = true
		}
	}
	return set
}

// claim reserves the entity key and a worker slot. Returns false when the
// entity already has a dispatch in flight or the concurrency cap is
// reached.
func (e *Engine) claim(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[key] || e.running >= e.limit {
		return false
	}
	e.inflight[key] = true
	e.running++
	return true
}

// release frees the entity key and worker slot, then wakes the scheduler
// so dependents and queued work get another look.
func (e *Engine) release(key string) {
	e.mu.Lock()
	delete(e.inflight, key)
	e.running--
	e.mu.Unlock()
	e.Wake()
}

// dispatch performs one attempt for t. Runs in its own goroutine; the
// entity key is claimed for the duration, so no second attempt can race on
// the same entity.
func (e *Engine) dispatch(ctx context.Context, t txn.Transaction, key string) {
	defer e.release(key)

	// Retarget a mutation whose optimistic target has since resolved.
	if t.Type != txn.TypeCapture && t.Payload.TargetID() != key {
		patched, err := e.store.Update(ctx, t.ID, store.Patch{
			Payload: txn.RetargetPayload(t.Payload, key),
		})
		if err != nil {
			slog.Error("retarget failed", "id", t.ID, "error", err)
			return
		}
		t = patched
	}

	sending := txn.StatusSending
	attempts := t.Attempts + 1
	updated, err := e.store.Update(ctx, t.ID, store.Patch{Status: &sending, Attempts: &attempts})
	if err != nil {
		slog.Error("mark sending failed", "id", t.ID, "error", err)
		return
	}

	slog.Debug("dispatching",
		"id", updated.ID,
		"type", string(updated.Type),
		"entity", key,
		"attempt", updated.Attempts,
	)

	result, err := e.dispatcher.Dispatch(ctx, updated)
	if err != nil {
		e.handleFailure(ctx, updated, err)
		return
	}
	e.confirm(ctx, updated, result)
}

// confirm rewrites the record as confirmed, persists the optimistic id
// mapping for captures, removes the entry from the active log, and emits
// the confirmed event.
func (e *Engine) confirm(ctx context.Context, t txn.Transaction, result *txn.Result) {
	confirmed := txn.StatusConfirmed
	patch := store.Patch{Status: &confirmed}
	var mappingErr error
	if t.Type == txn.TypeCapture && result.ConfirmedID != "" {
		patch.ConfirmedID = &result.ConfirmedID
		mappingErr = e.store.RecordMapping(ctx, t.OptimisticID, result.ConfirmedID)
		if mappingErr != nil {
			slog.Error("record id mapping failed", "id", t.ID, "error", mappingErr)
		}
	}

	updated, err := e.store.Update(ctx, t.ID, patch)
	if err != nil {
		slog.Error("mark confirmed failed", "id", t.ID, "error", err)
		return
	}

	slog.Info("transaction confirmed",
		"id", updated.ID,
		"type", string(updated.Type),
		"confirmed_id", updated.ConfirmedID,
		"attempts", updated.Attempts,
	)

	// Confirmed entries leave the active log; the event carries everything
	// consumers need for correlation. If the mapping write failed, the
	// confirmed row is kept - it still holds the confirmed_id needed to
	// recover the mapping.
	if mappingErr == nil {
		if err := e.store.Remove(ctx, updated.ID); err != nil {
			slog.Error("cleanup confirmed transaction failed", "id", updated.ID, "error", err)
		}
	}

	e.bus.Emit(bus.Envelope{
		Event:       bus.EventConfirmed,
		Transaction: updated,
		Result:      result,
	})
}

// handleFailure routes a dispatch error by its failure class.
func (e *Engine) handleFailure(ctx context.Context, t txn.Transaction, dispatchErr error) {
	class := txn.Classify(dispatchErr)
	detail := dispatchErr.Error()
	var de *txn.DispatchError
	if errors.As(dispatchErr, &de) {
		detail = de.Message
	}

	switch {
	case class == txn.FailureAuth:
		// Suspend the whole queue rather than burning retries across
		// every queued item. The attempt does not count against this
		// transaction's retry budget.
		queued := txn.StatusQueued
		attempts := t.Attempts - 1
		lastErr := fmt.Sprintf("%s: %s", class, detail)
		if _, err := e.store.Update(ctx, t.ID, store.Patch{
			Status:    &queued,
			Attempts:  &attempts,
			LastError: &lastErr,
		}); err != nil {
			slog.Error("requeue after auth failure failed", "id", t.ID, "error", err)
		}
		e.suspend()

	case class.Transient() && !e.backoff.Exhausted(t.Attempts):
		queued := txn.StatusQueued
		delay := e.backoff.Delay(t.Attempts)
		next := e.now().Add(delay)
		lastErr := fmt.Sprintf("%s: %s", class, detail)
		if _, err := e.store.Update(ctx, t.ID, store.Patch{
			Status:        &queued,
			NextAttemptAt: &next,
			LastError:     &lastErr,
		}); err != nil {
			slog.Error("reschedule failed", "id", t.ID, "error", err)
			return
		}
		slog.Debug("transaction rescheduled",
			"id", t.ID,
			"class", string(class),
			"attempt", t.Attempts,
			"delay", delay,
		)

	default:
		if class.Transient() {
			slog.Warn("retries exhausted",
				"id", t.ID,
				"type", string(t.Type),
				"attempts", t.Attempts,
			)
		}
		e.markFailed(ctx, t, class, detail)
	}
}

// failConflict fails a dependent transaction whose prerequisite capture
// failed, without ever dispatching it.
func (e *Engine) failConflict(ctx context.Context, t txn.Transaction) {
	e.markFailed(ctx, t, txn.FailureConflict,
		fmt.Sprintf("capture of target %s failed", t.Payload.TargetID()))
}

// markFailed moves t to the failed terminal state and emits the failed
// event. The record stays in the log until the user retries or discards
// it - a failed transaction never silently disappears.
func (e *Engine) markFailed(ctx context.Context, t txn.Transaction, class txn.FailureClass, detail string) {
	failed := txn.StatusFailed
	lastErr := fmt.Sprintf("%s: %s", class, detail)
	updated, err := e.store.Update(ctx, t.ID, store.Patch{
		Status:    &failed,
		LastError: &lastErr,
	})
	if err != nil {
		slog.Error("mark failed failed", "id", t.ID, "error", err)
		return
	}

	slog.Warn("transaction failed",
		"id", updated.ID,
		"type", string(updated.Type),
		"class", string(class),
		"error", detail,
	)

	e.bus.Emit(bus.Envelope{
		Event:       bus.EventFailed,
		Transaction: updated,
	})
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/clawapp/clawsync/internal/txn"
)

// Patch describes the fields Update may change. Nil fields are left
// untouched. Only the engine constructs patches; UI code never writes to
// the log directly.
type Patch struct {
	Status        *txn.Status
	Attempts      *int
	ConfirmedID   *string
	NextAttemptAt *time.Time
	LastError     *string
	Payload       txn.Payload
}

// Append durably writes a new transaction to the log. The payload shape is
// checked against the type's schema first; a *txn.ValidationError means
// nothing was written. Once Append returns, the record survives a crash
// immediately after.
//
// Idempotent on id: appending a transaction whose id already exists is a
// no-op, matching the at-least-once semantics of callers that retry after
// an ambiguous crash.
func (s *Store) Append(ctx context.Context, t *txn.Transaction) error {
	if err := txn.ValidatePayload(t.Type, t.Payload); err != nil {
		return err
	}

	payload, err := txn.MarshalPayload(t.Payload)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}

	if t.Status == "" {
		t.Status = txn.StatusQueued
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO transactions
			(id, type, payload, optimistic_id, confirmed_id, status, attempts, created_at, next_attempt_at, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`,
			t.ID,
			string(t.Type),
			payload,
			t.OptimisticID,
			t.ConfirmedID,
			string(t.Status),
			t.Attempts,
			encodeTime(t.CreatedAt),
			encodeTime(t.NextAttemptAt),
			t.LastError,
		)
		if err != nil {
			return fmt.Errorf("append transaction: %w", err)
		}
		return nil
	})
}

// Update applies a patch to an existing transaction and returns the updated
// record. Returns *txn.NotFoundError if the id is unknown and
// *txn.IllegalTransitionError if the patch would move the status across an
// edge the state machine does not have; a same-status write is a no-op.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (txn.Transaction, error) {
	var updated txn.Transaction

	err := retryOnContention(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("update transaction: begin tx: %w", err)
		}
		defer tx.Rollback() // No-op if committed

		current, err := scanOne(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
		if err != nil {
			return err
		}

		if patch.Status != nil && *patch.Status != current.Status {
			if !current.Status.CanTransition(*patch.Status) {
				return &txn.IllegalTransitionError{ID: id, From: current.Status, To: *patch.Status}
			}
			current.Status = *patch.Status
		}
		if patch.Attempts != nil {
			current.Attempts = *patch.Attempts
		}
		if patch.ConfirmedID != nil {
			current.ConfirmedID = *patch.ConfirmedID
		}
		if patch.NextAttemptAt != nil {
			current.NextAttemptAt = *patch.NextAttemptAt
		}
		if patch.LastError != nil {
			current.LastError = *patch.LastError
		}
		if patch.Payload != nil {
			current.Payload = patch.Payload
		}

		payload, err := txn.MarshalPayload(current.Payload)
		if err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE transactions
			SET payload = ?, confirmed_id = ?, status = ?, attempts = ?, next_attempt_at = ?, last_error = ?
			WHERE id = ?
		`,
			payload,
			current.ConfirmedID,
			string(current.Status),
			current.Attempts,
			encodeTime(current.NextAttemptAt),
			current.LastError,
			id,
		)
		if err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("update transaction: commit: %w", err)
		}

		updated = current
		return nil
	})
	if err != nil {
		return txn.Transaction{}, err
	}
	return updated, nil
}

// Remove deletes a transaction from the active log. Used for confirmed
// cleanup, user discard of a failed entry, and cancellation of a
// still-queued entry. Returns *txn.NotFoundError if the id is unknown.
func (s *Store) Remove(ctx context.Context, id string) error {
	return retryOnContention(func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("remove transaction: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("remove transaction: rows affected: %w", err)
		}
		if n == 0 {
			return &txn.NotFoundError{ID: id}
		}
		return nil
	})
}

// RequeueStale resets transactions stuck in sending back to queued.
// Called once at engine startup: a sending row can only be left behind by a
// process that died mid-dispatch, and the outcome of that attempt is
// unknown, so the transaction must run again.
func (s *Store) RequeueStale(ctx context.Context) (int, error) {
	var n int64
	err := retryOnContention(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE transactions SET status = ? WHERE status = ?
		`, string(txn.StatusQueued), string(txn.StatusSending))
		if err != nil {
			return fmt.Errorf("requeue stale: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("requeue stale: rows affected: %w", err)
		}
		return nil
	})
	return int(n), err
}

// RecordMapping persists the optimistic_id -> confirmed_id mapping written
// when a capture confirms. Idempotent: recording the same mapping twice is
// a no-op.
func (s *Store) RecordMapping(ctx context.Context, optimisticID, confirmedID string) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO id_mappings (optimistic_id, confirmed_id)
			VALUES (?, ?)
			ON CONFLICT(optimistic_id) DO NOTHING
		`, optimisticID, confirmedID)
		if err != nil {
			return fmt.Errorf("record mapping: %w", err)
		}
		return nil
	})
}

// encodeTime stores timestamps as unix microseconds; zero times encode as 0.
func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

// decodeTime reverses encodeTime.
func decodeTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v)
}

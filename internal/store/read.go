package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clawapp/clawsync/internal/txn"
)

const selectColumns = `
	SELECT id, type, payload, optimistic_id, confirmed_id, status, attempts, created_at, next_attempt_at, last_error
	FROM transactions`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanOne decodes a single transaction row. Maps sql.ErrNoRows to
// *txn.NotFoundError so callers get the store's error taxonomy.
func scanOne(row rowScanner) (txn.Transaction, error) {
	var (
		t                 txn.Transaction
		typ, status       string
		payload           string
		createdAt, nextAt int64
	)
	err := row.Scan(
		&t.ID, &typ, &payload, &t.OptimisticID, &t.ConfirmedID,
		&status, &t.Attempts, &createdAt, &nextAt, &t.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return txn.Transaction{}, &txn.NotFoundError{ID: t.ID}
	}
	if err != nil {
		return txn.Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}

	t.Type = txn.Type(typ)
	t.Status = txn.Status(status)
	t.CreatedAt = decodeTime(createdAt)
	t.NextAttemptAt = decodeTime(nextAt)

	t.Payload, err = txn.UnmarshalPayload(t.Type, payload)
	if err != nil {
		return txn.Transaction{}, err
	}
	return t, nil
}

// Get retrieves a single transaction by id.
// Returns *txn.NotFoundError if the id is unknown.
func (s *Store) Get(ctx context.Context, id string) (txn.Transaction, error) {
	t, err := scanOne(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if txn.IsNotFound(err) {
		return txn.Transaction{}, &txn.NotFoundError{ID: id}
	}
	return t, err
}

// ListPending returns all non-terminal transactions ordered by created_at
// ascending with id as a deterministic tiebreak. This ordering is the sole
// source of truth for what dispatches next.
func (s *Store) ListPending(ctx context.Context) ([]txn.Transaction, error) {
	return s.list(ctx, selectColumns+`
		WHERE status IN (?, ?)
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, string(txn.StatusQueued), string(txn.StatusSending))
}

// ListFailed returns failed-but-undiscarded transactions in log order.
// These stay visible until the user retries or discards them.
func (s *Store) ListFailed(ctx context.Context) ([]txn.Transaction, error) {
	return s.list(ctx, selectColumns+`
		WHERE status = ?
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, string(txn.StatusFailed))
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]txn.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []txn.Transaction
	for rows.Next() {
		t, err := scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}

	// Return empty slice instead of nil
	if out == nil {
		out = []txn.Transaction{}
	}
	return out, nil
}

// CountByStatus returns the number of transactions per lifecycle state.
// Cheap by design: the UI polls this for sync status counters.
func (s *Store) CountByStatus(ctx context.Context) (map[txn.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM transactions GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[txn.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count by status: scan: %w", err)
		}
		counts[txn.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count by status: iterate: %w", err)
	}
	return counts, nil
}

// ResolveOptimistic looks up the server-assigned id for an optimistic id.
// Returns ("", false, nil) when no mapping has been recorded yet.
func (s *Store) ResolveOptimistic(ctx context.Context, optimisticID string) (string, bool, error) {
	var confirmed string
	err := s.db.QueryRowContext(ctx, `
		SELECT confirmed_id FROM id_mappings WHERE optimistic_id = ?
	`, optimisticID).Scan(&confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve optimistic id: %w", err)
	}
	return confirmed, true, nil
}

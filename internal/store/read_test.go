package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawapp/clawsync/internal/txn"
)

func TestListPending_FIFOOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// Append out of creation order; the list must come back FIFO.
	require.NoError(t, s.Append(ctx, makeCapture("tx-c", 2)))
	require.NoError(t, s.Append(ctx, makeCapture("tx-a", 0)))
	require.NoError(t, s.Append(ctx, makeCapture("tx-b", 1)))

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "tx-a", pending[0].ID)
	assert.Equal(t, "tx-b", pending[1].ID)
	assert.Equal(t, "tx-c", pending[2].ID)
}

func TestListPending_IDTiebreak(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// Identical created_at: ordering falls back to id, deterministically.
	require.NoError(t, s.Append(ctx, makeCapture("tx-b", 0)))
	require.NoError(t, s.Append(ctx, makeCapture("tx-a", 0)))

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "tx-a", pending[0].ID)
	assert.Equal(t, "tx-b", pending[1].ID)
}

func TestListPending_ExcludesTerminal(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, makeCapture("tx-1", 0)))
	require.NoError(t, s.Append(ctx, makeCapture("tx-2", 1)))
	require.NoError(t, s.Append(ctx, makeCapture("tx-3", 2)))

	sending := txn.StatusSending
	confirmed := txn.StatusConfirmed
	failed := txn.StatusFailed
	_, err := s.Update(ctx, "tx-1", Patch{Status: &sending})
	require.NoError(t, err)
	_, err = s.Update(ctx, "tx-1", Patch{Status: &confirmed})
	require.NoError(t, err)
	_, err = s.Update(ctx, "tx-2", Patch{Status: &failed})
	require.NoError(t, err)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "tx-3", pending[0].ID)

	failedList, err := s.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failedList, 1)
	assert.Equal(t, "tx-2", failedList[0].ID)
}

func TestListPending_EmptyIsNotNil(t *testing.T) {
	s := createTestStore(t)

	pending, err := s.ListPending(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, pending)
	assert.Empty(t, pending)
}

func TestCountByStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, makeCapture("tx-1", 0)))
	require.NoError(t, s.Append(ctx, makeCapture("tx-2", 1)))
	require.NoError(t, s.Append(ctx, makeCapture("tx-3", 2)))

	sending := txn.StatusSending
	failed := txn.StatusFailed
	_, err := s.Update(ctx, "tx-2", Patch{Status: &sending})
	require.NoError(t, err)
	_, err = s.Update(ctx, "tx-3", Patch{Status: &failed})
	require.NoError(t, err)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[txn.StatusQueued])
	assert.Equal(t, 1, counts[txn.StatusSending])
	assert.Equal(t, 1, counts[txn.StatusFailed])
	assert.Equal(t, 0, counts[txn.StatusConfirmed])
}

func TestResolveOptimistic_Unmapped(t *testing.T) {
	s := createTestStore(t)

	_, ok, err := s.ResolveOptimistic(context.Background(), "opt-unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_SurvivesReopen(t *testing.T) {
	// Durability contract: once Append returns, the record survives a
	// process restart.
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.Append(ctx, makeStrike("tx-1", "claw-7", 0)))
	path := s.path(t)
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "claw-7", got.Payload.TargetID())
}

// path recovers the database file path for reopen tests.
func (s *Store) path(t *testing.T) string {
	t.Helper()
	var (
		seq        int
		name, file string
	)
	row := s.db.QueryRow(`PRAGMA database_list`)
	if err := row.Scan(&seq, &name, &file); err != nil {
		t.Fatalf("query database path: %v", err)
	}
	return file
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawapp/clawsync/internal/txn"
)

func TestAppend_Durable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tr := makeCapture("tx-1", 0)
	require.NoError(t, s.Append(ctx, tr))

	got, err := s.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, txn.TypeCapture, got.Type)
	assert.Equal(t, txn.StatusQueued, got.Status)
	assert.Equal(t, "opt-tx-1", got.OptimisticID)
	assert.Equal(t, "capture tx-1", got.Payload.(*txn.CapturePayload).Content)
	assert.True(t, got.CreatedAt.Equal(tr.CreatedAt))
}

func TestAppend_RejectsInvalidPayload(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.Append(ctx, &txn.Transaction{
		ID:      "tx-bad",
		Type:    txn.TypeCapture,
		Payload: &txn.CapturePayload{Content: ""},
	})
	require.Error(t, err)
	assert.True(t, txn.IsValidation(err))

	// Nothing was written.
	_, err = s.Get(ctx, "tx-bad")
	assert.True(t, txn.IsNotFound(err))
}

func TestAppend_IdempotentOnID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, makeCapture("tx-1", 0)))

	dup := makeCapture("tx-1", 0)
	dup.Payload = &txn.CapturePayload{Content: "different content"}
	require.NoError(t, s.Append(ctx, dup))

	got, err := s.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "capture tx-1", got.Payload.(*txn.CapturePayload).Content,
		"first write wins")
}

func TestUpdate_AdvancesStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, makeCapture("tx-1", 0)))

	sending := txn.StatusSending
	attempts := 1
	got, err := s.Update(ctx, "tx-1", Patch{Status: &sending, Attempts: &attempts})
	require.NoError(t, err)
	assert.Equal(t, txn.StatusSending, got.Status)
	assert.Equal(t, 1, got.Attempts)

	confirmed := txn.StatusConfirmed
	confirmedID := "srv-99"
	got, err = s.Update(ctx, "tx-1", Patch{Status: &confirmed, ConfirmedID: &confirmedID})
	require.NoError(t, err)
	assert.Equal(t, txn.StatusConfirmed, got.Status)
	assert.Equal(t, "srv-99", got.ConfirmedID)
	assert.Equal(t, 1, got.Attempts, "untouched fields survive the patch")
}

func TestUpdate_RejectsIllegalTransition(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, makeCapture("tx-1", 0)))

	// A queued transaction cannot jump straight to confirmed.
	confirmed := txn.StatusConfirmed
	_, err := s.Update(ctx, "tx-1", Patch{Status: &confirmed})
	require.Error(t, err)
	assert.True(t, txn.IsIllegalTransition(err))

	// Walk the legal path to the terminal state.
	sending := txn.StatusSending
	_, err = s.Update(ctx, "tx-1", Patch{Status: &sending})
	require.NoError(t, err)
	_, err = s.Update(ctx, "tx-1", Patch{Status: &confirmed})
	require.NoError(t, err)

	// Nothing moves a confirmed transaction back.
	queued := txn.StatusQueued
	_, err = s.Update(ctx, "tx-1", Patch{Status: &queued})
	require.Error(t, err)
	assert.True(t, txn.IsIllegalTransition(err))

	got, err := s.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, txn.StatusConfirmed, got.Status, "rejected write left the record untouched")
}

func TestUpdate_SameStatusIsNoOp(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, makeCapture("tx-1", 0)))

	queued := txn.StatusQueued
	lastErr := "network: request failed"
	got, err := s.Update(ctx, "tx-1", Patch{Status: &queued, LastError: &lastErr})
	require.NoError(t, err)
	assert.Equal(t, txn.StatusQueued, got.Status)
	assert.Equal(t, lastErr, got.LastError)
}

func TestUpdate_NotFound(t *testing.T) {
	s := createTestStore(t)

	sending := txn.StatusSending
	_, err := s.Update(context.Background(), "missing", Patch{Status: &sending})
	assert.True(t, txn.IsNotFound(err))
}

func TestUpdate_Retarget(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, makeStrike("tx-2", "opt-1", 1)))

	got, err := s.Update(ctx, "tx-2", Patch{
		Payload: &txn.StrikePayload{ClawID: "srv-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.Payload.TargetID())

	// Durable across a fresh read.
	got, err = s.Get(ctx, "tx-2")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.Payload.TargetID())
}

func TestRemove(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, makeCapture("tx-1", 0)))
	require.NoError(t, s.Remove(ctx, "tx-1"))

	_, err := s.Get(ctx, "tx-1")
	assert.True(t, txn.IsNotFound(err))

	err = s.Remove(ctx, "tx-1")
	assert.True(t, txn.IsNotFound(err))
}

func TestRequeueStale(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, makeCapture("tx-1", 0)))
	require.NoError(t, s.Append(ctx, makeCapture("tx-2", 1)))

	sending := txn.StatusSending
	_, err := s.Update(ctx, "tx-1", Patch{Status: &sending})
	require.NoError(t, err)

	n, err := s.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, txn.StatusQueued, got.Status)
}

func TestRecordMapping_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordMapping(ctx, "opt-1", "srv-1"))
	require.NoError(t, s.RecordMapping(ctx, "opt-1", "srv-other"))

	confirmed, ok, err := s.ResolveOptimistic(ctx, "opt-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "srv-1", confirmed, "first mapping wins")
}

func TestEncodeTime_ZeroRoundTrip(t *testing.T) {
	assert.Equal(t, int64(0), encodeTime(time.Time{}))
	assert.True(t, decodeTime(0).IsZero())

	now := time.Now().Truncate(time.Microsecond)
	assert.True(t, decodeTime(encodeTime(now)).Equal(now))
}

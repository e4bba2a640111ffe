package view

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawapp/clawsync/internal/bus"
	"github.com/clawapp/clawsync/internal/txn"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// newTestStore attaches a store to a bare bus so tests drive lifecycle
// events directly.
func newTestStore(t *testing.T) (*Store, *bus.Bus) {
	t.Helper()
	s := NewStore()
	s.clock = func() time.Time { return baseTime }
	b := bus.New()
	s.Attach(b)
	t.Cleanup(s.Detach)
	return s, b
}

func captureTxn(optimisticID, content string) txn.Transaction {
	return txn.Transaction{
		ID:           "txn-" + optimisticID,
		Type:         txn.TypeCapture,
		Payload:      &txn.CapturePayload{Content: content, ContentType: "text"},
		OptimisticID: optimisticID,
		Status:       txn.StatusQueued,
		CreatedAt:    baseTime,
	}
}

func syncedClaw(id string) Claw {
	return Claw{
		ID:          id,
		Content:     "water the plants",
		ContentType: "text",
		Title:       "Plants",
		Tags:        []string{"home"},
		Status:      StatusActive,
		ExpiresAt:   baseTime.Add(7 * 24 * time.Hour),
		SyncState:   SyncStateSynced,
	}
}

func TestApplyOptimistic_CaptureInjectsRow(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.ApplyOptimistic(captureTxn("opt-1", "call the dentist")))

	c, ok := s.Get("opt-1")
	require.True(t, ok)
	assert.Equal(t, "call the dentist", c.Content)
	assert.Equal(t, StatusActive, c.Status)
	assert.Equal(t, baseTime.Add(DefaultTTL), c.ExpiresAt)
	assert.True(t, c.Optimistic)
	assert.Equal(t, SyncStatePending, c.SyncState)
}

func TestApplyOptimistic_UnknownTargetRejected(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.ApplyOptimistic(txn.Transaction{
		ID:      "txn-1",
		Type:    txn.TypeStrike,
		Payload: &txn.StrikePayload{ClawID: "ghost"},
	})
	assert.Error(t, err)
}

func TestConfirmed_CaptureSwapsIDAndMergesServerFields(t *testing.T) {
	s, b := newTestStore(t)
	tr := captureTxn("opt-1", "read the contract")
	require.NoError(t, s.ApplyOptimistic(tr))

	confirmed := tr
	confirmed.Status = txn.StatusConfirmed
	confirmed.ConfirmedID = "srv-1"
	expiry := baseTime.Add(7 * 24 * time.Hour)
	b.Emit(bus.Envelope{
		Event:       bus.EventConfirmed,
		Transaction: confirmed,
		Result: &txn.Result{
			ConfirmedID: "srv-1",
			Fields: map[string]any{
				"title":      "Contract review",
				"category":   "work",
				"tags":       []any{"legal", "urgent"},
				"expires_at": expiry.Format(time.RFC3339),
			},
		},
	})

	c, ok := s.Get("srv-1")
	require.True(t, ok)
	assert.Equal(t, "srv-1", c.ID)
	assert.Equal(t, "Contract review", c.Title)
	assert.Equal(t, "work", c.Category)
	assert.Equal(t, []string{"legal", "urgent"}, c.Tags)
	assert.False(t, c.Optimistic)
	assert.Equal(t, SyncStateSynced, c.SyncState)

	// The optimistic id keeps resolving to the same row.
	viaOld, ok := s.Get("opt-1")
	require.True(t, ok)
	assert.Equal(t, c, viaOld)
	assert.Equal(t, 1, s.Len())
}

func TestConfirmed_DuplicateIsIdempotent(t *testing.T) {
	s, b := newTestStore(t)
	tr := captureTxn("opt-1", "note")
	require.NoError(t, s.ApplyOptimistic(tr))

	confirmed := tr
	confirmed.ConfirmedID = "srv-1"
	env := bus.Envelope{
		Event:       bus.EventConfirmed,
		Transaction: confirmed,
		Result:      &txn.Result{ConfirmedID: "srv-1", Fields: map[string]any{"title": "T"}},
	}
	b.Emit(env)
	first, _ := s.Get("srv-1")

	b.Emit(env)
	second, _ := s.Get("srv-1")
	assert.Equal(t, first, second, "a duplicate confirmation changes nothing")
	assert.Equal(t, 1, s.Len())
}

func TestFailed_CaptureRemovesRow(t *testing.T) {
	s, b := newTestStore(t)
	tr := captureTxn("opt-1", "note")
	require.NoError(t, s.ApplyOptimistic(tr))

	failed := tr
	failed.Status = txn.StatusFailed
	b.Emit(bus.Envelope{Event: bus.EventFailed, Transaction: failed})

	_, ok := s.Get("opt-1")
	assert.False(t, ok)
	assert.Zero(t, s.Len())
}

func TestFailed_MutationRestoresExactSnapshot(t *testing.T) {
	s, b := newTestStore(t)
	s.Put(syncedClaw("srv-1"))
	before, _ := s.Get("srv-1")

	strike := txn.Transaction{
		ID:      "txn-strike",
		Type:    txn.TypeStrike,
		Payload: &txn.StrikePayload{ClawID: "srv-1"},
	}
	require.NoError(t, s.ApplyOptimistic(strike))

	mid, _ := s.Get("srv-1")
	assert.Equal(t, StatusCompleted, mid.Status)
	require.NotNil(t, mid.CompletedAt)
	assert.Equal(t, SyncStatePending, mid.SyncState)

	failed := strike
	failed.Status = txn.StatusFailed
	b.Emit(bus.Envelope{Event: bus.EventFailed, Transaction: failed})

	after, ok := s.Get("srv-1")
	require.True(t, ok)
	assert.Equal(t, before, after, "rollback restores the exact pre-mutation state")
}

func TestExtend_AppliesAndConfirms(t *testing.T) {
	s, b := newTestStore(t)
	s.Put(syncedClaw("srv-1"))
	before, _ := s.Get("srv-1")

	extend := txn.Transaction{
		ID:      "txn-extend",
		Type:    txn.TypeExtend,
		Payload: &txn.ExtendPayload{ClawID: "srv-1", Days: 3},
	}
	require.NoError(t, s.ApplyOptimistic(extend))

	mid, _ := s.Get("srv-1")
	assert.Equal(t, before.ExpiresAt.Add(3*24*time.Hour), mid.ExpiresAt)

	// The extend endpoint answers {message, new_expiry}, computed from the
	// server's clock, so it can land earlier than the additive optimistic
	// estimate. The server value must win.
	serverExpiry := baseTime.Add(2 * 24 * time.Hour)
	confirmed := extend
	confirmed.Status = txn.StatusConfirmed
	b.Emit(bus.Envelope{
		Event:       bus.EventConfirmed,
		Transaction: confirmed,
		Result: &txn.Result{Fields: map[string]any{
			"message":    "Claw extended by 3 days",
			"new_expiry": serverExpiry.Format(time.RFC3339),
		}},
	})

	after, _ := s.Get("srv-1")
	assert.Equal(t, serverExpiry, after.ExpiresAt, "server expiry replaces the optimistic estimate")
	assert.Equal(t, SyncStateSynced, after.SyncState)
}

func TestOverlappingMutations_RollBackToFirstBaseline(t *testing.T) {
	s, b := newTestStore(t)
	s.Put(syncedClaw("srv-1"))
	before, _ := s.Get("srv-1")

	strike := txn.Transaction{
		ID:      "txn-strike",
		Type:    txn.TypeStrike,
		Payload: &txn.StrikePayload{ClawID: "srv-1"},
	}
	extend := txn.Transaction{
		ID:      "txn-extend",
		Type:    txn.TypeExtend,
		Payload: &txn.ExtendPayload{ClawID: "srv-1", Days: 7},
	}
	require.NoError(t, s.ApplyOptimistic(strike))
	require.NoError(t, s.ApplyOptimistic(extend))

	// Last writer's effects are visible on top of the first.
	mid, _ := s.Get("srv-1")
	assert.Equal(t, StatusCompleted, mid.Status)
	assert.Equal(t, before.ExpiresAt.Add(7*24*time.Hour), mid.ExpiresAt)

	failed := extend
	failed.Status = txn.StatusFailed
	b.Emit(bus.Envelope{Event: bus.EventFailed, Transaction: failed})

	after, _ := s.Get("srv-1")
	assert.Equal(t, before, after, "rollback restores the state before the first overlapping write")
}

func TestMutationOnOptimisticRow_SurvivesCaptureConfirmation(t *testing.T) {
	s, b := newTestStore(t)
	capture := captureTxn("opt-1", "note")
	require.NoError(t, s.ApplyOptimistic(capture))

	strike := txn.Transaction{
		ID:      "txn-strike",
		Type:    txn.TypeStrike,
		Payload: &txn.StrikePayload{ClawID: "opt-1"},
	}
	require.NoError(t, s.ApplyOptimistic(strike))

	confirmed := capture
	confirmed.ConfirmedID = "srv-1"
	b.Emit(bus.Envelope{
		Event:       bus.EventConfirmed,
		Transaction: confirmed,
		Result:      &txn.Result{ConfirmedID: "srv-1"},
	})

	c, ok := s.Get("srv-1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, c.Status, "optimistic strike survives the id swap")
	assert.Equal(t, SyncStatePending, c.SyncState, "strike is still in flight")

	// The engine retargets the strike before dispatch, so its terminal
	// event carries the confirmed id.
	retargeted := strike
	retargeted.Payload = txn.RetargetPayload(strike.Payload, "srv-1")
	retargeted.Status = txn.StatusConfirmed
	b.Emit(bus.Envelope{
		Event:       bus.EventConfirmed,
		Transaction: retargeted,
		Result:      &txn.Result{Fields: map[string]any{"message": "ok"}},
	})

	c, _ = s.Get("srv-1")
	assert.Equal(t, SyncStateSynced, c.SyncState)
	assert.False(t, c.Optimistic)
}

func TestPut_DoesNotClobberPendingRow(t *testing.T) {
	s, _ := newTestStore(t)
	s.Put(syncedClaw("srv-1"))

	strike := txn.Transaction{
		ID:      "txn-strike",
		Type:    txn.TypeStrike,
		Payload: &txn.StrikePayload{ClawID: "srv-1"},
	}
	require.NoError(t, s.ApplyOptimistic(strike))

	stale := syncedClaw("srv-1")
	stale.Title = "Stale fetch"
	s.Put(stale)

	c, _ := s.Get("srv-1")
	assert.Equal(t, StatusCompleted, c.Status, "a stale fetch does not overwrite optimistic edits")
	assert.NotEqual(t, "Stale fetch", c.Title)
}

func TestList_PreservesInsertionOrder(t *testing.T) {
	s, _ := newTestStore(t)
	s.Put(syncedClaw("a"))
	s.Put(syncedClaw("b"))
	s.Put(syncedClaw("c"))

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
	assert.Equal(t, "c", list[2].ID)
}

func TestCloneClaw_IsDeepCopy(t *testing.T) {
	orig := syncedClaw("srv-1")
	completed := baseTime
	orig.CompletedAt = &completed

	clone, err := cloneClaw(orig)
	require.NoError(t, err)
	assert.Equal(t, orig, clone)

	clone.Tags[0] = "changed"
	clone.CompletedAt = nil
	assert.Equal(t, "home", orig.Tags[0], "clone shares no slice storage")
	assert.NotNil(t, orig.CompletedAt)
}

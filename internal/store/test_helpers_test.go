package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/clawapp/clawsync/internal/txn"
)

// createTestStore creates a file-backed store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// makeCapture builds a queued capture transaction with a deterministic
// creation time offset so ordering tests are stable.
func makeCapture(id string, seq int) *txn.Transaction {
	return &txn.Transaction{
		ID:           id,
		Type:         txn.TypeCapture,
		Payload:      &txn.CapturePayload{Content: fmt.Sprintf("capture %s", id), ContentType: "text"},
		OptimisticID: "opt-" + id,
		Status:       txn.StatusQueued,
		CreatedAt:    baseTime.Add(time.Duration(seq) * time.Second),
	}
}

// makeStrike builds a queued strike transaction against clawID.
func makeStrike(id, clawID string, seq int) *txn.Transaction {
	return &txn.Transaction{
		ID:        id,
		Type:      txn.TypeStrike,
		Payload:   &txn.StrikePayload{ClawID: clawID},
		Status:    txn.StatusQueued,
		CreatedAt: baseTime.Add(time.Duration(seq) * time.Second),
	}
}

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawapp/clawsync/internal/txn"
)

func TestCapture_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/claws/capture", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "buy batteries", body["content"])

		json.NewEncoder(w).Encode(map[string]any{
			"id":       "srv-1",
			"content":  "buy batteries",
			"title":    "Buy batteries",
			"category": "errand",
			"status":   "active",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("secret"))
	res, err := c.Capture(context.Background(), &txn.CapturePayload{Content: "buy batteries", ContentType: "text"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", res.ConfirmedID)
	assert.Equal(t, "Buy batteries", res.Fields["title"])
}

func TestCapture_MissingIDIsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"message": "ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("secret"))
	_, err := c.Capture(context.Background(), &txn.CapturePayload{Content: "x", ContentType: "text"})
	require.Error(t, err)
	assert.Equal(t, txn.FailureServer, txn.Classify(err))
}

func TestStrike_SendsCoordinates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/claws/claw-7/strike", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.InDelta(t, 64.1466, body["lat"], 1e-9)

		json.NewEncoder(w).Encode(map[string]any{
			"message": "STRIKE! Great job!",
			"claw_id": "claw-7",
			"streak":  3,
		})
	}))
	defer srv.Close()

	lat, lng := 64.1466, -21.9426
	c := New(srv.URL, StaticToken("secret"))
	res, err := c.Strike(context.Background(), &txn.StrikePayload{ClawID: "claw-7", Lat: &lat, Lng: &lng})
	require.NoError(t, err)
	assert.Empty(t, res.ConfirmedID, "mutations have no confirmed id")
	assert.Equal(t, float64(3), res.Fields["streak"], "reward metadata passes through")
}

func TestExtend_SendsDays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/claws/claw-7/extend", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(14), body["days"])

		json.NewEncoder(w).Encode(map[string]any{"message": "extended", "new_expiry": "2025-07-01T00:00:00Z"})
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("secret"))
	res, err := c.Extend(context.Background(), &txn.ExtendPayload{ClawID: "claw-7", Days: 14})
	require.NoError(t, err)
	assert.Equal(t, "2025-07-01T00:00:00Z", res.Fields["new_expiry"])
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   txn.FailureClass
	}{
		{"unauthorized", http.StatusUnauthorized, txn.FailureAuth},
		{"not found", http.StatusNotFound, txn.FailureValidation},
		{"conflict", http.StatusConflict, txn.FailureValidation},
		{"server error", http.StatusInternalServerError, txn.FailureServer},
		{"cold start", http.StatusServiceUnavailable, txn.FailureServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]any{"detail": "nope"})
			}))
			defer srv.Close()

			c := New(srv.URL, StaticToken("secret"))
			_, err := c.Release(context.Background(), &txn.ReleasePayload{ClawID: "claw-1"})
			require.Error(t, err)
			assert.Equal(t, tt.want, txn.Classify(err))
		})
	}
}

func TestTimeoutClassifiedAsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("secret"), WithRequestTimeout(20*time.Millisecond))
	_, err := c.Release(context.Background(), &txn.ReleasePayload{ClawID: "claw-1"})
	require.Error(t, err)
	assert.Equal(t, txn.FailureTimeout, txn.Classify(err))
	assert.True(t, txn.IsTransient(err))
}

func TestConnectionRefusedClassifiedAsNetwork(t *testing.T) {
	c := New("http://127.0.0.1:1", StaticToken("secret"), WithRequestTimeout(time.Second))
	_, err := c.Release(context.Background(), &txn.ReleasePayload{ClawID: "claw-1"})
	require.Error(t, err)
	assert.Equal(t, txn.FailureNetwork, txn.Classify(err))
}

func TestDispatch_RoutesByPayload(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{"id": "srv-1"})
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("secret"))
	ctx := context.Background()

	_, err := c.Dispatch(ctx, txn.Transaction{
		Type:    txn.TypeCapture,
		Payload: &txn.CapturePayload{Content: "x", ContentType: "text"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/claws/capture", path)

	_, err = c.Dispatch(ctx, txn.Transaction{
		Type:    txn.TypeRelease,
		Payload: &txn.ReleasePayload{ClawID: "claw-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/claws/claw-2/release", path)
}

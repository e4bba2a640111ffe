// Package api is the HTTP client for the remote claw service.
//
// It speaks the four mutation endpoints the engine dispatches to and
// classifies every failure into the txn.FailureClass taxonomy so the engine
// can choose between backoff, permanent failure, and queue suspension
// without inspecting HTTP details.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clawapp/clawsync/internal/txn"
)

// TokenSource supplies the bearer token attached to every request.
// Refreshing an expired credential is the caller's concern; the client only
// reports auth failures.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a fixed credential.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// DefaultRequestTimeout bounds a single dispatch attempt. Generous enough
// to let a cold-started backend warm up, bounded so an attempt never hangs.
const DefaultRequestTimeout = 20 * time.Second

// Client calls the claw service. Safe for concurrent use.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Used in tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRequestTimeout sets the per-attempt wall-clock budget.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a client for the service at baseURL (no trailing slash).
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		tokens:  tokens,
		http:    &http.Client{},
		timeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dispatch routes a transaction to the endpoint for its type. This is the
// adapter surface the engine invokes; the payload variant selects the wire
// shape.
func (c *Client) Dispatch(ctx context.Context, t txn.Transaction) (*txn.Result, error) {
	switch p := t.Payload.(type) {
	case *txn.CapturePayload:
		return c.Capture(ctx, p)
	case *txn.StrikePayload:
		return c.Strike(ctx, p)
	case *txn.ReleasePayload:
		return c.Release(ctx, p)
	case *txn.ExtendPayload:
		return c.Extend(ctx, p)
	default:
		return nil, txn.NewDispatchError(txn.FailureValidation,
			fmt.Sprintf("no adapter for transaction type %s", t.Type), nil)
	}
}

// Capture creates a claw. The response includes the server-assigned id and
// any AI enrichment already applied.
func (c *Client) Capture(ctx context.Context, p *txn.CapturePayload) (*txn.Result, error) {
	fields, err := c.post(ctx, "/api/v1/claws/capture", p)
	if err != nil {
		return nil, err
	}
	id, _ := fields["id"].(string)
	if id == "" {
		return nil, txn.NewDispatchError(txn.FailureServer,
			"capture response missing claw id", nil)
	}
	return &txn.Result{ConfirmedID: id, Fields: fields}, nil
}

// Strike completes a claw. Streak and reward metadata in the response pass
// through opaquely.
func (c *Client) Strike(ctx context.Context, p *txn.StrikePayload) (*txn.Result, error) {
	body := map[string]any{}
	if p.Lat != nil && p.Lng != nil {
		body["lat"] = *p.Lat
		body["lng"] = *p.Lng
	}
	fields, err := c.post(ctx, "/api/v1/claws/"+p.ClawID+"/strike", body)
	if err != nil {
		return nil, err
	}
	return &txn.Result{Fields: fields}, nil
}

// Release expires a claw early.
func (c *Client) Release(ctx context.Context, p *txn.ReleasePayload) (*txn.Result, error) {
	fields, err := c.post(ctx, "/api/v1/claws/"+p.ClawID+"/release", map[string]any{})
	if err != nil {
		return nil, err
	}
	return &txn.Result{Fields: fields}, nil
}

// Extend pushes a claw's expiry out by p.Days.
func (c *Client) Extend(ctx context.Context, p *txn.ExtendPayload) (*txn.Result, error) {
	fields, err := c.post(ctx, "/api/v1/claws/"+p.ClawID+"/extend", map[string]any{"days": p.Days})
	if err != nil {
		return nil, err
	}
	return &txn.Result{Fields: fields}, nil
}

// post sends a JSON POST and decodes the JSON object response, classifying
// every failure mode.
func (c *Client) post(ctx context.Context, path string, body any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, txn.NewDispatchError(txn.FailureValidation, "encode request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, txn.NewDispatchError(txn.FailureValidation, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, txn.NewDispatchError(txn.FailureAuth, "obtain token", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, txn.NewDispatchError(txn.FailureNetwork, "read response body", err)
	}

	fields := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, txn.NewDispatchError(txn.FailureServer, "decode response body", err)
		}
	}
	return fields, nil
}

// classifyTransport maps connection-level failures: deadline exceeded is a
// timeout, everything else is a network error. Both are transient.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return txn.NewDispatchError(txn.FailureTimeout, "request timed out", err)
	}
	return txn.NewDispatchError(txn.FailureNetwork, "request failed", err)
}

// classifyStatus maps non-2xx responses per the retry policy:
//
//	401        → auth (suspend queue)
//	other 4xx  → validation (permanent, never retried)
//	5xx        → server (transient, covers cold starts)
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return txn.NewDispatchError(txn.FailureAuth, "token rejected", nil)
	case resp.StatusCode >= 500:
		return txn.NewDispatchError(txn.FailureServer,
			fmt.Sprintf("server error %d", resp.StatusCode), nil)
	default:
		detail := readErrorDetail(resp.Body)
		return txn.NewDispatchError(txn.FailureValidation,
			fmt.Sprintf("rejected with %d: %s", resp.StatusCode, detail), nil)
	}
}

// readErrorDetail best-effort extracts the backend's {"detail": ...} field.
func readErrorDetail(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return string(data)
}

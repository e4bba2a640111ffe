// Package harness provides a conformance testing framework for the sync
// engine.
//
// Scenarios are YAML files that enqueue transactions against a real engine
// backed by an in-memory transaction log, with the server scripted one
// response per dispatch attempt. The harness records every lifecycle event
// in a trace, which tests assert on directly or compare against golden
// files.
//
// Determinism: ids come from a sequence generator instead of UUIDv7, trace
// ordering comes from a logical sequence clock, dispatch concurrency is
// forced to 1, and scenarios that need ordered terminal events enqueue
// while offline before flipping connectivity on. Retry backoff is
// milliseconds so exhaustion scenarios settle quickly.
package harness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clawapp/clawsync/internal/bus"
	"github.com/clawapp/clawsync/internal/connectivity"
	"github.com/clawapp/clawsync/internal/engine"
	"github.com/clawapp/clawsync/internal/store"
	"github.com/clawapp/clawsync/internal/testutil"
	"github.com/clawapp/clawsync/internal/txn"
)

// harnessBackoff keeps retry exhaustion fast. Three attempts, so a
// persistently failing scripted dispatch consumes exactly three responses.
var harnessBackoff = engine.Backoff{
	Base:        2 * time.Millisecond,
	Cap:         5 * time.Millisecond,
	MaxAttempts: 3,
}

const (
	settleDeadline = 5 * time.Second
	settlePoll     = 5 * time.Millisecond
	settleStable   = 30 // consecutive unchanged polls that count as settled
)

// Harness executes one scenario against a fresh engine.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	engine   *engine.Engine
	monitor  *connectivity.Static
	seq      *testutil.SeqClock

	mu       sync.Mutex
	trace    []TraceEvent
	enqueued []txn.Transaction
}

// Run executes a scenario and returns its result. Each scenario runs in a
// fresh in-memory database for isolation.
func Run(scenario *Scenario) (*Result, error) {
	if err := scenario.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory store: %w", err)
	}
	defer st.Close()

	monitor := connectivity.NewStatic(scenario.StartOnline)
	disp := newScriptedDispatcher(scenario.Responses)

	eng := engine.New(st, monitor, disp,
		engine.WithIDGenerator(testutil.NewSeqGenerator("id")),
		engine.WithConcurrency(1),
		engine.WithBackoff(harnessBackoff),
	)

	h := &Harness{
		scenario: scenario,
		store:    st,
		engine:   eng,
		monitor:  monitor,
		seq:      testutil.NewSeqClock(),
	}
	eng.On(bus.EventConfirmed, h.recordTerminal)
	eng.On(bus.EventFailed, h.recordTerminal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	return h.buildResult(ctx)
}

func (h *Harness) executeStep(ctx context.Context, step Step) error {
	switch {
	case step.Enqueue != "":
		return h.enqueue(ctx, step)
	case step.Online != nil:
		h.monitor.SetOnline(*step.Online)
		return nil
	case step.Settle:
		return h.settle(ctx)
	case step.Retry > 0:
		return h.engine.Retry(ctx, h.nthTransaction(step.Retry).ID)
	case step.Discard > 0:
		return h.engine.Discard(ctx, h.nthTransaction(step.Discard).ID)
	}
	return fmt.Errorf("empty step")
}

func (h *Harness) enqueue(ctx context.Context, step Step) error {
	op := txn.Type(strings.ToUpper(step.Enqueue))

	var payload txn.Payload
	switch op {
	case txn.TypeCapture:
		payload = &txn.CapturePayload{Content: step.Content}
	case txn.TypeStrike:
		payload = &txn.StrikePayload{ClawID: h.resolveTarget(step.Target)}
	case txn.TypeRelease:
		payload = &txn.ReleasePayload{ClawID: h.resolveTarget(step.Target)}
	case txn.TypeExtend:
		payload = &txn.ExtendPayload{ClawID: h.resolveTarget(step.Target), Days: step.Days}
	}

	t, err := h.engine.Enqueue(ctx, op, payload, nil)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", op, err)
	}

	h.mu.Lock()
	h.enqueued = append(h.enqueued, t)
	h.trace = append(h.trace, TraceEvent{
		Seq:    h.seq.Next(),
		Type:   TraceEnqueued,
		Txn:    t.ID,
		Op:     string(t.Type),
		Target: targetOf(t),
	})
	h.mu.Unlock()
	return nil
}

// resolveTarget maps "@N" references to the Nth enqueued transaction's
// optimistic id; anything else passes through as a literal claw id.
func (h *Harness) resolveTarget(target string) string {
	n, ok := parseRef(target)
	if !ok {
		return target
	}
	return h.nthTransaction(n).OptimisticID
}

func (h *Harness) nthTransaction(n int) txn.Transaction {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enqueued[n-1]
}

func (h *Harness) recordTerminal(env bus.Envelope) {
	event := TraceEvent{
		Type:     TraceConfirmed,
		Txn:      env.Transaction.ID,
		Op:       string(env.Transaction.Type),
		Target:   targetOf(env.Transaction),
		Attempts: env.Transaction.Attempts,
	}
	if env.Event == bus.EventFailed {
		event.Type = TraceFailed
		event.Error = env.Transaction.LastError
	} else {
		event.ConfirmedID = env.Transaction.ConfirmedID
	}

	h.mu.Lock()
	event.Seq = h.seq.Next()
	h.trace = append(h.trace, event)
	h.mu.Unlock()
}

// settle waits for the queue to stop changing: no in-flight dispatches and
// stable counters across consecutive polls. Works offline too, where
// queued transactions simply hold still.
func (h *Harness) settle(ctx context.Context) error {
	deadline := time.Now().Add(settleDeadline)
	var last engine.Status
	stable := 0

	for time.Now().Before(deadline) {
		status, err := h.engine.GetStatus(ctx)
		if err != nil {
			return err
		}
		if status.Syncing == 0 && status == last {
			stable++
			if stable >= settleStable {
				return nil
			}
		} else {
			stable = 0
		}
		last = status
		time.Sleep(settlePoll)
	}
	return fmt.Errorf("queue did not settle within %s", settleDeadline)
}

func (h *Harness) buildResult(ctx context.Context) (*Result, error) {
	status, err := h.engine.GetStatus(ctx)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	trace := make([]TraceEvent, len(h.trace))
	copy(trace, h.trace)
	h.mu.Unlock()

	result := &Result{
		Pass:    true,
		Trace:   trace,
		Pending: status.Pending,
		Syncing: status.Syncing,
		Failed:  status.Failed,
	}

	if e := h.scenario.Expect; e != nil {
		if status.Pending != e.Pending {
			result.AddError(fmt.Sprintf("pending: want %d, got %d", e.Pending, status.Pending))
		}
		if status.Syncing != e.Syncing {
			result.AddError(fmt.Sprintf("syncing: want %d, got %d", e.Syncing, status.Syncing))
		}
		if status.Failed != e.Failed {
			result.AddError(fmt.Sprintf("failed: want %d, got %d", e.Failed, status.Failed))
		}
	}
	return result, nil
}

// targetOf is the id a trace reader cares about: the optimistic id for
// captures, the payload target otherwise.
func targetOf(t txn.Transaction) string {
	if t.Type == txn.TypeCapture {
		return t.OptimisticID
	}
	return t.Payload.TargetID()
}

// scriptedDispatcher plays back scenario responses one per dispatch
// attempt. When the script is exhausted, attempts confirm with generated
// server ids.
type scriptedDispatcher struct {
	mu        sync.Mutex
	responses []Response
	idx       int
	autoID    int
}

func newScriptedDispatcher(responses []Response) *scriptedDispatcher {
	return &scriptedDispatcher{responses: responses}
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, t txn.Transaction) (*txn.Result, error) {
	d.mu.Lock()
	var resp Response
	if d.idx < len(d.responses) {
		resp = d.responses[d.idx]
		d.idx++
	}
	d.autoID++
	auto := fmt.Sprintf("srv-%d", d.autoID)
	d.mu.Unlock()

	if resp.Fail != "" {
		class := txn.FailureClass(strings.ToLower(resp.Fail))
		return nil, txn.NewDispatchError(class, fmt.Sprintf("scripted %s failure", class), nil)
	}

	result := &txn.Result{Fields: resp.Fields}
	if t.Type == txn.TypeCapture {
		result.ConfirmedID = resp.ConfirmID
		if result.ConfirmedID == "" {
			result.ConfirmedID = auto
		}
	}
	return result, nil
}

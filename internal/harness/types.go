package harness

// TraceEvent is one observed engine event: a transaction entering the
// queue or reaching a terminal state.
type TraceEvent struct {
	Seq         int64  `json:"seq"`
	Type        string `json:"type"` // "enqueued", "confirmed" or "failed"
	Txn         string `json:"txn"`
	Op          string `json:"op"`
	Target      string `json:"target,omitempty"`
	ConfirmedID string `json:"confirmed_id,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Trace event types.
const (
	TraceEnqueued  = "enqueued"
	TraceConfirmed = "confirmed"
	TraceFailed    = "failed"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates the expect clause matched (vacuously true without
	// one).
	Pass bool `json:"pass"`

	// Trace contains every observed event in sequence order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation mismatches. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Pending, Syncing and Failed are the final queue counters.
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}

// AddError records an expectation mismatch and marks the result failed.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

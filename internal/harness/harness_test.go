package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarios runs every YAML scenario in testdata/scenarios and compares
// its trace against the matching golden file.
func TestScenarios(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, scenario := range scenarios {
		t.Run(scenario.Name, func(t *testing.T) {
			RunWithGolden(t, scenario)
		})
	}
}

func TestRun_RetryAfterPermanentFailure(t *testing.T) {
	online := true
	scenario := &Scenario{
		Name: "retry-after-failure",
		Steps: []Step{
			{Enqueue: "STRIKE", Target: "claw-1"},
			{Online: &online},
			{Settle: true},
			{Retry: 1},
			{Settle: true},
		},
		Responses: []Response{
			{Fail: "validation"},
			{}, // retry succeeds
		},
		Expect: &Expect{Pending: 0, Syncing: 0, Failed: 0},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	// failed once, then confirmed after the explicit retry
	types := traceTypes(result)
	assert.Equal(t, []string{TraceEnqueued, TraceFailed, TraceConfirmed}, types)
}

func TestRun_DiscardRemovesFailed(t *testing.T) {
	online := true
	scenario := &Scenario{
		Name: "discard-failed",
		Steps: []Step{
			{Enqueue: "RELEASE", Target: "claw-1"},
			{Online: &online},
			{Settle: true},
			{Discard: 1},
		},
		Responses: []Response{{Fail: "validation"}},
		Expect:    &Expect{Pending: 0, Syncing: 0, Failed: 0},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_OfflineQueueHoldsSteady(t *testing.T) {
	scenario := &Scenario{
		Name: "offline-holds",
		Steps: []Step{
			{Enqueue: "CAPTURE", Content: "one"},
			{Enqueue: "CAPTURE", Content: "two"},
			{Settle: true},
		},
		Expect: &Expect{Pending: 2, Syncing: 0, Failed: 0},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Len(t, result.Trace, 2, "nothing dispatched while offline")
}

func TestRun_ExpectMismatchFailsResult(t *testing.T) {
	online := true
	scenario := &Scenario{
		Name: "wrong-expectation",
		Steps: []Step{
			{Enqueue: "STRIKE", Target: "claw-1"},
			{Online: &online},
			{Settle: true},
		},
		Expect: &Expect{Pending: 5},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.NotEmpty(t, result.Errors)
}

func TestRun_AuthFailureSuspendsWithoutBurningQueue(t *testing.T) {
	online := true
	scenario := &Scenario{
		Name: "auth-suspends",
		Steps: []Step{
			{Enqueue: "RELEASE", Target: "claw-1"},
			{Enqueue: "RELEASE", Target: "claw-2"},
			{Online: &online},
			{Settle: true},
		},
		Responses: []Response{{Fail: "auth"}},
		// The 401 suspends the queue: both transactions stay pending, none
		// fail.
		Expect: &Expect{Pending: 2, Syncing: 0, Failed: 0},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func traceTypes(r *Result) []string {
	types := make([]string, len(r.Trace))
	for i, ev := range r.Trace {
		types[i] = ev.Type
	}
	return types
}

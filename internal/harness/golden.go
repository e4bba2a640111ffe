package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RunWithGolden executes a scenario and compares its trace and final
// counters against a golden file stored in
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Golden files are the source of truth for expected engine behavior; a
// diff means either a regression or an intentional behavior change that
// must be reviewed.
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		t.Fatalf("scenario %s: %v", scenario.Name, err)
	}
	if !result.Pass {
		t.Fatalf("scenario %s expectations failed: %v", scenario.Name, result.Errors)
	}

	snapshot := struct {
		Scenario string       `json:"scenario"`
		Trace    []TraceEvent `json:"trace"`
		Pending  int          `json:"pending"`
		Syncing  int          `json:"syncing"`
		Failed   int          `json:"failed"`
	}{
		Scenario: scenario.Name,
		Trace:    result.Trace,
		Pending:  result.Pending,
		Syncing:  result.Syncing,
		Failed:   result.Failed,
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		t.Fatalf("marshal trace snapshot: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return result
}

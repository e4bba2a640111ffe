package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario for the sync engine.
// Scenarios enqueue transactions against a real engine backed by an
// in-memory log, with server responses scripted per dispatch, and assert
// on the resulting event trace and final queue counters.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// StartOnline sets the initial connectivity state. Defaults to offline;
	// most scenarios enqueue first and flip online to start dispatch.
	StartOnline bool `yaml:"start_online,omitempty"`

	// Steps is the ordered list of actions to execute.
	Steps []Step `yaml:"steps"`

	// Responses scripts the server, consumed one per dispatch attempt in
	// order. When the script runs out, dispatches confirm with generated
	// ids.
	Responses []Response `yaml:"responses,omitempty"`

	// Expect asserts on the final queue counters after the last step.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Step is a single scenario action. Exactly one field group applies.
type Step struct {
	// Enqueue submits a transaction: CAPTURE, STRIKE, RELEASE or EXTEND.
	Enqueue string `yaml:"enqueue,omitempty"`

	// Content is the capture content (CAPTURE only).
	Content string `yaml:"content,omitempty"`

	// Target is the claw id for mutations. "@N" references the optimistic
	// id of the Nth enqueued transaction (1-based), so scenarios can
	// strike captures whose ids are engine-assigned.
	Target string `yaml:"target,omitempty"`

	// Days is the extension length (EXTEND only).
	Days int `yaml:"days,omitempty"`

	// Online flips connectivity when set.
	Online *bool `yaml:"online,omitempty"`

	// Settle waits for the queue to stop changing before the next step.
	Settle bool `yaml:"settle,omitempty"`

	// Retry re-queues the Nth enqueued transaction (1-based), which must
	// have failed.
	Retry int `yaml:"retry,omitempty"`

	// Discard drops the Nth enqueued transaction (1-based).
	Discard int `yaml:"discard,omitempty"`
}

// Response scripts the outcome of one dispatch attempt.
type Response struct {
	// ConfirmID is the server-assigned id for a successful capture.
	ConfirmID string `yaml:"confirm_id,omitempty"`

	// Fields are extra server-returned attributes.
	Fields map[string]interface{} `yaml:"fields,omitempty"`

	// Fail makes the attempt fail with the given class: network, timeout,
	// server, auth, validation.
	Fail string `yaml:"fail,omitempty"`
}

// Expect asserts on final queue counters.
type Expect struct {
	Pending int `yaml:"pending"`
	Syncing int `yaml:"syncing"`
	Failed  int `yaml:"failed"`
}

// Load reads and validates a scenario from a YAML file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &s, nil
}

// LoadDir loads every *.yaml scenario in a directory, sorted by filename.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}

	scenarios := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		s, err := Load(path)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// Validate checks scenario well-formedness before execution.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario name must not be empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario has no steps")
	}

	enqueued := 0
	for i, step := range s.Steps {
		switch {
		case step.Enqueue != "":
			op := strings.ToUpper(step.Enqueue)
			switch op {
			case "CAPTURE", "STRIKE", "RELEASE", "EXTEND":
			default:
				return fmt.Errorf("step %d: unknown operation %q", i+1, step.Enqueue)
			}
			if op != "CAPTURE" && step.Target == "" {
				return fmt.Errorf("step %d: %s requires a target", i+1, op)
			}
			enqueued++
			if ref, ok := parseRef(step.Target); ok && ref > enqueued {
				return fmt.Errorf("step %d: target %q references a later transaction", i+1, step.Target)
			}
		case step.Online != nil, step.Settle:
		case step.Retry > 0:
			if step.Retry > enqueued {
				return fmt.Errorf("step %d: retry references transaction %d, only %d enqueued", i+1, step.Retry, enqueued)
			}
		case step.Discard > 0:
			if step.Discard > enqueued {
				return fmt.Errorf("step %d: discard references transaction %d, only %d enqueued", i+1, step.Discard, enqueued)
			}
		default:
			return fmt.Errorf("step %d: empty step", i+1)
		}
	}
	return nil
}

// parseRef resolves "@N" transaction references.
func parseRef(target string) (int, bool) {
	if !strings.HasPrefix(target, "@") {
		return 0, false
	}
	n, err := strconv.Atoi(target[1:])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/cdo/internal/trace"
)

// TraceSnapshot captures the outcome and trace of a scenario execution.
// Serialized as canonical JSON for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string
	Status       string
	ErrorCode    string
	Processed    uint32
	Trace        []trace.Event
}

// toCanonical converts a TraceSnapshot to a trace.Value for canonical JSON
// serialization. Seq is kept; slices and stream ids depend on chunking and
// are left out.
func (s *TraceSnapshot) toCanonical() trace.Value {
	events := make(trace.Array, len(s.Trace))
	for i, e := range s.Trace {
		obj := trace.Object{
			"seq":     trace.Int(e.Seq),
			"depth":   trace.Int(e.Depth),
			"offset":  trace.Int(e.Offset),
			"cmd_id":  trace.Int(e.CmdID),
			"len":     trace.Int(e.Len),
			"payload": trace.Words(e.Payload),
		}
		if e.Name != "" {
			obj["name"] = trace.String(e.Name)
		}
		if e.Failed() {
			obj["error"] = trace.String(e.Error)
		}
		events[i] = obj
	}

	out := trace.Object{
		"scenario_name": trace.String(s.ScenarioName),
		"status":        trace.String(s.Status),
		"processed":     trace.Int(s.Processed),
		"trace":         events,
	}
	if s.ErrorCode != "" {
		out["error_code"] = trace.String(s.ErrorCode)
	}
	return out
}

// SnapshotJSON renders a result as the canonical JSON kept in golden files.
func SnapshotJSON(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Status:       result.Status,
		ErrorCode:    result.ErrorCode,
		Processed:    result.Processed,
		Trace:        result.Trace,
	}
	return trace.MarshalCanonical(snapshot.toCanonical())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := SnapshotJSON(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}

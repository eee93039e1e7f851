package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cdo/internal/cdo"
)

// Scenario defines a conformance test scenario.
// A scenario runs one image through the interpreter under every listed
// chunking and asserts on the outcome, the dispatch trace and memory.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Source is a CUE file compiled into the image.
	// Relative paths are resolved against the scenario file.
	Source string `yaml:"source,omitempty"`

	// Words is the body of the image; the header is generated.
	Words []uint32 `yaml:"words,omitempty"`

	// Image is a complete image, header included, used verbatim.
	Image []uint32 `yaml:"image,omitempty"`

	// Chunks lists chunk sizes in words. Each size is a separate run and
	// every run must produce the same trace. Empty means one whole-image run.
	Chunks []int `yaml:"chunks,omitempty"`

	// Seeds adds one run per seed with random chunk boundaries.
	Seeds []uint64 `yaml:"seeds,omitempty"`

	// Recovery is "none" (default) or "lockdown".
	Recovery string `yaml:"recovery,omitempty"`

	// MaxDepth bounds stream nesting. Zero means the processor default.
	MaxDepth int `yaml:"max_depth,omitempty"`

	// Handlers registers stub commands outside the generic module.
	Handlers []HandlerStub `yaml:"handlers,omitempty"`

	// Memory holds words written before the run.
	Memory []MemoryWords `yaml:"memory,omitempty"`

	// Polls queues values returned by successive reads of an address.
	Polls []MemoryWords `yaml:"polls,omitempty"`

	// Faults lists address ranges whose access fails.
	Faults []Fault `yaml:"faults,omitempty"`

	// Expect validates the run's outcome.
	Expect Expect `yaml:"expect"`

	// Assertions validate the trace.
	// Supported types: trace_contains, trace_order, trace_count, processed
	Assertions []Assertion `yaml:"assertions,omitempty"`

	// SessionID is an optional fixed session id for deterministic output.
	// If empty, defaults to "test-session-default".
	SessionID string `yaml:"session_id,omitempty"`
}

// HandlerStub is a command answered without touching memory.
type HandlerStub struct {
	// ID is the full command id, module in the high byte.
	ID uint16 `yaml:"id"`

	// Name is reported in the trace.
	Name string `yaml:"name,omitempty"`

	// Result is "ok" (default), "fail" or "defer".
	Result string `yaml:"result,omitempty"`
}

// Stub results.
const (
	StubOK    = "ok"
	StubFail  = "fail"
	StubDefer = "defer"
)

// MemoryWords is a run of consecutive words starting at Addr.
type MemoryWords struct {
	Addr   uint64   `yaml:"addr"`
	Values []uint32 `yaml:"values"`
}

// Fault is an address range whose accesses fail.
type Fault struct {
	Addr uint64 `yaml:"addr"`
	Size uint64 `yaml:"size"`
}

// Expect specifies the expected outcome of every run.
type Expect struct {
	// Status is "done", "failed" or "need_data".
	Status string `yaml:"status"`

	// ErrorCode is the expected stream error code, e.g. HANDLER_FAILED.
	ErrorCode string `yaml:"error_code,omitempty"`

	// Processed is the expected processed length in words.
	Processed *uint32 `yaml:"processed,omitempty"`

	// Dispatches is the expected number of dispatched commands.
	Dispatches *int `yaml:"dispatches,omitempty"`

	// Memory lists words expected after the run.
	Memory []MemoryWords `yaml:"memory,omitempty"`

	// Console is the expected log_string output.
	Console *string `yaml:"console,omitempty"`
}

// Assertion validates the trace.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a command appears, optionally with this payload
	// - "trace_order": commands appear in order
	// - "trace_count": a command appears exactly N times
	// - "processed": the processed length equals Count
	Type string `yaml:"type"`

	// Command is a command name or numeric id (trace_contains, trace_count).
	Command string `yaml:"command,omitempty"`

	// Payload is the expected payload (trace_contains). Nil matches any.
	Payload []uint32 `yaml:"payload,omitempty"`

	// Failed requires the matched command to have failed (trace_contains).
	Failed bool `yaml:"failed,omitempty"`

	// Commands is the expected order (trace_order).
	Commands []string `yaml:"commands,omitempty"`

	// Count is the expected occurrences (trace_count) or words (processed).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertProcessed     = "processed"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.Source != "" && !filepath.IsAbs(scenario.Source) {
		scenario.Source = filepath.Join(filepath.Dir(path), scenario.Source)
		if _, err := os.Stat(scenario.Source); err != nil {
			return nil, fmt.Errorf("invalid scenario: source file not found: %s", scenario.Source)
		}
	}

	return scenario, nil
}

// ParseScenario parses scenario YAML. Source paths are left as written.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	sources := 0
	for _, set := range []bool{s.Source != "", len(s.Words) > 0, len(s.Image) > 0} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return fmt.Errorf("exactly one of source, words or image is required")
	}

	if s.Recovery != "" {
		if _, ok := cdo.ParseRecoveryMode(s.Recovery); !ok {
			return fmt.Errorf("unknown recovery mode %q", s.Recovery)
		}
	}

	if s.MaxDepth < 0 {
		return fmt.Errorf("max_depth must be non-negative")
	}

	for i, size := range s.Chunks {
		if size < 0 {
			return fmt.Errorf("chunks[%d]: size must be non-negative", i)
		}
	}

	for i, h := range s.Handlers {
		switch h.Result {
		case "", StubOK, StubFail, StubDefer:
		default:
			return fmt.Errorf("handlers[%d]: unknown result %q", i, h.Result)
		}
	}

	switch s.Expect.Status {
	case "done", "failed", "need_data":
	case "":
		return fmt.Errorf("expect.status is required")
	default:
		return fmt.Errorf("expect.status: unknown status %q", s.Expect.Status)
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if strings.TrimSpace(a.Command) == "" {
			return fmt.Errorf("assertions[%d]: command is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Commands) == 0 {
			return fmt.Errorf("assertions[%d]: commands list is required for trace_order", index)
		}
	case AssertTraceCount:
		if strings.TrimSpace(a.Command) == "" {
			return fmt.Errorf("assertions[%d]: command is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertProcessed:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for processed", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

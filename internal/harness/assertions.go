package harness

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/cdo/internal/trace"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string        // Assertion type for categorization
	Expected string        // Human-readable expected outcome
	Actual   string        // Human-readable actual outcome
	Trace    []trace.Event // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", event)
		}
	}

	return buf.String()
}

// matchCommand reports whether an event is the named command. ref is a
// registered name or a numeric id such as 0x0103.
func matchCommand(e trace.Event, ref string) bool {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseUint(ref, 0, 16); err == nil {
		return e.CmdID == uint16(id)
	}
	return e.Name == ref
}

// assertTraceContains checks if the trace contains the command, with the
// given payload when one is specified.
func assertTraceContains(events []trace.Event, assertion Assertion) error {
	for _, e := range events {
		if !matchCommand(e, assertion.Command) {
			continue
		}
		if assertion.Payload != nil && !slices.Equal(e.Payload, assertion.Payload) {
			continue
		}
		if assertion.Failed && !e.Failed() {
			continue
		}
		return nil
	}

	expected := "command " + assertion.Command
	if assertion.Payload != nil {
		expected += fmt.Sprintf(" with payload %#x", assertion.Payload)
	}
	if assertion.Failed {
		expected += " (failed)"
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    events,
	}
}

// assertTraceOrder checks if commands appear in the specified order.
// Commands don't need to be consecutive; each match must come after the
// previous one.
func assertTraceOrder(events []trace.Event, assertion Assertion) error {
	pos := 0
	for _, ref := range assertion.Commands {
		found := false
		for pos < len(events) {
			e := events[pos]
			pos++
			if matchCommand(e, ref) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("commands in order: %v", assertion.Commands),
				Actual:   fmt.Sprintf("%s not found after position %d", ref, pos),
				Trace:    events,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the command appears exactly the specified number of times.
func assertTraceCount(events []trace.Event, assertion Assertion) error {
	count := 0
	for _, e := range events {
		if matchCommand(e, assertion.Command) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Command),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    events,
		}
	}
	return nil
}

// assertProcessed checks the processed length.
func assertProcessed(result *Result, assertion Assertion) error {
	if result.Processed != uint32(assertion.Count) {
		return &AssertionError{
			Type:     AssertProcessed,
			Expected: fmt.Sprintf("%d words processed", assertion.Count),
			Actual:   fmt.Sprintf("%d words processed", result.Processed),
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertProcessed:
			err = assertProcessed(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

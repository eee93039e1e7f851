package harness

import (
	"github.com/roach88/cdo/internal/trace"
	"github.com/roach88/cdo/internal/xfer"
)

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every run matched expect, the assertions, and each other.
	Pass bool `json:"pass"`

	// Status, ErrorCode and Processed describe the first run.
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
	Processed uint32 `json:"processed"`

	// Runs is the number of chunkings executed.
	Runs int `json:"runs"`

	// Digest fingerprints the trace; identical for every run.
	Digest string `json:"digest"`

	// Trace holds the first run's events as read back from the store.
	Trace []trace.Event `json:"trace"`

	// Console is the log_string output of the first run.
	Console string `json:"console,omitempty"`

	// Memory is the written memory after the first run.
	Memory []xfer.Word `json:"memory,omitempty"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []trace.Event{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestRun_Scenarios(t *testing.T) {
	names := []string{
		"example",
		"write_block",
		"proc",
		"log_string",
		"mask_poll",
		"lockdown",
		"abort",
		"deferred",
		"bad_checksum",
		"truncated",
	}

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			result, err := Run(loadTestScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
		})
	}
}

func TestRunWithGolden(t *testing.T) {
	for _, name := range []string{"example", "write_block"} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadTestScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_RunsEveryChunking(t *testing.T) {
	result, err := Run(loadTestScenario(t, "write_block"))
	require.NoError(t, err)

	assert.Equal(t, 9, result.Runs)
	assert.Len(t, result.Digest, 64)
	assert.Equal(t, "done", result.Status)
}

func TestRun_ReportsExpectMismatch(t *testing.T) {
	s := loadTestScenario(t, "example")
	processed := uint32(4)
	s.Expect.Processed = &processed
	s.Expect.Status = "failed"

	result, err := Run(s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "expect.status")
	assert.Contains(t, result.Errors[1], "expect.processed")
}

func TestRun_ReportsAssertionFailure(t *testing.T) {
	s := loadTestScenario(t, "example")
	s.Assertions = []Assertion{{Type: AssertTraceCount, Command: "sample", Count: 2}}

	result, err := Run(s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "trace_count")
}

func TestRun_StoresTrace(t *testing.T) {
	result, err := Run(loadTestScenario(t, "lockdown"))
	require.NoError(t, err)

	require.Len(t, result.Trace, 3)
	assert.Equal(t, "explode", result.Trace[1].Name)
	assert.True(t, result.Trace[1].Failed())
	assert.Equal(t, []uint32{0x504, 2}, result.Trace[2].Payload)
}

func TestRun_WordsBuildHeader(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: inline
description: body words get a generated header
words: [0x00020103, 0x10, 0x7]
expect:
  status: done
  processed: 3
  memory:
    - {addr: 0x10, values: [7]}
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, 1, result.Runs)
}

func TestRun_StubModuleConflict(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: conflict
description: stubs may not claim the generic module
words: [0x00000103]
handlers:
  - {id: 0x0103}
expect:
  status: done
`))
	require.NoError(t, err)

	_, err = Run(s)
	assert.Error(t, err)
}

func TestRun_CompileError(t *testing.T) {
	s := &Scenario{
		Name:        "broken",
		Description: "missing source",
		Source:      filepath.Join(t.TempDir(), "missing.cue"),
		Expect:      Expect{Status: "done"},
	}

	_, err := Run(s)
	assert.Error(t, err)
}

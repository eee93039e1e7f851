package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"result": "success"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error(ErrCodeIntegrity, "BAD_CHECKSUM", map[string]int{"offset": 4}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E201", resp.Error.Code)
	assert.Equal(t, "BAD_CHECKSUM", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success("image ok"))
	require.NoError(t, formatter.Error("E005", "file not found: x.cdo", "hidden"))

	assert.Contains(t, buf.String(), "image ok")
	assert.Contains(t, buf.String(), "Error [E005]: file not found: x.cdo")
	assert.NotContains(t, buf.String(), "hidden", "details only shown when verbose")
}

func TestOutputFormatter_Emit(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "text", Writer: buf}
		require.NoError(t, f.Emit(nil, "", "", func(w io.Writer) { fmt.Fprint(w, "rendered") }))
		assert.Equal(t, "rendered", buf.String())
	})

	t.Run("json error", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: buf}
		require.NoError(t, f.Emit(map[string]int{"processed": 3}, ErrCodeHandler, "HANDLER_FAILED", nil))

		var resp CLIResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		assert.Equal(t, "error", resp.Status)
		assert.Equal(t, "E203", resp.Error.Code)
		assert.NotNil(t, resp.Data)
	})
}

func TestOutputFormatter_VerboseLogGoesToErrWriter(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: true}

	f.VerboseLog("fed %d chunk(s)", 3)
	assert.Empty(t, out.String())
	assert.Equal(t, "fed 3 chunk(s)\n", diag.String())

	f.Verbose = false
	f.VerboseLog("dropped")
	assert.NotContains(t, diag.String(), "dropped")
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	err := f.Fail(ExitCommandError, ErrCodeNotFound, "missing")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "E005")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitCommandError, "bad"))))

	inner := errors.New("disk full")
	err := WrapExitError(ExitFailure, "write", inner)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "write: disk full", err.Error())
}

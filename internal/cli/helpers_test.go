package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cdo/internal/cdo"
)

const bootSource = "testdata/boot.cue"

// execute runs cmd with args and returns stdout.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// decodeResponse decodes a JSON CLI response, unmarshalling data into v.
func decodeResponse(t *testing.T, out string, v any) CLIResponse {
	t.Helper()
	var raw struct {
		CLIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &raw), out)
	if v != nil {
		require.NoError(t, json.Unmarshal(raw.Data, v))
	}
	return raw.CLIResponse
}

// writeImage writes a header plus body to a temp .cdo file.
func writeImage(t *testing.T, body ...uint32) string {
	t.Helper()
	h := cdo.EncodeHeader(cdo.DefaultVersion, uint32(len(body)))
	return writeRawImage(t, append(h[:], body...)...)
}

// writeRawImage writes raw image words to a temp .cdo file.
func writeRawImage(t *testing.T, words ...uint32) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.cdo")
	require.NoError(t, os.WriteFile(path, cdo.EncodeWords(words), 0o644))
	return path
}

func textOpts() *RootOptions { return &RootOptions{Format: "text"} }
func jsonOpts() *RootOptions { return &RootOptions{Format: "json"} }

package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cdo/internal/cdo"
)

func TestInspect_Text(t *testing.T) {
	out, err := execute(t, NewInspectCommand(textOpts()), bootSource)
	require.NoError(t, err)

	assert.Contains(t, out, "Length:   17 word(s)")
	assert.Contains(t, out, "@0     0x0103 write")
	assert.Contains(t, out, `log_string   len=1 746f6f62 "boot"`)
	assert.Contains(t, out, "@15    0x0117 end")
	assert.Contains(t, out, "6 command(s), END at word 16")
}

func TestInspect_LongFormAndTruncatedPayload(t *testing.T) {
	payload := make([]uint32, 12)
	body := append([]uint32{cdo.CommandWord(0x0113, cdo.LongFormSentinel), 12}, payload...)
	path := writeImage(t, body...)

	out, err := execute(t, NewInspectCommand(textOpts()), path, "--max-payload", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "len=12 long 00000000 00000000 ...")
}

func TestInspect_JSON(t *testing.T) {
	out, err := execute(t, NewInspectCommand(jsonOpts()), bootSource)
	require.NoError(t, err)

	var res InspectResult
	decodeResponse(t, out, &res)
	require.Len(t, res.Commands, 6)
	assert.Equal(t, "begin", res.Commands[2].Name)
	assert.Equal(t, uint32(5), res.Commands[2].Offset)
	assert.Equal(t, "boot", res.Commands[1].Text)
	assert.True(t, res.Ended)
	assert.Equal(t, uint32(16), res.Processed)
}

func TestInspect_BadChecksum(t *testing.T) {
	h := cdo.EncodeHeader(cdo.DefaultVersion, 1)
	h[4]++
	path := writeRawImage(t, append(h[:], cdo.EndMarker)...)

	out, err := execute(t, NewInspectCommand(jsonOpts()), path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse(t, out, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeIntegrity, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "checksum")
}

package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cdo/internal/cdo"
	"github.com/roach88/cdo/internal/store"
	"github.com/roach88/cdo/internal/trace"
	"github.com/roach88/cdo/internal/xfer"
)

func runCommand(format string, ids ...string) *RunOptions {
	return &RunOptions{
		RootOptions: &RootOptions{Format: format},
		Sessions:    trace.NewFixedGenerator(ids...),
	}
}

func TestRun_StoresSession(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cdo.db")
	opts := runCommand("json", "session-1")

	out, err := execute(t, newRunCommand(opts), bootSource, "--chunk", "2", "--db", db)
	require.NoError(t, err, out)

	var res RunResult
	resp := decodeResponse(t, out, &res)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "session-1", res.Session)
	assert.Equal(t, "done", res.Status)
	assert.Equal(t, uint32(16), res.Processed)
	assert.Equal(t, uint32(17), res.Declared)
	assert.Equal(t, 6, res.Dispatches)
	assert.Equal(t, "boot\n", res.Console)
	assert.Equal(t, []xfer.Word{{Addr: 0x100, Value: 0x51}, {Addr: 0x104, Value: 0x22}}, res.Memory)

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()

	sess, err := st.GetSession(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, sess.Status)
	assert.Equal(t, 2, sess.ChunkWords)
	assert.Equal(t, "none", sess.Recovery)
	assert.Equal(t, res.Digest, sess.Digest)
	assert.Equal(t, int64(1), sess.Seq)

	events, err := st.ReadDispatches(context.Background(), "session-1")
	require.NoError(t, err)
	require.Len(t, events, 6)
	assert.Equal(t, "log_string", events[1].Name)
}

func TestRun_SessionSeqIncrements(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cdo.db")
	opts := runCommand("json", "a", "b")

	for range 2 {
		_, err := execute(t, newRunCommand(opts), bootSource, "--db", db)
		require.NoError(t, err)
	}

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()
	b, err := st.GetSession(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Seq)
}

func TestRun_DigestIndependentOfChunking(t *testing.T) {
	digests := map[string]bool{}
	for _, chunk := range []string{"0", "1", "3", "5"} {
		out, err := execute(t, newRunCommand(runCommand("json")), bootSource, "--no-store", "--chunk", chunk)
		require.NoError(t, err)

		var res RunResult
		decodeResponse(t, out, &res)
		assert.Empty(t, res.Session)
		digests[res.Digest] = true
	}
	assert.Len(t, digests, 1)
}

func TestRun_TextWithTrace(t *testing.T) {
	out, err := execute(t, newRunCommand(runCommand("text")), bootSource, "--no-store", "--trace")
	require.NoError(t, err)

	assert.Contains(t, out, "mask_write")
	assert.Contains(t, out, "boot\n")
	assert.Contains(t, out, "✓ testdata/boot.cue: done, 16 of 17 word(s), 6 dispatch(es) in 1 chunk(s)")
	assert.Contains(t, out, "0x00000100 = 0x00000051")
}

func TestRun_HandlerFailure(t *testing.T) {
	// mask_poll that never matches
	path := writeImage(t, cdo.CommandWord(0x0101, 4), 0x100, 1, 1, 1, cdo.EndMarker)

	out, err := execute(t, newRunCommand(runCommand("json")), path, "--no-store")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var res RunResult
	resp := decodeResponse(t, out, &res)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeHandler, resp.Error.Code)
	assert.Equal(t, "failed", res.Status)
	assert.Equal(t, string(cdo.ErrCodeHandlerFailed), res.ErrorCode)
}

func TestRun_LockdownContinues(t *testing.T) {
	path := writeImage(t,
		cdo.CommandWord(0x0101, 4), 0x100, 1, 1, 1,
		cdo.CommandWord(0x0103, 2), 0x200, 5,
		cdo.EndMarker,
	)

	out, err := execute(t, newRunCommand(runCommand("json")), path, "--no-store", "--recovery", "lockdown")
	require.Error(t, err, "recorded failures still fail the command")

	var res RunResult
	resp := decodeResponse(t, out, &res)
	assert.Equal(t, ErrCodeHandler, resp.Error.Code)
	assert.Equal(t, "done", res.Status)
	assert.Empty(t, res.ErrorCode)
	assert.Equal(t, 1, res.Failures)
	assert.Contains(t, res.Memory, xfer.Word{Addr: 0x200, Value: 5}, "write after the failure ran")
}

func TestRun_InputEndsEarly(t *testing.T) {
	h := cdo.EncodeHeader(cdo.DefaultVersion, 6)
	path := writeRawImage(t, append(h[:], cdo.CommandWord(0x0103, 2), 0x100, 1)...)

	out, err := execute(t, newRunCommand(runCommand("json")), path, "--no-store", "--chunk", "2")
	require.Error(t, err)

	var res RunResult
	resp := decodeResponse(t, out, &res)
	assert.Equal(t, ErrCodeNeedData, resp.Error.Code)
	assert.Equal(t, "need_data", res.Status)
	assert.Equal(t, uint32(3), res.Processed)
}

func TestRun_UnknownRecovery(t *testing.T) {
	_, err := execute(t, newRunCommand(runCommand("text")), bootSource, "--no-store", "--recovery", "panic")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSplitImage(t *testing.T) {
	data := make([]byte, 40)
	assert.Len(t, splitImage(data, 0), 1)
	assert.Len(t, splitImage(data, 3), 4)
	assert.Len(t, splitImage(data, 3)[3], 4)
	assert.Len(t, splitImage(data, 10), 1)
	assert.Len(t, splitImage(data, 20), 1)
}

package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cdo/internal/trace"
)

// recordBoot runs testdata/boot.cue into a fresh database.
func recordBoot(t *testing.T, ids ...string) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "cdo.db")
	for _, id := range ids {
		_, err := execute(t, newRunCommand(&RunOptions{
			RootOptions: textOpts(),
			Sessions:    trace.NewFixedGenerator(id),
		}), bootSource, "--db", db, "--chunk", "3")
		require.NoError(t, err)
	}
	return db
}

func TestTrace_ListSessions(t *testing.T) {
	db := recordBoot(t, "s1", "s2")

	out, err := execute(t, NewTraceCommand(textOpts()), "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "   1  s1  done")
	assert.Contains(t, out, "   2  s2  done")
}

func TestTrace_ListSessionsJSON(t *testing.T) {
	db := recordBoot(t, "s1", "s2", "s3")

	out, err := execute(t, NewTraceCommand(jsonOpts()), "--db", db, "--limit", "2")
	require.NoError(t, err)

	var sessions []struct {
		ID string `json:"id"`
	}
	decodeResponse(t, out, &sessions)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s2", sessions[0].ID)
	assert.Equal(t, "s3", sessions[1].ID)
}

func TestTrace_ShowSession(t *testing.T) {
	db := recordBoot(t, "s1")

	out, err := execute(t, NewTraceCommand(textOpts()), "--db", db, "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "Session:  s1")
	assert.Contains(t, out, "Status:   done, 16 of 17 word(s)")
	assert.Contains(t, out, "6 dispatch(es)")
	assert.Contains(t, out, "✓ digest")
}

func TestTrace_FilterByCommand(t *testing.T) {
	db := recordBoot(t, "s1")

	for _, ref := range []string{"write", "0x0103", "259"} {
		out, err := execute(t, NewTraceCommand(jsonOpts()), "--db", db, "s1", "--cmd", ref)
		require.NoError(t, err)

		var res SessionTrace
		decodeResponse(t, out, &res)
		assert.Len(t, res.Dispatches, 2, ref)
		assert.Len(t, res.Commands, 5, "histogram covers the whole session")
		assert.True(t, res.DigestValid)
	}
}

func TestTrace_ExportCBOR(t *testing.T) {
	db := recordBoot(t, "s1")
	export := filepath.Join(t.TempDir(), "s1.cbor")

	_, err := execute(t, NewTraceCommand(textOpts()), "--db", db, "s1", "--export", export)
	require.NoError(t, err)

	data, err := os.ReadFile(export)
	require.NoError(t, err)
	doc, err := trace.UnmarshalCBOR(data)
	require.NoError(t, err)
	assert.Equal(t, "s1", doc.Session)
	assert.Len(t, doc.Events, 6)

	digest, err := trace.Digest(doc.Events)
	require.NoError(t, err)
	assert.Equal(t, doc.Digest, digest)
}

func TestTrace_Errors(t *testing.T) {
	db := recordBoot(t, "s1")

	_, err := execute(t, NewTraceCommand(textOpts()), "--db", db, "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := execute(t, NewTraceCommand(textOpts()), "--db", filepath.Join(t.TempDir(), "none.db"))
	require.Error(t, err)
	assert.Contains(t, out, "database not found")
}

package trace

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cdo/internal/cdo"
)

type table map[uint16]cdo.Handler

func (t table) Lookup(m, a uint8) (cdo.Handler, bool) {
	h, ok := t[uint16(m)<<8|uint16(a)]
	return h, ok
}

type nop struct{}

func (nop) Execute(context.Context, *cdo.Command) error { return nil }

type failing struct{}

func (failing) Execute(context.Context, *cdo.Command) error { return errors.New("boom") }

func testImage() []uint32 {
	payload := make([]uint32, 40)
	for i := range payload {
		payload[i] = uint32(i * 3)
	}
	body := []uint32{cdo.CommandWord(0x0101, 2), 7, 8}
	body = append(body, cdo.CommandWord(0x0102, cdo.LongFormSentinel), uint32(len(payload)))
	body = append(body, payload...)
	body = append(body, cdo.CommandWord(0x0101, 0))
	h := cdo.EncodeHeader(cdo.DefaultVersion, uint32(len(body)))
	return append(h[:], body...)
}

func record(t *testing.T, words []uint32, size int) *Recorder {
	t.Helper()
	rec := NewRecorder(WithNames(func(id uint16) string {
		if id == 0x0102 {
			return "bulk"
		}
		return ""
	}))
	p := cdo.NewProcessor(table{0x0101: nop{}, 0x0102: nop{}},
		cdo.WithObserver(rec), cdo.WithLogger(slog.New(slog.DiscardHandler)))
	s := p.NewStream()
	for i := 0; i < len(words); i += size {
		_, err := s.Process(context.Background(), cdo.EncodeWords(words[i:min(i+size, len(words))]))
		require.NoError(t, err)
	}
	require.True(t, s.Done())
	return rec
}

func TestRecorder_MergesResumes(t *testing.T) {
	rec := record(t, testImage(), 4)
	events := rec.Events()

	require.Len(t, events, 3)
	assert.Equal(t, []uint32{7, 8}, events[0].Payload)
	assert.Equal(t, "bulk", events[1].Name)
	assert.Len(t, events[1].Payload, 40)
	assert.Greater(t, events[1].Slices, 1)
	assert.Equal(t, []int64{1, 2, 3}, []int64{events[0].Seq, events[1].Seq, events[2].Seq})
	assert.Equal(t, uint32(3), events[1].Offset)
}

func TestDigest_ChunkingInvariant(t *testing.T) {
	words := testImage()
	want, err := record(t, words, len(words)).Digest()
	require.NoError(t, err)
	assert.Len(t, want, 64)

	for size := 1; size < len(words); size++ {
		got, err := record(t, words, size).Digest()
		require.NoError(t, err)
		assert.Equal(t, want, got, "size=%d", size)
	}
}

// nester runs a nested image once its payload is complete.
type nester struct {
	p     *cdo.Processor
	image []byte
}

func (n *nester) Execute(ctx context.Context, cmd *cdo.Command) error {
	if !cmd.Final() {
		return nil
	}
	return n.p.Run(ctx, n.image)
}

func (n *nester) Resume(ctx context.Context, cmd *cdo.Command) error {
	return n.Execute(ctx, cmd)
}

func TestRecorder_NestedStreamsInCompletionOrder(t *testing.T) {
	inner := cdo.EncodeHeader(cdo.DefaultVersion, 2)
	innerWords := append(inner[:], cdo.CommandWord(0x0101, 1), 42)

	outerBody := []uint32{cdo.CommandWord(0x0103, 3), 1, 2, 3, cdo.CommandWord(0x0101, 0)}
	outer := cdo.EncodeHeader(cdo.DefaultVersion, uint32(len(outerBody)))
	words := append(outer[:], outerBody...)

	var want string
	for _, size := range []int{len(words), 1, 2, 6, 7} {
		rec := NewRecorder()
		n := &nester{image: cdo.EncodeWords(innerWords)}
		n.p = cdo.NewProcessor(table{0x0101: nop{}, 0x0103: n},
			cdo.WithObserver(rec), cdo.WithLogger(slog.New(slog.DiscardHandler)))
		s := n.p.NewStream()
		for i := 0; i < len(words); i += size {
			_, err := s.Process(context.Background(), cdo.EncodeWords(words[i:min(i+size, len(words))]))
			require.NoError(t, err, "size=%d", size)
		}

		events := rec.Events()
		require.Len(t, events, 3, "size=%d", size)
		assert.Equal(t, 2, events[0].Depth, "nested command first, size=%d", size)
		assert.Equal(t, uint16(0x0103), events[1].CmdID, "size=%d", size)
		assert.Equal(t, []uint32{1, 2, 3}, events[1].Payload, "size=%d", size)

		got, err := rec.Digest()
		require.NoError(t, err)
		if want == "" {
			want = got
		}
		assert.Equal(t, want, got, "size=%d", size)
	}
}

func TestDigest_DetectsPayloadChange(t *testing.T) {
	words := testImage()
	a, err := record(t, words, 8).Digest()
	require.NoError(t, err)

	words[7]++
	b, err := record(t, words, 8).Digest()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRecorder_RecordsFailures(t *testing.T) {
	rec := NewRecorder()
	p := cdo.NewProcessor(table{0x0101: failing{}, 0x0102: nop{}},
		cdo.WithObserver(rec),
		cdo.WithRecoveryMode(cdo.RecoveryLockdown),
		cdo.WithLogger(slog.New(slog.DiscardHandler)))

	require.NoError(t, p.Run(context.Background(), cdo.EncodeWords(testImage())))
	events := rec.Events()
	require.Len(t, events, 3)
	assert.True(t, events[0].Failed())
	assert.Equal(t, "boom", events[0].Error)
	assert.False(t, events[1].Failed())
	assert.Contains(t, events[0].String(), "error=boom")

	rec.Reset()
	assert.Empty(t, rec.Events())
}

func TestEventID_Stable(t *testing.T) {
	e := Event{Seq: 1, Depth: 1, Offset: 4, CmdID: 0x0103, Len: 2, Payload: []uint32{1, 2}}
	a, err := EventID(e)
	require.NoError(t, err)

	e.Seq, e.Slices = 99, 3
	b, err := EventID(e)
	require.NoError(t, err)
	assert.Equal(t, a, b, "sequence and slicing are not part of the identity")
	assert.NotEqual(t, hashWithDomain(DomainEvent, nil), hashWithDomain(DomainTrace, nil))
}

func TestCBOR_RoundTrip(t *testing.T) {
	events := record(t, testImage(), 5).Events()
	doc, err := NewDocument("session-1", events)
	require.NoError(t, err)

	data, err := MarshalCBOR(doc)
	require.NoError(t, err)
	again, err := MarshalCBOR(doc)
	require.NoError(t, err)
	assert.Equal(t, data, again, "canonical encoding is deterministic")

	got, err := UnmarshalCBOR(data)
	require.NoError(t, err)
	assert.Equal(t, doc.Digest, got.Digest)
	require.Len(t, got.Events, len(doc.Events))
	assert.Equal(t, doc.Events[1].Payload, got.Events[1].Payload)
	redigest, err := Digest(got.Events)
	require.NoError(t, err)
	assert.Equal(t, doc.Digest, redigest)

	doc.Version = 9
	data, err = MarshalCBOR(doc)
	require.NoError(t, err)
	_, err = UnmarshalCBOR(data)
	assert.Error(t, err)
}

func TestClockAndGenerators(t *testing.T) {
	c := NewClockAt(10)
	assert.Equal(t, int64(11), c.Next())
	assert.Equal(t, int64(11), c.Current())

	g := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() })

	id, err := uuid.Parse(UUIDv7Generator{}.Generate())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

package cdo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// handlerTable maps full command ids to handlers.
type handlerTable map[uint16]Handler

func (t handlerTable) Lookup(moduleID, apiID uint8) (Handler, bool) {
	h, ok := t[uint16(moduleID)<<8|uint16(apiID)]
	return h, ok
}

// execFunc is a handler without Resume; resumed slices go through Execute.
type execFunc func(ctx context.Context, cmd *Command) error

func (f execFunc) Execute(ctx context.Context, cmd *Command) error { return f(ctx, cmd) }

// resumable records Execute and Resume separately.
type resumable struct {
	executes int
	resumes  int
	payload  []uint32
}

func (r *resumable) Execute(_ context.Context, cmd *Command) error {
	r.executes++
	r.payload = append(r.payload, cmd.Payload...)
	return nil
}

func (r *resumable) Resume(_ context.Context, cmd *Command) error {
	r.resumes++
	r.payload = append(r.payload, cmd.Payload...)
	return nil
}

var nopHandler = execFunc(func(context.Context, *Command) error { return nil })

// dispatchLog is an Observer that keeps every dispatch.
type dispatchLog struct {
	calls []Dispatch
}

func (l *dispatchLog) Dispatched(d Dispatch) {
	l.calls = append(l.calls, d)
}

// delivered is one command with all its payload slices joined.
type delivered struct {
	Stream  uint64
	Offset  uint32
	CmdID   uint16
	Payload []uint32
}

// merged joins resume slices so traces compare independent of chunking.
func (l *dispatchLog) merged() []delivered {
	var out []delivered
	open := map[uint64]int{}
	for _, d := range l.calls {
		if idx, ok := open[d.Stream]; ok && d.Resume && out[idx].Offset == d.Offset {
			out[idx].Payload = append(out[idx].Payload, d.Payload...)
			continue
		}
		out = append(out, delivered{
			Stream:  d.Stream,
			Offset:  d.Offset,
			CmdID:   d.CmdID,
			Payload: append([]uint32{}, d.Payload...),
		})
		open[d.Stream] = len(out) - 1
	}
	return out
}

func (l *dispatchLog) ids() []uint16 {
	var ids []uint16
	for _, d := range l.merged() {
		ids = append(ids, d.CmdID)
	}
	return ids
}

// image builds a valid header followed by body.
func image(body ...uint32) []uint32 {
	return imageLen(uint32(len(body)), body...)
}

// imageLen builds a valid header declaring length, followed by body.
func imageLen(length uint32, body ...uint32) []uint32 {
	h := EncodeHeader(DefaultVersion, length)
	return append(h[:], body...)
}

func shortCmd(id uint16, payload ...uint32) []uint32 {
	return append([]uint32{CommandWord(id, uint32(len(payload)))}, payload...)
}

func longCmd(id uint16, payload ...uint32) []uint32 {
	return append([]uint32{CommandWord(id, LongFormSentinel), uint32(len(payload))}, payload...)
}

func concat(parts ...[]uint32) []uint32 {
	var out []uint32
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func seq(n int, base uint32) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = base + uint32(i)
	}
	return out
}

// feed splits words into chunks of the given sizes (the last size repeats)
// and processes them until the stream finishes or fails.
func feed(t *testing.T, s *Stream, words []uint32, sizes ...int) (Status, error) {
	t.Helper()
	require.NotEmpty(t, sizes)
	ctx := context.Background()
	status := StatusNeedData
	var err error
	for i, k := 0, 0; i < len(words); k++ {
		size := sizes[min(k, len(sizes)-1)]
		end := min(i+size, len(words))
		status, err = s.Process(ctx, EncodeWords(words[i:end]))
		if err != nil || status == StatusDone {
			return status, err
		}
		i = end
	}
	return status, err
}

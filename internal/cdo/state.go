package cdo

// execState is the stream's dispatch state. The concrete types are the only
// implementations, so a stream is always in exactly one of them.
type execState interface {
	isExecState()
}

// stateStart: the next word starts a new command.
type stateStart struct{}

// stateResuming: the active command still has payload to deliver.
type stateResuming struct {
	remaining uint32
	delivered uint32
}

// stateSkipping: words are discarded until the stream reaches target.
type stateSkipping struct {
	target uint32
}

func (stateStart) isExecState()    {}
func (stateResuming) isExecState() {}
func (stateSkipping) isExecState() {}

// spillCapacity covers the larger of the CDO header and a command header.
const spillCapacity = HeaderWords

// spillBuffer holds header words split across a chunk boundary.
type spillBuffer struct {
	words [spillCapacity]uint32
	n     int
}

// pending returns the number of buffered words.
func (b *spillBuffer) pending() int {
	return b.n
}

// first returns the first buffered word. Only valid when pending() > 0.
func (b *spillBuffer) first() uint32 {
	return b.words[0]
}

// store buffers a trailing header fragment.
func (b *spillBuffer) store(words []uint32) bool {
	if b.n+len(words) > spillCapacity {
		return false
	}
	b.n += copy(b.words[b.n:], words)
	return true
}

// fill tops the buffer up to need words from src.
//
// Returns the assembled header and true once need words are buffered; the
// buffer is then empty again. consumed is the number of words taken from src.
func (b *spillBuffer) fill(src []uint32, need int) (hdr []uint32, consumed int, ok bool) {
	if need > spillCapacity {
		return nil, 0, false
	}
	if b.n < need {
		consumed = copy(b.words[b.n:need], src)
		b.n += consumed
	}
	if b.n < need {
		return nil, consumed, false
	}
	hdr = make([]uint32, need)
	copy(hdr, b.words[:need])
	b.n = 0
	return hdr, consumed, true
}

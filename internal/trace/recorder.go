package trace

import (
	"fmt"
	"sync"

	"github.com/roach88/cdo/internal/cdo"
)

// Event is one command occurrence as seen by the handler, with every resume
// slice joined.
type Event struct {
	Seq     int64    `json:"seq" cbor:"seq"`
	Stream  uint64   `json:"stream" cbor:"stream"`
	Depth   int      `json:"depth" cbor:"depth"`
	Offset  uint32   `json:"offset" cbor:"offset"`
	CmdID   uint16   `json:"cmd_id" cbor:"cmd_id"`
	Name    string   `json:"name,omitempty" cbor:"name,omitempty"`
	Len     uint32   `json:"len" cbor:"len"`
	Payload []uint32 `json:"payload" cbor:"payload"`
	Slices  int      `json:"slices" cbor:"slices"`
	Error   string   `json:"error,omitempty" cbor:"error,omitempty"`
}

// Failed reports whether the handler returned an error.
func (e Event) Failed() bool {
	return e.Error != ""
}

// identity is the chunking-independent part of an event. A failed
// command's delivered payload depends on where the failing slice ended, so
// only the failure itself is kept.
func (e Event) identity() Object {
	obj := Object{
		"depth":  Int(e.Depth),
		"offset": Int(e.Offset),
		"cmd_id": Int(e.CmdID),
		"len":    Int(e.Len),
	}
	if e.Failed() {
		obj["failed"] = Bool(true)
	} else {
		obj["payload"] = Words(e.Payload)
	}
	return obj
}

// String renders the event on one line.
func (e Event) String() string {
	name := e.Name
	if name == "" {
		name = "-"
	}
	s := fmt.Sprintf("%04d d%d @%-5d %#06x %-12s len=%d", e.Seq, e.Depth, e.Offset, e.CmdID, name, e.Len)
	if e.Failed() {
		s += " error=" + e.Error
	}
	return s
}

// Recorder is a cdo.Observer that collects events.
//
// Resume dispatches of a command are joined into one event, which is
// recorded when the command's last payload slice is handled or a slice
// fails. The recorded order is therefore completion order: commands of a
// nested stream come before the command that ran it, whatever the
// chunking. Commands still waiting for payload are not in Events. Safe
// for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	clock   *Clock
	names   func(uint16) string
	events  []Event
	pending map[uint64]*Event
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock sets the clock stamping events. Default: a new Clock.
func WithClock(c *Clock) RecorderOption {
	return func(r *Recorder) {
		r.clock = c
	}
}

// WithNames resolves command ids to names, e.g. module.Registry.Name.
func WithNames(fn func(uint16) string) RecorderOption {
	return func(r *Recorder) {
		r.names = fn
	}
}

// NewRecorder creates an empty recorder.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{pending: make(map[uint64]*Event)}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = NewClock()
	}
	return r
}

// Dispatched implements cdo.Observer.
func (r *Recorder) Dispatched(d cdo.Dispatch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.pending[d.Stream]
	if ok && d.Resume && e.Offset == d.Offset {
		e.Payload = append(e.Payload, d.Payload...)
		e.Slices++
	} else {
		e = &Event{
			Stream:  d.Stream,
			Depth:   d.Depth,
			Offset:  d.Offset,
			CmdID:   d.CmdID,
			Len:     d.Len,
			Payload: append([]uint32{}, d.Payload...),
			Slices:  1,
		}
		if r.names != nil {
			e.Name = r.names(d.CmdID)
		}
	}
	if d.Err != nil && e.Error == "" {
		e.Error = d.Err.Error()
	}

	if d.Err == nil && d.ProcessedLen+uint32(len(d.Payload)) < d.Len {
		r.pending[d.Stream] = e
		return
	}
	delete(r.pending, d.Stream)
	e.Seq = r.clock.Next()
	r.events = append(r.events, *e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Digest fingerprints the recorded events.
func (r *Recorder) Digest() (string, error) {
	return Digest(r.Events())
}

// Reset discards recorded events. The clock keeps counting.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.pending = make(map[uint64]*Event)
}

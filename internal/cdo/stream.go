package cdo

import (
	"context"
	"fmt"
	"log/slog"
)

// Status is the outcome of one Process call.
type Status int

const (
	// StatusNeedData means the chunk was consumed and the stream expects more.
	StatusNeedData Status = iota + 1

	// StatusDone means the stream reached END or its declared length.
	StatusDone

	// StatusFailed means the stream aborted; the error is returned alongside.
	StatusFailed
)

// String returns a lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusNeedData:
		return "need_data"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Failure records a handler error that did not abort the stream.
type Failure struct {
	Offset uint32
	CmdID  uint16
	Err    error
}

// Stream is one CDO processing session.
//
// The stream is fed chunk by chunk through Process; chunk boundaries need not
// align with command boundaries. Between calls the stream keeps the processed
// length, any split header words, and the dispatch state of the active
// command, so feeding a CDO in any chunking dispatches the same commands with
// the same payload as feeding it whole.
//
// A Stream is owned by a single call sequence and is not safe for concurrent
// use.
type Stream struct {
	proc      *Processor
	id        uint64
	logger    *slog.Logger
	observers []Observer
	recovery  RecoveryMode
	subsystem uint32
	partition uint32

	headerDone bool
	header     Header
	processed  uint32
	state      execState
	spill      spillBuffer
	blocks     BlockStack
	depth      int

	// active command while resuming
	cmd     *Command
	handler Handler

	done     bool
	ended    bool // END marker seen
	err      error
	failures []Failure
	deferred bool
}

// ID returns the processor-local stream identifier.
func (s *Stream) ID() uint64 { return s.id }

// Processed returns the number of body words consumed so far.
func (s *Stream) Processed() uint32 { return s.processed }

// Declared returns the body length declared by the header (0 until verified).
func (s *Stream) Declared() uint32 { return s.header.Length }

// Header returns the verified header.
func (s *Stream) Header() (Header, bool) { return s.header, s.headerDone }

// Done reports whether the stream reached END or its declared length.
func (s *Stream) Done() bool { return s.done }

// Ended reports whether the stream was terminated by the END marker.
func (s *Stream) Ended() bool { return s.ended }

// Err returns the error that aborted the stream, if any.
func (s *Stream) Err() error { return s.err }

// Failures returns handler errors recorded without aborting the stream.
func (s *Stream) Failures() []Failure { return s.failures }

// Resuming reports whether a command is waiting for more payload.
func (s *Stream) Resuming() bool {
	_, ok := s.state.(stateResuming)
	return ok
}

// Skipping reports whether a break target is pending, and where.
func (s *Stream) Skipping() (uint32, bool) {
	st, ok := s.state.(stateSkipping)
	return st.target, ok
}

// Process consumes one chunk.
//
// Returns StatusNeedData when the whole chunk was consumed and the stream
// needs more input; this is not an error. Returns StatusDone once END is seen
// or the declared length is reached; any further input is ignored and the
// same result, including a deferred error, is returned again. On a fatal
// error the stream is failed and every later call returns the same error
// without consuming input.
func (s *Stream) Process(ctx context.Context, chunk []byte) (Status, error) {
	if s.done {
		return StatusDone, s.err
	}
	if s.err != nil {
		return StatusFailed, s.err
	}
	if len(chunk)%WordSize != 0 {
		return s.fail(newError(ErrCodeUnalignedChunk, s.processed,
			"chunk of %d bytes is not word aligned", len(chunk)))
	}

	depth, err := s.proc.guard.Enter()
	if err != nil {
		s.logger.Error("nesting limit exceeded",
			"depth", depth,
			"max_depth", s.proc.guard.Max(),
		)
		return s.fail(err)
	}
	defer s.proc.guard.Exit()
	s.depth = depth

	if err := ctx.Err(); err != nil {
		return StatusNeedData, err
	}

	if err := s.run(ctx, DecodeWords(chunk)); err != nil {
		return s.fail(err)
	}

	if !s.done {
		return StatusNeedData, nil
	}

	s.logger.Info("stream complete",
		"processed", s.processed,
		"declared", s.header.Length,
		"end_marker", s.ended,
		"failures", len(s.failures),
	)
	if s.deferred && s.recovery == RecoveryNone {
		s.err = newError(ErrCodeDeferred, s.processed,
			"%d command(s) deferred errors", len(s.failures))
		return StatusDone, s.err
	}
	return StatusDone, nil
}

// fail records a fatal error.
func (s *Stream) fail(err error) (Status, error) {
	s.err = err
	s.logger.Error("stream failed",
		"code", CodeOf(err),
		"processed", s.processed,
		"error", err,
	)
	return StatusFailed, err
}

// run drives the state machine over the words of one chunk.
func (s *Stream) run(ctx context.Context, words []uint32) error {
	pos := 0

	if !s.headerDone {
		hdr, n, ok := s.spill.fill(words, HeaderWords)
		pos += n
		if !ok {
			return nil
		}
		h, err := VerifyHeader(hdr)
		if err != nil {
			return err
		}
		s.header = h
		s.headerDone = true
		s.logger.Info("header verified",
			"version", fmt.Sprintf("%#x", h.Version),
			"length", h.Length,
		)
		s.checkComplete()
	}

	// A command header split across the previous boundary.
	if s.spill.pending() > 0 && !s.done {
		need := HeaderLen(s.spill.first())
		hdr, n, ok := s.spill.fill(words[pos:], need)
		pos += n
		if !ok {
			return nil
		}
		used, err := s.start(ctx, hdr, words[pos:])
		if err != nil {
			return err
		}
		pos += used
		s.checkComplete()
	}

	for pos < len(words) && !s.done {
		switch st := s.state.(type) {
		case stateSkipping:
			n := min(st.target-s.processed, uint32(len(words)-pos))
			pos += int(n)
			s.processed += n
			if s.processed == st.target {
				s.logger.Debug("break target reached", "offset", st.target)
				s.state = stateStart{}
			}

		case stateResuming:
			n := min(st.remaining, uint32(len(words)-pos))
			if err := s.resume(ctx, st, words[pos:pos+int(n)]); err != nil {
				return err
			}
			pos += int(n)

		default:
			w0 := words[pos]
			if w0 == EndMarker {
				s.logger.Debug("end marker", "offset", s.processed)
				s.ended = true
				s.done = true
				return nil
			}
			need := HeaderLen(w0)
			if len(words)-pos < need {
				if !s.spill.store(words[pos:]) {
					return newError(ErrCodeSpillOverflow, s.processed,
						"%d header words do not fit the spill buffer", len(words)-pos)
				}
				return nil
			}
			used, err := s.start(ctx, words[pos:pos+need], words[pos+need:])
			if err != nil {
				return err
			}
			pos += need + used
		}
		s.checkComplete()
	}
	return nil
}

// checkComplete marks the stream done once the declared length is consumed.
func (s *Stream) checkComplete() {
	if _, ok := s.state.(stateStart); ok && s.headerDone && s.processed >= s.header.Length {
		s.done = true
	}
}

// start dispatches a fresh command. hdr is the complete header; body holds
// the words after it in the current chunk. Returns payload words consumed.
func (s *Stream) start(ctx context.Context, hdr []uint32, body []uint32) (int, error) {
	offset := s.processed
	cmd := newCommand(hdr, body, offset)
	if uint64(offset)+uint64(cmd.HeaderLen)+uint64(cmd.Len) > uint64(s.header.Length) {
		pe := newError(ErrCodeCommandOverrun, offset,
			"command of %d words exceeds declared length %d", uint64(cmd.HeaderLen)+uint64(cmd.Len), s.header.Length)
		pe.CmdID = cmd.ID
		return 0, pe
	}
	cmd.SubsystemID = s.subsystem
	cmd.Depth = s.depth
	cmd.Blocks = &s.blocks

	s.processed += uint32(cmd.HeaderLen)
	avail := uint32(len(cmd.Payload))

	handler, _ := s.proc.table.Lookup(cmd.ModuleID(), cmd.APIID())
	failed, err := s.dispatch(ctx, cmd, handler, false)
	if err != nil {
		return 0, err
	}
	s.processed += avail

	switch {
	case failed && avail < cmd.Len:
		s.state = stateSkipping{target: cmd.End()}
	case avail < cmd.Len:
		s.cmd = cmd
		s.handler = handler
		s.state = stateResuming{remaining: cmd.Len - avail, delivered: avail}
	case failed:
		s.state = stateStart{}
	default:
		if err := s.complete(cmd); err != nil {
			return 0, err
		}
	}
	return int(avail), nil
}

// resume delivers the next payload slice of the active command.
func (s *Stream) resume(ctx context.Context, st stateResuming, payload []uint32) error {
	cmd := s.cmd
	cmd.ProcessedLen = st.delivered
	cmd.Payload = payload
	cmd.Depth = s.depth

	failed, err := s.dispatch(ctx, cmd, s.handler, true)
	if err != nil {
		return err
	}
	n := uint32(len(payload))
	s.processed += n
	st.remaining -= n
	st.delivered += n

	switch {
	case failed && st.remaining > 0:
		s.cmd, s.handler = nil, nil
		s.state = stateSkipping{target: cmd.End()}
	case st.remaining > 0:
		s.state = st
	case failed:
		s.cmd, s.handler = nil, nil
		s.state = stateStart{}
	default:
		s.cmd, s.handler = nil, nil
		return s.complete(cmd)
	}
	return nil
}

// complete applies a finished command's break target.
func (s *Stream) complete(cmd *Command) error {
	s.state = stateStart{}
	target, ok := cmd.BreakTarget()
	if !ok {
		return nil
	}
	if target < s.processed || target > s.header.Length {
		pe := newError(ErrCodeInvalidBreakTarget, cmd.Offset,
			"break target %d outside [%d, %d]", target, s.processed, s.header.Length)
		pe.CmdID = cmd.ID
		return pe
	}
	if target > s.processed {
		s.logger.Debug("break", "from", s.processed, "to", target)
		s.state = stateSkipping{target: target}
	}
	return nil
}

// dispatch calls the handler and applies the recovery policy.
//
// failed reports a handler error that was recorded instead of aborting;
// err is non-nil only when the stream must abort.
func (s *Stream) dispatch(ctx context.Context, cmd *Command, h Handler, resume bool) (failed bool, err error) {
	var herr error
	switch {
	case h == nil:
		herr = newError(ErrCodeUnknownCommand, cmd.Offset,
			"no handler for module %d api %d", cmd.ModuleID(), cmd.APIID())
	case resume:
		if r, ok := h.(Resumer); ok {
			herr = r.Resume(ctx, cmd)
		} else {
			herr = h.Execute(ctx, cmd)
		}
	default:
		herr = h.Execute(ctx, cmd)
	}

	s.logger.Debug("dispatched",
		"offset", cmd.Offset,
		"cmd_id", fmt.Sprintf("%#06x", cmd.ID),
		"module", cmd.ModuleID(),
		"api", cmd.APIID(),
		"resume", resume,
		"words", len(cmd.Payload),
		"processed_len", cmd.ProcessedLen,
	)
	s.notify(cmd, resume, herr)

	if herr == nil {
		return false, nil
	}

	deferred := IsDeferred(herr)
	if deferred || s.recovery == RecoveryLockdown {
		s.failures = append(s.failures, Failure{Offset: cmd.Offset, CmdID: cmd.ID, Err: herr})
		if deferred {
			s.deferred = true
		}
		s.logger.Warn("command failed, continuing",
			"offset", cmd.Offset,
			"cmd_id", fmt.Sprintf("%#06x", cmd.ID),
			"recovery", s.recovery.String(),
			"deferred", deferred,
			"error", herr,
		)
		return true, nil
	}

	if pe, ok := herr.(*ProcessError); ok && pe.Code == ErrCodeUnknownCommand {
		pe.CmdID = cmd.ID
		return true, pe
	}
	return true, &ProcessError{
		Code:       ErrCodeHandlerFailed,
		Message:    fmt.Sprintf("module %d api %d failed", cmd.ModuleID(), cmd.APIID()),
		Offset:     cmd.Offset,
		ByteOffset: byteOffset(cmd.Offset),
		CmdID:      cmd.ID,
		Err:        herr,
	}
}

// notify hands the dispatch to the observers.
func (s *Stream) notify(cmd *Command, resume bool, err error) {
	if len(s.observers) == 0 {
		return
	}
	payload := make([]uint32, len(cmd.Payload))
	copy(payload, cmd.Payload)
	d := Dispatch{
		Seq:          s.proc.seq.Add(1),
		Stream:       s.id,
		Depth:        s.depth,
		Offset:       cmd.Offset,
		CmdID:        cmd.ID,
		Len:          cmd.Len,
		ProcessedLen: cmd.ProcessedLen,
		Resume:       resume,
		Payload:      payload,
		Err:          err,
	}
	for _, o := range s.observers {
		o.Dispatched(d)
	}
}

package cdo

import "errors"

// Entry describes one command found by Walk.
type Entry struct {
	Offset    uint32
	CmdID     uint16
	HeaderLen int
	Len       uint32
	Payload   []uint32 // may be shorter than Len when the image is truncated
}

// ModuleID returns the module identifier.
func (e Entry) ModuleID() uint8 { return uint8(e.CmdID >> 8) }

// APIID returns the operation identifier.
func (e Entry) APIID() uint8 { return uint8(e.CmdID) }

// WalkResult summarizes a Walk.
type WalkResult struct {
	Header    Header
	Commands  int
	Processed uint32 // body words covered by complete commands
	Ended     bool   // END marker seen
	Truncated bool   // image ended before the declared length
}

// ErrStopWalk may be returned by a Walk callback to stop early.
var ErrStopWalk = errors.New("stop walk")

// Walk decodes a complete image without dispatching anything.
//
// The header is verified first. fn is called for every command in order;
// the walk stops at END, at the declared length, when the image runs out, or
// when fn returns an error (ErrStopWalk stops without error). Commands that
// overrun the declared length are reported as COMMAND_OVERRUN.
func Walk(words []uint32, fn func(Entry) error) (WalkResult, error) {
	var res WalkResult
	h, err := VerifyHeader(words)
	if err != nil {
		return res, err
	}
	res.Header = h
	body := words[HeaderWords:]

	for res.Processed < h.Length {
		pos := res.Processed
		if int(pos) >= len(body) {
			res.Truncated = true
			break
		}
		if body[pos] == EndMarker {
			res.Ended = true
			break
		}
		size, ok := SizeOf(body[pos:])
		if !ok {
			res.Truncated = true
			break
		}
		if uint64(pos)+uint64(size.Total()) > uint64(h.Length) {
			pe := newError(ErrCodeCommandOverrun, pos,
				"command of %d words exceeds declared length %d", size.Total(), h.Length)
			pe.CmdID = uint16(body[pos] & idMask)
			return res, pe
		}
		start := int(pos) + size.HeaderLen
		end := start + int(size.PayloadLen)
		truncated := false
		if end > len(body) {
			end = len(body)
			truncated = true
		}
		e := Entry{
			Offset:    pos,
			CmdID:     uint16(body[pos] & idMask),
			HeaderLen: size.HeaderLen,
			Len:       size.PayloadLen,
			Payload:   body[start:end],
		}
		res.Commands++
		if err := fn(e); err != nil {
			if errors.Is(err, ErrStopWalk) {
				return res, nil
			}
			return res, err
		}
		if truncated {
			res.Truncated = true
			break
		}
		res.Processed += size.Total()
	}
	return res, nil
}

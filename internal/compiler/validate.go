package compiler

import (
	"errors"
	"fmt"

	"github.com/roach88/cdo/internal/cdo"
	"github.com/roach88/cdo/internal/generic"
)

// Validation error codes (E100-E199)
const (
	// Image errors (E100-E102)
	ErrBadHeader      = "E100" // magic or checksum mismatch
	ErrCommandOverrun = "E101" // command exceeds the declared length
	ErrTruncated      = "E102" // image shorter than the declared length

	// Command errors (E110-E119)
	ErrUnknownCommand = "E110" // no handler registered for the id
	ErrPayloadArity   = "E111" // payload length wrong for a generic command
	ErrLogTooLong     = "E112" // log_string payload over the limit

	// Block errors (E120-E129)
	ErrEndWithoutBegin = "E120" // end with no open block
	ErrBlockMismatch   = "E121" // end not where begin says it is
	ErrBlockUnclosed   = "E122" // begin never closed
	ErrBlockTooDeep    = "E123" // nesting exceeds the block stack
	ErrBreakLevel      = "E124" // break level exceeds open blocks
)

// ValidationError represents a problem found in an image.
type ValidationError struct {
	Offset  uint32 `json:"offset"`
	CmdID   uint16 `json:"cmd_id,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.CmdID != 0 {
		return fmt.Sprintf("[%s] @%d %#06x: %s", e.Code, e.Offset, e.CmdID, e.Message)
	}
	return fmt.Sprintf("[%s] @%d: %s", e.Code, e.Offset, e.Message)
}

// Lookup reports whether a command id has a handler. *module.Registry
// satisfies it through Known.
type Lookup interface {
	Known(id uint16) bool
}

// arities lists payload bounds of fixed-arity generic commands; -1 is
// unbounded.
var arities = map[uint8][2]int{
	generic.APIFeatures:  {1, 1},
	generic.APIMaskPoll:  {4, 6},
	generic.APIMaskWrite: {3, 3},
	generic.APIWrite:     {2, 2},
	generic.APIDelay:     {1, 1},
	generic.APISet:       {4, 4},
	generic.APIMarker:    {1, -1},
	generic.APIRunProc:   {1, 1},
	generic.APIBegin:     {1, -1},
	generic.APIEnd:       {0, 0},
	generic.APIBreak:     {0, 1},
}

// Validate checks an image without executing it.
// Returns all errors found (does not fail-fast). known may be nil, in
// which case command ids are not checked.
//
// Block nesting is checked in image order; a break that skips an end at
// run time is still expected to be followed by that end in the image.
func Validate(words []uint32, known Lookup) []ValidationError {
	var (
		errs []ValidationError
		ends []uint32
	)

	res, err := cdo.Walk(words, func(e cdo.Entry) error {
		truncated := uint32(len(e.Payload)) < e.Len
		if known != nil && !known.Known(e.CmdID) {
			errs = append(errs, ValidationError{
				Offset: e.Offset, CmdID: e.CmdID, Code: ErrUnknownCommand,
				Message: "no handler registered",
			})
		}
		if e.ModuleID() != generic.ModuleID || truncated {
			return nil
		}

		if bounds, ok := arities[e.APIID()]; ok {
			n := int(e.Len)
			if n < bounds[0] || (bounds[1] >= 0 && n > bounds[1]) {
				errs = append(errs, ValidationError{
					Offset: e.Offset, CmdID: e.CmdID, Code: ErrPayloadArity,
					Message: fmt.Sprintf("payload of %d words, want %s", n, arityString(bounds)),
				})
				return nil
			}
		}

		switch e.APIID() {
		case generic.APILogString:
			if e.Len*4 >= generic.MaxLogString {
				errs = append(errs, ValidationError{
					Offset: e.Offset, CmdID: e.CmdID, Code: ErrLogTooLong,
					Message: fmt.Sprintf("%d bytes, limit %d", e.Len*4, generic.MaxLogString),
				})
			}
		case generic.APIBegin:
			if len(ends) >= cdo.MaxBlockDepth {
				errs = append(errs, ValidationError{
					Offset: e.Offset, CmdID: e.CmdID, Code: ErrBlockTooDeep,
					Message: fmt.Sprintf("more than %d nested blocks", cdo.MaxBlockDepth),
				})
			}
			ends = append(ends, e.Offset+uint32(e.HeaderLen)+e.Len+e.Payload[0])
		case generic.APIEnd:
			if len(ends) == 0 {
				errs = append(errs, ValidationError{
					Offset: e.Offset, CmdID: e.CmdID, Code: ErrEndWithoutBegin,
					Message: "end has no matching begin",
				})
				return nil
			}
			want := ends[len(ends)-1]
			ends = ends[:len(ends)-1]
			if want != e.Offset {
				errs = append(errs, ValidationError{
					Offset: e.Offset, CmdID: e.CmdID, Code: ErrBlockMismatch,
					Message: fmt.Sprintf("begin expects end at %d", want),
				})
			}
		case generic.APIBreak:
			level := 1
			if e.Len == 1 {
				level = int(e.Payload[0] & 0xFF)
			}
			if level < 1 || level > len(ends) {
				errs = append(errs, ValidationError{
					Offset: e.Offset, CmdID: e.CmdID, Code: ErrBreakLevel,
					Message: fmt.Sprintf("break level %d with %d open block(s)", level, len(ends)),
				})
			}
		}
		return nil
	})

	if err != nil {
		var pe *cdo.ProcessError
		if errors.As(err, &pe) {
			code := ErrBadHeader
			if pe.Code == cdo.ErrCodeCommandOverrun {
				code = ErrCommandOverrun
			}
			errs = append(errs, ValidationError{Offset: pe.Offset, CmdID: pe.CmdID, Code: code, Message: pe.Message})
		} else {
			errs = append(errs, ValidationError{Code: ErrBadHeader, Message: err.Error()})
		}
		return errs
	}

	if res.Truncated {
		errs = append(errs, ValidationError{
			Offset: res.Processed, Code: ErrTruncated,
			Message: fmt.Sprintf("image ends before declared length %d", res.Header.Length),
		})
	}
	for _, end := range ends {
		errs = append(errs, ValidationError{
			Offset: end, Code: ErrBlockUnclosed,
			Message: "block never closed",
		})
	}
	return errs
}

func arityString(b [2]int) string {
	switch {
	case b[1] < 0:
		return fmt.Sprintf("at least %d", b[0])
	case b[0] == b[1]:
		return fmt.Sprintf("%d", b[0])
	default:
		return fmt.Sprintf("%d to %d", b[0], b[1])
	}
}

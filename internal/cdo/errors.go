package cdo

import (
	"errors"
	"fmt"
)

// ProcessError represents a failure detected while interpreting a CDO stream.
//
// Every error carries the stream position it was detected at so the failing
// command can be located in the source image:
//   - Offset is the word offset within the stream body (header excluded)
//   - ByteOffset is the byte offset from the start of the image (header included)
type ProcessError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Offset is the stream word offset of the failing command.
	Offset uint32

	// ByteOffset is the byte offset of the failing command within the image.
	ByteOffset uint64

	// CmdID identifies the command being dispatched, if any.
	CmdID uint16

	// Err is the underlying cause (handler error, nested stream error).
	Err error
}

// ErrorCode categorizes interpreter errors.
type ErrorCode string

const (
	// ErrCodeBadMagic indicates header word 1 is not HeaderMagic.
	ErrCodeBadMagic ErrorCode = "BAD_MAGIC"

	// ErrCodeBadChecksum indicates header word 4 does not match the header sum.
	ErrCodeBadChecksum ErrorCode = "BAD_CHECKSUM"

	// ErrCodeInvalidBreakTarget indicates a break target behind the cursor
	// or past the declared stream length.
	ErrCodeInvalidBreakTarget ErrorCode = "INVALID_BREAK_TARGET"

	// ErrCodeMaxRecursion indicates the nesting ceiling was exceeded.
	ErrCodeMaxRecursion ErrorCode = "MAX_RECURSION_EXCEEDED"

	// ErrCodeSpillOverflow indicates a split header did not fit the spill buffer.
	ErrCodeSpillOverflow ErrorCode = "SPILL_OVERFLOW"

	// ErrCodeCommandOverrun indicates a command extends past the declared length.
	ErrCodeCommandOverrun ErrorCode = "COMMAND_OVERRUN"

	// ErrCodeUnalignedChunk indicates a chunk that is not a whole number of words.
	ErrCodeUnalignedChunk ErrorCode = "UNALIGNED_CHUNK"

	// ErrCodeTruncated indicates a single-buffer run ended before the declared length.
	ErrCodeTruncated ErrorCode = "TRUNCATED_STREAM"

	// ErrCodeHandlerFailed indicates a command handler reported failure.
	ErrCodeHandlerFailed ErrorCode = "HANDLER_FAILED"

	// ErrCodeUnknownCommand indicates no handler is registered for the command.
	ErrCodeUnknownCommand ErrorCode = "UNKNOWN_COMMAND"

	// ErrCodeDeferred indicates the stream completed but handlers deferred errors.
	ErrCodeDeferred ErrorCode = "DEFERRED_ERROR"
)

// Error implements the error interface.
func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s: %s (offset=%d, byte=%#x", e.Code, e.Message, e.Offset, e.ByteOffset)
	if e.CmdID != 0 {
		msg += fmt.Sprintf(", cmd=%#06x", e.CmdID)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ProcessError) Unwrap() error {
	return e.Err
}

// byteOffset converts a body word offset to an image byte offset.
func byteOffset(offset uint32) uint64 {
	return (uint64(offset) + HeaderWords) * WordSize
}

func newError(code ErrorCode, offset uint32, format string, args ...any) *ProcessError {
	return &ProcessError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		Offset:     offset,
		ByteOffset: byteOffset(offset),
	}
}

// NewDepthError creates a ProcessError for an exceeded nesting ceiling.
func NewDepthError(depth, maxDepth int) *ProcessError {
	return &ProcessError{
		Code:    ErrCodeMaxRecursion,
		Message: fmt.Sprintf("nesting depth %d exceeds limit %d", depth, maxDepth),
	}
}

// hasCode walks the error chain and reports whether any ProcessError in it
// carries one of the given codes. A handler failure wrapping a nested
// stream's error matches the nested code as well.
func hasCode(err error, codes ...ErrorCode) bool {
	for err != nil {
		var pe *ProcessError
		if !errors.As(err, &pe) {
			return false
		}
		for _, c := range codes {
			if pe.Code == c {
				return true
			}
		}
		err = pe.Err
	}
	return false
}

// CodeOf returns the code of the outermost ProcessError in err's chain.
// Returns "" if err carries no ProcessError.
func CodeOf(err error) ErrorCode {
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsIntegrityError reports a header magic or checksum failure.
func IsIntegrityError(err error) bool {
	return hasCode(err, ErrCodeBadMagic, ErrCodeBadChecksum)
}

// IsStructuralError reports a malformed or misused stream.
func IsStructuralError(err error) bool {
	return hasCode(err,
		ErrCodeInvalidBreakTarget,
		ErrCodeMaxRecursion,
		ErrCodeSpillOverflow,
		ErrCodeCommandOverrun,
		ErrCodeUnalignedChunk,
		ErrCodeTruncated,
	)
}

// IsHandlerError reports a failure raised by (or for lack of) a command handler.
func IsHandlerError(err error) bool {
	return hasCode(err, ErrCodeHandlerFailed, ErrCodeUnknownCommand, ErrCodeDeferred)
}

// IsDepthError reports an exceeded nesting ceiling anywhere in the chain.
func IsDepthError(err error) bool {
	return hasCode(err, ErrCodeMaxRecursion)
}

// deferredError marks a handler failure that must not stop the stream.
type deferredError struct {
	err error
}

func (e *deferredError) Error() string { return "deferred: " + e.err.Error() }
func (e *deferredError) Unwrap() error { return e.err }

// Defer wraps a handler error so the stream records it and keeps going.
// The stream reports ErrCodeDeferred once it completes.
func Defer(err error) error {
	if err == nil {
		return nil
	}
	return &deferredError{err: err}
}

// IsDeferred reports whether err was wrapped with Defer.
func IsDeferred(err error) bool {
	var de *deferredError
	return errors.As(err, &de)
}

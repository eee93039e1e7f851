package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/token"

	"github.com/roach88/cdo/internal/cdo"
	"github.com/roach88/cdo/internal/compiler"
)

// Image is a loaded CDO image.
type Image struct {
	Path     string
	Words    []uint32
	Compiled bool // built from CUE source rather than read as a binary
}

// Bytes returns the little-endian encoding of the image.
func (img *Image) Bytes() []byte {
	return cdo.EncodeWords(img.Words)
}

// LoadError represents an error that occurred while loading an image.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadImage reads a CDO binary, or compiles a .cue source file.
func LoadImage(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("file not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeReadFailed, Message: fmt.Sprintf("reading %s: %v", path, err)}
	}

	if strings.EqualFold(filepath.Ext(path), ".cue") {
		p, err := compileSource(path, data)
		if err != nil {
			return nil, err
		}
		return &Image{Path: path, Words: p.Words(), Compiled: true}, nil
	}

	if len(data)%4 != 0 {
		return nil, &LoadError{Code: ErrCodeUnaligned, Message: fmt.Sprintf("%s: %d bytes is not a whole number of words", path, len(data))}
	}
	return &Image{Path: path, Words: cdo.DecodeWords(data)}, nil
}

// compileSource compiles CUE source bytes to a program.
func compileSource(path string, data []byte) (*compiler.Program, error) {
	v := cuecontext.New().CompileBytes(data, cue.Filename(path))
	p, err := compiler.CompileSource(v)
	if err != nil {
		return nil, convertCompileError(err)
	}
	return p, nil
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: fmt.Sprintf("%s: %s", compileErr.Field, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeReadFailed  = "E002" // File read error
	ErrCodeUnaligned   = "E003" // Binary is not word aligned
	ErrCodeCUE         = "E004" // CUE syntax or evaluation error
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeStoreFailed = "E006" // Session database error
	ErrCodeWriteFailed = "E007" // File write error

	// Source compilation errors (validation of images uses E100-E129)
	ErrCodeCommandRef   = "E150" // Bad id, name, module or api
	ErrCodePayload      = "E151" // Bad payload word or text
	ErrCodeBlock        = "E152" // Bad block or label
	ErrCodeProc         = "E153" // Bad proc id or body
	ErrCodeVersion      = "E154" // Bad version
	ErrCodeNoCommands   = "E155" // commands missing
	ErrCodeCommandShape = "E156" // Entry is not a command

	// Stream errors
	ErrCodeIntegrity    = "E201" // BAD_MAGIC, BAD_CHECKSUM
	ErrCodeStructural   = "E202" // Overrun, truncation, bad break, depth
	ErrCodeHandler      = "E203" // Handler, unknown command, deferred
	ErrCodeNeedData     = "E204" // Input ended before the stream completed
	ErrCodeNotInvariant = "E205" // Chunkings disagree
)

// MapFieldToErrorCode maps a compiler error field to an error code.
// Fields are paths such as "commands[2].block[0].payload[1]"; the last
// segment decides.
func MapFieldToErrorCode(field string) string {
	last := field
	if i := strings.LastIndexByte(field, '.'); i >= 0 {
		last = field[i+1:]
	}
	if i := strings.IndexByte(last, '['); i >= 0 {
		last = last[:i]
	}

	switch last {
	case "cue":
		return ErrCodeCUE
	case "version":
		return ErrCodeVersion
	case "id", "name", "module", "api":
		return ErrCodeCommandRef
	case "payload", "text":
		return ErrCodePayload
	case "block", "label":
		return ErrCodeBlock
	case "proc", "body":
		return ErrCodeProc
	case "commands":
		if field == "commands" {
			return ErrCodeNoCommands
		}
		return ErrCodeCommandShape
	default:
		return ErrCodeGeneric
	}
}

// MapStreamError maps an interpreter error to a CLI error code.
func MapStreamError(err error) string {
	switch {
	case err == nil:
		return ""
	case cdo.IsIntegrityError(err):
		return ErrCodeIntegrity
	case cdo.IsStructuralError(err), cdo.IsDepthError(err):
		return ErrCodeStructural
	case cdo.IsHandlerError(err):
		return ErrCodeHandler
	default:
		return ErrCodeGeneric
	}
}

package compiler

import (
	"fmt"
	"math"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/cdo/internal/cdo"
	"github.com/roach88/cdo/internal/generic"
)

// Program is a compiled CDO body.
type Program struct {
	Version uint32
	Body    []uint32 // command words, END marker included when requested
}

// Words returns the full image: header followed by the body.
func (p *Program) Words() []uint32 {
	h := cdo.EncodeHeader(p.Version, uint32(len(p.Body)))
	return append(h[:], p.Body...)
}

// Encode returns the image as little-endian bytes.
func (p *Program) Encode() []byte {
	return cdo.EncodeWords(p.Words())
}

// CompileSource compiles a CUE value describing a CDO image.
//
//	version:  0x200        // optional
//	end:      true         // optional, appends the END marker
//	commands: [
//		{name: "write", payload: [0xF000, 1]},
//		{module: 1, api: 0x11, text: "hello"},
//		{id: 0x0777, long: true, payload: [1, 2]},
//		{block: [{name: "nop"}], label: "init"},
//		{proc: 3, body: [{name: "write", payload: [0xF000, 2]}]},
//	]
//
// A block compiles to begin, its commands, then end; begin's payload points
// at the end command. A proc entry stores its compiled body as a procedure.
func CompileSource(v cue.Value) (*Program, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	p := &Program{Version: cdo.DefaultVersion}

	if vv := v.LookupPath(cue.ParsePath("version")); vv.Exists() {
		version, err := uint32Field(vv, "version")
		if err != nil {
			return nil, err
		}
		p.Version = version
	}

	cmdsVal := v.LookupPath(cue.ParsePath("commands"))
	if !cmdsVal.Exists() {
		return nil, &CompileError{
			Field:   "commands",
			Message: "commands is required",
			Pos:     v.Pos(),
		}
	}
	body, err := compileList(cmdsVal, "commands")
	if err != nil {
		return nil, err
	}
	p.Body = body

	if ev := v.LookupPath(cue.ParsePath("end")); ev.Exists() {
		end, err := ev.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if end {
			p.Body = append(p.Body, cdo.EndMarker)
		}
	}

	return p, nil
}

// compileList compiles a list of command entries.
func compileList(v cue.Value, field string) ([]uint32, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var out []uint32
	for i := 0; iter.Next(); i++ {
		words, err := compileEntry(iter.Value(), fmt.Sprintf("%s[%d]", field, i))
		if err != nil {
			return nil, err
		}
		out = append(out, words...)
	}
	return out, nil
}

func compileEntry(v cue.Value, field string) ([]uint32, error) {
	if bv := v.LookupPath(cue.ParsePath("block")); bv.Exists() {
		return compileBlock(v, bv, field)
	}
	if pv := v.LookupPath(cue.ParsePath("proc")); pv.Exists() {
		return compileProc(v, pv, field)
	}
	return compileCommand(v, field)
}

func compileCommand(v cue.Value, field string) ([]uint32, error) {
	id, err := commandID(v, field)
	if err != nil {
		return nil, err
	}

	payload, err := compilePayload(v, field)
	if err != nil {
		return nil, err
	}

	long := false
	if lv := v.LookupPath(cue.ParsePath("long")); lv.Exists() {
		if long, err = lv.Bool(); err != nil {
			return nil, formatCUEError(err)
		}
	}

	return encodeCommand(id, payload, long), nil
}

// commandID resolves {id}, {module, api} or a generic {name}.
func commandID(v cue.Value, field string) (uint16, error) {
	if iv := v.LookupPath(cue.ParsePath("id")); iv.Exists() {
		id, err := uint32Field(iv, field+".id")
		if err != nil {
			return 0, err
		}
		if id > math.MaxUint16 {
			return 0, &CompileError{Field: field + ".id", Message: fmt.Sprintf("id %#x exceeds 16 bits", id), Pos: iv.Pos()}
		}
		return uint16(id), nil
	}

	if nv := v.LookupPath(cue.ParsePath("name")); nv.Exists() {
		name, err := nv.String()
		if err != nil {
			return 0, formatCUEError(err)
		}
		api, ok := generic.Names()[name]
		if !ok {
			return 0, &CompileError{Field: field + ".name", Message: fmt.Sprintf("unknown generic command %q", name), Pos: nv.Pos()}
		}
		return uint16(generic.ModuleID)<<8 | uint16(api), nil
	}

	mv := v.LookupPath(cue.ParsePath("module"))
	av := v.LookupPath(cue.ParsePath("api"))
	if !mv.Exists() || !av.Exists() {
		return 0, &CompileError{
			Field:   field,
			Message: "command needs id, name, or module and api",
			Pos:     v.Pos(),
		}
	}
	mod, err := byteField(mv, field+".module")
	if err != nil {
		return 0, err
	}
	api, err := byteField(av, field+".api")
	if err != nil {
		return 0, err
	}
	return uint16(mod)<<8 | uint16(api), nil
}

// compilePayload concatenates payload ints followed by text words.
func compilePayload(v cue.Value, field string) ([]uint32, error) {
	var payload []uint32

	if pv := v.LookupPath(cue.ParsePath("payload")); pv.Exists() {
		iter, err := pv.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for i := 0; iter.Next(); i++ {
			w, err := uint32Field(iter.Value(), fmt.Sprintf("%s.payload[%d]", field, i))
			if err != nil {
				return nil, err
			}
			payload = append(payload, w)
		}
	}

	if tv := v.LookupPath(cue.ParsePath("text")); tv.Exists() {
		text, err := tv.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		payload = append(payload, generic.EncodeText(text)...)
	}

	return payload, nil
}

func compileBlock(v, bv cue.Value, field string) ([]uint32, error) {
	inner, err := compileList(bv, field+".block")
	if err != nil {
		return nil, err
	}

	beginPayload := []uint32{uint32(len(inner))}
	if lv := v.LookupPath(cue.ParsePath("label")); lv.Exists() {
		label, err := lv.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if len(label) > generic.MaxBlockLabel {
			return nil, &CompileError{
				Field:   field + ".label",
				Message: fmt.Sprintf("label longer than %d bytes", generic.MaxBlockLabel),
				Pos:     lv.Pos(),
			}
		}
		beginPayload = append(beginPayload, generic.EncodeText(label)...)
	}

	out := encodeCommand(genericID(generic.APIBegin), beginPayload, false)
	out = append(out, inner...)
	return append(out, encodeCommand(genericID(generic.APIEnd), nil, false)...), nil
}

func compileProc(v, pv cue.Value, field string) ([]uint32, error) {
	id, err := uint32Field(pv, field+".proc")
	if err != nil {
		return nil, err
	}
	payload := []uint32{id}
	if bv := v.LookupPath(cue.ParsePath("body")); bv.Exists() {
		body, err := compileList(bv, field+".body")
		if err != nil {
			return nil, err
		}
		payload = append(payload, body...)
	}
	return encodeCommand(genericID(generic.APIProc), payload, len(payload) > cdo.MaxShortPayload), nil
}

// encodeCommand emits the header and payload. Payloads too long for the
// short form always use the long form.
func encodeCommand(id uint16, payload []uint32, long bool) []uint32 {
	if long || len(payload) > cdo.MaxShortPayload {
		out := []uint32{cdo.CommandWord(id, cdo.LongFormSentinel), uint32(len(payload))}
		return append(out, payload...)
	}
	out := []uint32{cdo.CommandWord(id, uint32(len(payload)))}
	return append(out, payload...)
}

func genericID(api uint8) uint16 {
	return uint16(generic.ModuleID)<<8 | uint16(api)
}

func uint32Field(v cue.Value, field string) (uint32, error) {
	n, err := v.Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	if n < 0 || n > math.MaxUint32 {
		return 0, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("%d does not fit in a 32-bit word", n),
			Pos:     v.Pos(),
		}
	}
	return uint32(n), nil
}

func byteField(v cue.Value, field string) (uint8, error) {
	n, err := uint32Field(v, field)
	if err != nil {
		return 0, err
	}
	if n > math.MaxUint8 {
		return 0, &CompileError{Field: field, Message: fmt.Sprintf("%d exceeds 8 bits", n), Pos: v.Pos()}
	}
	return uint8(n), nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}

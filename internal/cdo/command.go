package cdo

// Command encoding constants.
const (
	// EndMarker is the word that terminates a stream unconditionally.
	EndMarker uint32 = 0x01FFFFFF

	// LongFormSentinel in the length field selects the 2-word header.
	LongFormSentinel = 0xFF

	// MaxShortPayload is the largest payload a short-form header can declare.
	MaxShortPayload = LongFormSentinel - 1

	// MaxLongPayload caps long-form payload lengths. With the 2-word
	// header the total command length still fits in 32 bits.
	MaxLongPayload uint32 = 0xFFFFFFFD

	// MaxHeaderWords is the largest command header.
	MaxHeaderWords = 2

	// ResponseWords is the size of a command's response buffer.
	ResponseWords = 8

	lenShift = 16
	lenMask  = 0xFF
	idMask   = 0xFFFF
)

// lenField extracts the 8-bit length sub-field of a command's first word.
func lenField(w0 uint32) uint32 {
	return (w0 >> lenShift) & lenMask
}

// HeaderLen returns the number of header words for a command whose first
// word is w0: 1 for short form, 2 for long form.
func HeaderLen(w0 uint32) int {
	if lenField(w0) == LongFormSentinel {
		return 2
	}
	return 1
}

// Size describes a command's encoded length in words.
type Size struct {
	HeaderLen  int
	PayloadLen uint32
}

// Total returns header plus payload words.
func (s Size) Total() uint32 {
	return uint32(s.HeaderLen) + s.PayloadLen
}

// SizeOf classifies the command at the start of words.
//
// If fewer words are available than the header needs, only HeaderLen is
// reported and ok is false; the caller must gather the rest of the header
// before calling again. Long-form lengths are clamped to MaxLongPayload.
func SizeOf(words []uint32) (size Size, ok bool) {
	if len(words) == 0 {
		return Size{}, false
	}
	size.HeaderLen = HeaderLen(words[0])
	if size.HeaderLen == 1 {
		size.PayloadLen = lenField(words[0])
		return size, true
	}
	if len(words) < 2 {
		return size, false
	}
	size.PayloadLen = words[1]
	if size.PayloadLen > MaxLongPayload {
		size.PayloadLen = MaxLongPayload
	}
	return size, true
}

// CommandWord builds the first header word for a command id and payload length
// that fits the short form. Use LongFormSentinel as length for long form.
func CommandWord(id uint16, length uint32) uint32 {
	return (length&lenMask)<<lenShift | uint32(id)
}

// Command is one decoded instruction.
//
// A Command is a view into the caller's current chunk: Payload is only valid
// for the duration of the Execute/Resume call that receives it. A command
// whose payload spans chunks is delivered in contiguous slices; ProcessedLen
// counts the payload words delivered in earlier calls.
type Command struct {
	// ID is the 16-bit command identifier: module id in bits 8..15,
	// API id in bits 0..7.
	ID uint16

	// Len is the declared payload length in words.
	Len uint32

	// Payload holds the payload words available in this call.
	Payload []uint32

	// ProcessedLen is the number of payload words delivered before this call.
	ProcessedLen uint32

	// Offset is the stream word offset of the command's first header word.
	Offset uint32

	// HeaderLen is 1 for short form, 2 for long form.
	HeaderLen int

	// SubsystemID is propagated from the owning stream.
	SubsystemID uint32

	// Depth is the nesting depth of the owning stream (1 = top level).
	Depth int

	// Response is the command's output buffer.
	Response [ResponseWords]uint32

	// Blocks is the owning stream's begin/end block stack.
	Blocks *BlockStack

	// State belongs to the handler and survives resumes of the same
	// command occurrence.
	State any

	breakTo  uint32
	hasBreak bool
}

// ModuleID returns the module identifier.
func (c *Command) ModuleID() uint8 { return uint8(c.ID >> 8) }

// APIID returns the operation identifier within the module.
func (c *Command) APIID() uint8 { return uint8(c.ID) }

// Resuming reports whether earlier calls already delivered payload.
func (c *Command) Resuming() bool { return c.ProcessedLen > 0 }

// Final reports whether this call delivers the last payload words.
func (c *Command) Final() bool {
	return c.ProcessedLen+uint32(len(c.Payload)) == c.Len
}

// End returns the stream offset just past this command.
func (c *Command) End() uint32 {
	return c.Offset + uint32(c.HeaderLen) + c.Len
}

// BreakTo asks the stream to skip every command up to the absolute stream
// word offset. The target is applied once the command completes.
func (c *Command) BreakTo(offset uint32) {
	c.breakTo = offset
	c.hasBreak = true
}

// BreakTarget returns the pending break target, if any.
func (c *Command) BreakTarget() (uint32, bool) {
	return c.breakTo, c.hasBreak
}

// newCommand materializes a command from a complete header and the words
// following it in the current chunk.
func newCommand(hdr []uint32, body []uint32, offset uint32) *Command {
	size, _ := SizeOf(hdr)
	avail := size.PayloadLen
	if uint64(len(body)) < uint64(avail) {
		avail = uint32(len(body))
	}
	return &Command{
		ID:        uint16(hdr[0] & idMask),
		Len:       size.PayloadLen,
		Payload:   body[:avail],
		Offset:    offset,
		HeaderLen: size.HeaderLen,
	}
}

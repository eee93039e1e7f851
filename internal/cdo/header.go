package cdo

import "encoding/binary"

// CDO image layout constants.
const (
	// WordSize is the size of a stream word in bytes.
	WordSize = 4

	// HeaderWords is the fixed size of the CDO header.
	HeaderWords = 5

	// HeaderMagic identifies a CDO image ("CDO\0" little-endian).
	HeaderMagic uint32 = 0x004F4443

	// DefaultVersion is the format version emitted by the compiler.
	DefaultVersion uint32 = 0x00000200
)

// Header is the verified 5-word CDO header.
type Header struct {
	Reserved uint32 // word 0
	Version  uint32 // word 2
	Length   uint32 // word 3: body length in words, header excluded
	Checksum uint32 // word 4
}

// Checksum computes the header checksum over words 0..3.
func Checksum(w0, w1, w2, w3 uint32) uint32 {
	return ^(w0 + w1 + w2 + w3)
}

// VerifyHeader validates the first HeaderWords words of a stream.
//
// Returns ErrCodeBadMagic when word 1 is not HeaderMagic and ErrCodeBadChecksum
// when word 4 is not the inverted sum of words 0..3. The magic is checked first.
func VerifyHeader(words []uint32) (Header, error) {
	if len(words) < HeaderWords {
		return Header{}, &ProcessError{
			Code:    ErrCodeTruncated,
			Message: "header requires 5 words",
		}
	}
	if words[1] != HeaderMagic {
		return Header{}, &ProcessError{
			Code:       ErrCodeBadMagic,
			Message:    "header identification word mismatch",
			ByteOffset: 1 * WordSize,
		}
	}
	if sum := Checksum(words[0], words[1], words[2], words[3]); sum != words[4] {
		pe := &ProcessError{
			Code:    ErrCodeBadChecksum,
			Message: "header checksum mismatch",
		}
		pe.ByteOffset = 4 * WordSize
		return Header{}, pe
	}
	return Header{
		Reserved: words[0],
		Version:  words[2],
		Length:   words[3],
		Checksum: words[4],
	}, nil
}

// EncodeHeader builds a valid header for a body of the given length.
func EncodeHeader(version, length uint32) [HeaderWords]uint32 {
	const reserved = 0x4
	return [HeaderWords]uint32{
		reserved,
		HeaderMagic,
		version,
		length,
		Checksum(reserved, HeaderMagic, version, length),
	}
}

// DecodeWords converts a little-endian byte buffer into words.
// len(b) must be a multiple of WordSize; trailing bytes are ignored.
func DecodeWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/WordSize)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*WordSize:])
	}
	return words
}

// EncodeWords converts words into a little-endian byte buffer.
func EncodeWords(words []uint32) []byte {
	b := make([]byte, len(words)*WordSize)
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*WordSize:], w)
	}
	return b
}

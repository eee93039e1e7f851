package generic

import (
	"bytes"
	"encoding/binary"
)

// EncodeText packs s into little-endian words, NUL padded to a word
// boundary. A string whose length is a multiple of four gets no terminator.
func EncodeText(s string) []uint32 {
	b := []byte(s)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

// DecodeText unpacks words written by EncodeText, stopping at the first NUL.
func DecodeText(words []uint32) string {
	return string(textBytes(nil, words))
}

func textBytes(dst []byte, words []uint32) []byte {
	for _, w := range words {
		dst = binary.LittleEndian.AppendUint32(dst, w)
	}
	if i := bytes.IndexByte(dst, 0); i >= 0 {
		return dst[:i]
	}
	return dst
}

// Package cdo implements the Configuration Data Object stream interpreter.
//
// A CDO image is a 5-word header followed by a body of commands:
//
//	word 0  reserved
//	word 1  HeaderMagic
//	word 2  format version
//	word 3  body length in words
//	word 4  ^(word0 + word1 + word2 + word3)
//
// Each command starts with a header word carrying the 16-bit command id in
// bits 0..15 and the payload length in bits 16..23. A length of 255 selects
// the long form, where the next word holds the real payload length. The word
// EndMarker terminates the stream.
//
// ARCHITECTURE:
//
// The image arrives in chunks (DMA transfers from flash or DDR) whose
// boundaries ignore command boundaries. A Stream carries everything needed
// to pick up where the previous chunk stopped:
//   - a spill buffer for a header split across the boundary
//   - the dispatch state: start, resuming (payload still owed to the active
//     command) or skipping (a break target not yet reached)
//   - the processed length, which never exceeds the declared length
//
// Commands are dispatched strictly in stream order through a Table of
// handlers. A command whose payload spans chunks gets Execute with the first
// slice and Resume with each following slice.
//
// Handlers may run nested streams through the same Processor; the
// Processor's Guard bounds how deep that goes.
//
// Processing is synchronous and single-threaded: Process returns when the
// chunk is consumed. Nothing blocks waiting for input.
package cdo

package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/cdo/internal/trace"
)

// marshalPayload converts payload words to canonical JSON TEXT.
func marshalPayload(words []uint32) (string, error) {
	data, err := trace.MarshalCanonical(trace.Words(words))
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses a payload column. Every word fits uint32, so
// decoding straight into []uint32 loses nothing.
func unmarshalPayload(data string) ([]uint32, error) {
	words := []uint32{}
	if data == "" || data == "[]" {
		return words, nil
	}
	if err := json.Unmarshal([]byte(data), &words); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return words, nil
}

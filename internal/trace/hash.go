package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for digests. The version suffix allows migrating the
// algorithm without colliding with old values.
const (
	DomainEvent = "cdo/event/v1"
	DomainTrace = "cdo/trace/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data). The separator keeps
// the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventID is the content-addressed identity of one event within its stream.
func EventID(e Event) (string, error) {
	canonical, err := MarshalCanonical(e.identity())
	if err != nil {
		return "", fmt.Errorf("EventID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// Digest fingerprints a sequence of events.
//
// Only what a command received is hashed (stream, depth, offset, id,
// payload and outcome), not how it was sliced, so any chunking of the same
// image yields the same digest.
func Digest(events []Event) (string, error) {
	arr := make(Array, len(events))
	for i, e := range events {
		arr[i] = e.identity()
	}
	canonical, err := MarshalCanonical(arr)
	if err != nil {
		return "", fmt.Errorf("Digest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainTrace, canonical), nil
}

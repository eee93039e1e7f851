package trace

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// FormatVersion is the version of exported trace documents.
const FormatVersion = 1

// Document is an exported trace.
type Document struct {
	Version int     `json:"version" cbor:"version"`
	Session string  `json:"session,omitempty" cbor:"session,omitempty"`
	Digest  string  `json:"digest" cbor:"digest"`
	Events  []Event `json:"events" cbor:"events"`
}

// NewDocument builds a document from events, computing the digest.
func NewDocument(session string, events []Event) (Document, error) {
	digest, err := Digest(events)
	if err != nil {
		return Document{}, err
	}
	return Document{
		Version: FormatVersion,
		Session: session,
		Digest:  digest,
		Events:  events,
	}, nil
}

// cborEncMode uses canonical CBOR so equal documents encode to equal bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborEncMode = em
}

// MarshalCBOR encodes a document as canonical CBOR.
func MarshalCBOR(doc Document) ([]byte, error) {
	return cborEncMode.Marshal(doc)
}

// UnmarshalCBOR decodes a document and checks its version.
func UnmarshalCBOR(data []byte) (Document, error) {
	var doc Document
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode trace: %w", err)
	}
	if doc.Version != FormatVersion {
		return Document{}, fmt.Errorf("unsupported trace version %d (want %d)", doc.Version, FormatVersion)
	}
	return doc, nil
}

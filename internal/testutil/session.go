package testutil

// FixedSessionGenerator generates the same session id every time.
//
// Every chunking of a harness scenario runs as the same session id, so the
// stored rows and golden snapshots do not depend on wall-clock UUIDs.
//
// Thread-safety: FixedSessionGenerator is stateless and safe for concurrent use.
type FixedSessionGenerator struct {
	id string
}

// NewFixedSessionGenerator creates a new fixed session id generator.
//
// If id is empty, Generate() returns "test-session-default".
func NewFixedSessionGenerator(id string) *FixedSessionGenerator {
	if id == "" {
		id = "test-session-default"
	}
	return &FixedSessionGenerator{id: id}
}

// Generate returns the fixed session id.
//
// Implements trace.IDGenerator.
func (g *FixedSessionGenerator) Generate() string {
	return g.id
}

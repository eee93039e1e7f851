package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/cdo/internal/trace"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestSession inserts a session with minimal required fields.
func createTestSession(t *testing.T, s *Store, id string, seq int64) Session {
	t.Helper()
	sess := Session{
		ID:          id,
		Source:      "test.cdo",
		ImageSHA256: "abc123",
		Declared:    8,
		ChunkWords:  4,
		Recovery:    "none",
		Seq:         seq,
	}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession(%q) failed: %v", id, err)
	}
	sess.Status = StatusRunning
	return sess
}

// createTestEvent creates a dispatched command event.
func createTestEvent(seq int64, offset uint32, cmdID uint16, payload ...uint32) trace.Event {
	return trace.Event{
		Seq:     seq,
		Stream:  1,
		Depth:   1,
		Offset:  offset,
		CmdID:   cmdID,
		Name:    "write",
		Len:     uint32(len(payload)),
		Payload: payload,
		Slices:  1,
	}
}

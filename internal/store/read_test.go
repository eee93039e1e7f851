package store

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/roach88/cdo/internal/trace"
)

func TestGetSession_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession() error = %v, want ErrNotFound", err)
	}
}

func TestListSessions_OrderedBySeq(t *testing.T) {
	s := createTestStore(t)
	createTestSession(t, s, "c", 3)
	createTestSession(t, s, "a", 1)
	createTestSession(t, s, "b", 2)

	got, err := s.ListSessions(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListSessions() failed: %v", err)
	}
	var ids []string
	for _, sess := range got {
		ids = append(ids, sess.ID)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("ListSessions() ids = %v, want [a b c]", ids)
	}
}

func TestListSessions_LimitKeepsMostRecent(t *testing.T) {
	s := createTestStore(t)
	for i, id := range []string{"a", "b", "c", "d"} {
		createTestSession(t, s, id, int64(i+1))
	}

	got, err := s.ListSessions(context.Background(), 2)
	if err != nil {
		t.Fatalf("ListSessions() failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "d" {
		t.Errorf("ListSessions(2) = %+v, want [c d]", got)
	}
}

func TestListSessions_Empty(t *testing.T) {
	s := createTestStore(t)

	got, err := s.ListSessions(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListSessions() failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("ListSessions() = %#v, want empty non-nil slice", got)
	}
}

func TestReadDispatches_Empty(t *testing.T) {
	s := createTestStore(t)
	createTestSession(t, s, "s1", 1)

	got, err := s.ReadDispatches(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ReadDispatches() failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("ReadDispatches() = %#v, want empty non-nil slice", got)
	}
}

func TestReadDispatches_OrderedBySeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1", 1)

	for _, seq := range []int64{3, 1, 2} {
		if err := s.WriteDispatch(ctx, "s1", createTestEvent(seq, uint32(seq*2), 0x0101)); err != nil {
			t.Fatalf("WriteDispatch() failed: %v", err)
		}
	}

	got, err := s.ReadDispatches(ctx, "s1")
	if err != nil {
		t.Fatalf("ReadDispatches() failed: %v", err)
	}
	for i, e := range got {
		if e.Seq != int64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, e.Seq, i+1)
		}
	}
}

func TestCountCommands(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1", 1)
	createTestSession(t, s, "s2", 2)

	failed := createTestEvent(3, 9, 0x0103, 1, 2)
	failed.Error = "boom"
	events := []trace.Event{
		createTestEvent(1, 5, 0x0103, 1, 2),
		createTestEvent(2, 8, 0x010D),
		failed,
	}
	if err := s.WriteDispatches(ctx, "s1", events); err != nil {
		t.Fatalf("WriteDispatches() failed: %v", err)
	}
	if err := s.WriteDispatch(ctx, "s2", createTestEvent(1, 5, 0x0103)); err != nil {
		t.Fatalf("WriteDispatch() failed: %v", err)
	}

	got, err := s.CountCommands(ctx, "s1")
	if err != nil {
		t.Fatalf("CountCommands() failed: %v", err)
	}
	want := []CommandCount{
		{CmdID: 0x0103, Name: "write", Count: 2, Failures: 1},
		{CmdID: 0x010D, Name: "write", Count: 1},
	}
	if !slices.Equal(got, want) {
		t.Errorf("CountCommands() = %+v, want %+v", got, want)
	}

	none, err := s.CountCommands(ctx, "missing")
	if err != nil || none == nil || len(none) != 0 {
		t.Errorf("CountCommands(missing) = %v, %v; want empty", none, err)
	}
}

func TestPayload_CanonicalText(t *testing.T) {
	text, err := marshalPayload([]uint32{0, 4294967295, 12})
	if err != nil {
		t.Fatalf("marshalPayload() failed: %v", err)
	}
	if text != "[0,4294967295,12]" {
		t.Errorf("marshalPayload() = %s, want [0,4294967295,12]", text)
	}

	words, err := unmarshalPayload(text)
	if err != nil {
		t.Fatalf("unmarshalPayload() failed: %v", err)
	}
	if len(words) != 3 || words[1] != 4294967295 {
		t.Errorf("unmarshalPayload() = %v", words)
	}

	empty, err := marshalPayload(nil)
	if err != nil || empty != "[]" {
		t.Errorf("marshalPayload(nil) = %q, %v; want []", empty, err)
	}
}

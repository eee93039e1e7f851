package store

import (
	"context"
	"fmt"

	"github.com/roach88/cdo/internal/trace"
)

// Session statuses.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Session is one processing run of an image.
type Session struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	ImageSHA256 string `json:"image_sha256"`
	Declared    uint32 `json:"declared"`
	ChunkWords  int    `json:"chunk_words"`
	Recovery    string `json:"recovery"`
	Seq         int64  `json:"seq"`
	Status      string `json:"status"`
	Processed   uint32 `json:"processed"`
	ErrorCode   string `json:"error_code,omitempty"`
	Error       string `json:"error,omitempty"`
	Digest      string `json:"digest,omitempty"`
}

// Outcome is how a session ended.
type Outcome struct {
	Status    string
	Processed uint32
	ErrorCode string
	Error     string
	Digest    string
}

// CreateSession inserts a session in the running state.
// A duplicate id is an error.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions
		(id, source, image_sha256, declared, chunk_words, recovery, seq, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sess.ID,
		sess.Source,
		sess.ImageSHA256,
		sess.Declared,
		sess.ChunkWords,
		sess.Recovery,
		sess.Seq,
		StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// WriteDispatch inserts one event of a session.
// Uses ON CONFLICT DO NOTHING so writing the same event twice is harmless.
func (s *Store) WriteDispatch(ctx context.Context, sessionID string, e trace.Event) error {
	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return fmt.Errorf("write dispatch: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dispatches
		(session_id, seq, stream, depth, word_offset, cmd_id, name, len, payload, slices, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, seq) DO NOTHING
	`,
		sessionID,
		e.Seq,
		int64(e.Stream),
		e.Depth,
		e.Offset,
		e.CmdID,
		e.Name,
		e.Len,
		payload,
		e.Slices,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("write dispatch: %w", err)
	}
	return nil
}

// WriteDispatches inserts events atomically.
func (s *Store) WriteDispatches(ctx context.Context, sessionID string, events []trace.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dispatches
		(session_id, seq, stream, depth, word_offset, cmd_id, name, len, payload, slices, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, seq) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare dispatch insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		payload, err := marshalPayload(e.Payload)
		if err != nil {
			return fmt.Errorf("write dispatches: seq %d: %w", e.Seq, err)
		}
		if _, err := stmt.ExecContext(ctx,
			sessionID, e.Seq, int64(e.Stream), e.Depth, e.Offset, e.CmdID,
			e.Name, e.Len, payload, e.Slices, e.Error,
		); err != nil {
			return fmt.Errorf("write dispatches: seq %d: %w", e.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dispatches: %w", err)
	}
	return nil
}

// FinishSession records the outcome of a session.
// Returns ErrNotFound if the session does not exist.
func (s *Store) FinishSession(ctx context.Context, id string, out Outcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, processed = ?, error_code = ?, error = ?, digest = ?
		WHERE id = ?
	`,
		out.Status,
		out.Processed,
		out.ErrorCode,
		out.Error,
		out.Digest,
		id,
	)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish session %q: %w", id, ErrNotFound)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/cdo/internal/trace"
)

const sessionColumns = `id, source, image_sha256, declared, chunk_words, recovery, seq,
	status, processed, error_code, error, digest`

// GetSession returns one session.
// Returns ErrNotFound if it does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return sess, err
}

// ListSessions returns sessions ordered by seq, most recent last.
// limit <= 0 returns every session.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY seq ASC, id COLLATE BINARY ASC`
	args := []any{}
	if limit > 0 {
		query = `SELECT * FROM (SELECT ` + sessionColumns + ` FROM sessions
			ORDER BY seq DESC, id COLLATE BINARY DESC LIMIT ?)
			ORDER BY seq ASC, id COLLATE BINARY ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ReadDispatches returns a session's events in seq order.
//
// Returns an empty slice (not nil) if the session has none.
func (s *Store) ReadDispatches(ctx context.Context, sessionID string) ([]trace.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, stream, depth, word_offset, cmd_id, name, len, payload, slices, error
		FROM dispatches
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()

	events := []trace.Event{}
	for rows.Next() {
		var (
			e       trace.Event
			stream  int64
			payload string
		)
		if err := rows.Scan(&e.Seq, &stream, &e.Depth, &e.Offset, &e.CmdID, &e.Name,
			&e.Len, &payload, &e.Slices, &e.Error); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		e.Stream = uint64(stream)
		if e.Payload, err = unmarshalPayload(payload); err != nil {
			return nil, fmt.Errorf("dispatch seq %d: %w", e.Seq, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatches: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID,
		&sess.Source,
		&sess.ImageSHA256,
		&sess.Declared,
		&sess.ChunkWords,
		&sess.Recovery,
		&sess.Seq,
		&sess.Status,
		&sess.Processed,
		&sess.ErrorCode,
		&sess.Error,
		&sess.Digest,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, err
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

// CommandCount is how often one command was dispatched in a session.
type CommandCount struct {
	CmdID    uint16 `json:"cmd_id"`
	Name     string `json:"name"`
	Count    int    `json:"count"`
	Failures int    `json:"failures"`
}

// CountCommands groups a session's dispatches by command id, lowest id first.
func (s *Store) CountCommands(ctx context.Context, sessionID string) ([]CommandCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cmd_id, MIN(name), COUNT(*), SUM(CASE WHEN error != '' THEN 1 ELSE 0 END)
		FROM dispatches
		WHERE session_id = ?
		GROUP BY cmd_id
		ORDER BY cmd_id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count dispatches: %w", err)
	}
	defer rows.Close()

	counts := []CommandCount{}
	for rows.Next() {
		var c CommandCount
		if err := rows.Scan(&c.CmdID, &c.Name, &c.Count, &c.Failures); err != nil {
			return nil, fmt.Errorf("scan command count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate command counts: %w", err)
	}
	return counts, nil
}

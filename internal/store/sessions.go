package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/playsync/internal/model"
)

// Transition is a session status change committed together with an event
// (or on its own for supersede).
type Transition struct {
	Status  model.SessionStatus
	Reason  model.EndReason
	EndedAt *time.Time
}

// CreateSession inserts the session row and its session_start marker in one
// transaction, so a session is never visible without its first event.
func (s *Store) CreateSession(ctx context.Context, sess model.Session, start model.Event) error {
	if start.ClientSeq != 1 {
		return fmt.Errorf("create session: start marker must have client_seq 1, got %d", start.ClientSeq)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create session: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := toNanos(s.now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions
		(session_id, child_id, game_instance_id, device_id, status, end_reason, client_seq, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?, ?)
	`,
		sess.SessionID,
		sess.ChildID,
		sess.GameInstanceID,
		sess.DeviceID,
		string(model.StatusActive),
		start.ClientSeq,
		toNanos(sess.StartedAt),
		now,
	)
	if err != nil {
		return fmt.Errorf("create session: insert session: %w", err)
	}

	if err := insertEvent(ctx, tx, sess.SessionID, start); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create session: commit: %w", err)
	}
	return nil
}

// Append durably writes the next event of a session.
//
// The event's ClientSeq must be exactly one past the session's stored
// client_seq; otherwise ErrSeqConflict is returned and nothing is written.
// An optional transition is applied in the same transaction.
func (s *Store) Append(ctx context.Context, ev model.Event, tr *Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append event: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := toNanos(s.now())
	var res sql.Result
	if tr == nil {
		res, err = tx.ExecContext(ctx, `
			UPDATE sessions SET client_seq = ?, updated_at = ?
			WHERE session_id = ? AND client_seq = ?
		`, ev.ClientSeq, now, ev.SessionID, ev.ClientSeq-1)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE sessions SET client_seq = ?, updated_at = ?, status = ?, end_reason = ?, ended_at = ?
			WHERE session_id = ? AND client_seq = ?
		`, ev.ClientSeq, now, string(tr.Status), string(tr.Reason), nullableNanos(tr.EndedAt), ev.SessionID, ev.ClientSeq-1)
	}
	if err != nil {
		return fmt.Errorf("append event: advance seq: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append event: rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := loadSession(ctx, tx, ev.SessionID); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		return fmt.Errorf("append event %s seq %d: %w", ev.EventID, ev.ClientSeq, ErrSeqConflict)
	}

	if err := insertEvent(ctx, tx, ev.SessionID, ev); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append event: commit: %w", err)
	}
	return nil
}

// SetSessionStatus applies a transition without writing an event.
// Used when the server, not the player, ends a session.
func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, tr Transition) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, end_reason = ?, ended_at = COALESCE(ended_at, ?), updated_at = ?
		WHERE session_id = ?
	`, string(tr.Status), string(tr.Reason), nullableNanos(tr.EndedAt), toNanos(s.now()), sessionID)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set session status: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("set session status %s: %w", sessionID, ErrSessionNotFound)
	}
	return nil
}

// LoadSession retrieves a single session by id.
// Returns ErrSessionNotFound if it does not exist.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (model.Session, error) {
	return loadSession(ctx, s.db, sessionID)
}

// OpenSessions returns active and paused sessions ordered by session id
// (UUIDv7 ids sort by creation).
func (s *Store) OpenSessions(ctx context.Context) ([]model.Session, error) {
	return s.querySessions(ctx, `
		SELECT session_id, child_id, game_instance_id, device_id, status, end_reason, client_seq, started_at, ended_at
		FROM sessions
		WHERE status IN ('active', 'paused')
		ORDER BY session_id ASC
	`)
}

// ListSessions returns every session ordered by session id.
func (s *Store) ListSessions(ctx context.Context) ([]model.Session, error) {
	return s.querySessions(ctx, `
		SELECT session_id, child_id, game_instance_id, device_id, status, end_reason, client_seq, started_at, ended_at
		FROM sessions
		ORDER BY session_id ASC
	`)
}

func (s *Store) querySessions(ctx context.Context, query string) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []model.Session{}
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

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func loadSession(ctx context.Context, q queryRower, sessionID string) (model.Session, error) {
	row := q.QueryRowContext(ctx, `
		SELECT session_id, child_id, game_instance_id, device_id, status, end_reason, client_seq, started_at, ended_at
		FROM sessions
		WHERE session_id = ?
	`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return sess, err
}

func scanSession(r rowScanner) (model.Session, error) {
	var (
		sess      model.Session
		status    string
		reason    string
		startedAt int64
		endedAt   sql.NullInt64
	)
	if err := r.Scan(
		&sess.SessionID, &sess.ChildID, &sess.GameInstanceID, &sess.DeviceID,
		&status, &reason, &sess.ClientSeq, &startedAt, &endedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, err
		}
		return model.Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = model.SessionStatus(status)
	sess.EndReason = model.EndReason(reason)
	sess.StartedAt = fromNanos(startedAt)
	if endedAt.Valid {
		t := fromNanos(endedAt.Int64)
		sess.EndedAt = &t
	}
	return sess, nil
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

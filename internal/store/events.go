package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/playsync/internal/model"
)

// Record is a stored event plus its device-side delivery bookkeeping.
type Record struct {
	model.Event
	AckState  model.AckState
	Attempts  int
	LastError string
}

// Stats summarizes the local log by ack state.
type Stats struct {
	Pending         int
	Dispatched      int
	Acknowledged    int
	FailedPermanent int
}

// Unacknowledged is the number of events the server has not yet confirmed.
func (s Stats) Unacknowledged() int {
	return s.Pending + s.Dispatched
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, ex execer, sessionID string, ev model.Event) error {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO events (session_id, client_seq, event_id, type, payload, created_at, ack_state)
		VALUES (?, ?, ?, ?, ?, ?, 'pending')
	`,
		sessionID,
		ev.ClientSeq,
		ev.EventID,
		string(ev.Type),
		string(payload),
		toNanos(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.EventID, err)
	}
	return nil
}

// PendingEvents returns up to limit pending events of a session in
// client_seq order. A limit <= 0 returns all of them.
func (s *Store) PendingEvents(ctx context.Context, sessionID string, limit int) ([]model.Event, error) {
	query := `
		SELECT session_id, client_seq, event_id, type, payload, created_at
		FROM events
		WHERE session_id = ? AND ack_state = 'pending'
		ORDER BY client_seq ASC
	`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var (
			ev        model.Event
			typ       string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&ev.SessionID, &ev.ClientSeq, &ev.EventID, &typ, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		ev.Type = model.EventType(typ)
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt = fromNanos(createdAt)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending events: %w", err)
	}
	return events, nil
}

// Events returns every stored event of a session with its delivery state,
// in client_seq order.
func (s *Store) Events(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, client_seq, event_id, type, payload, created_at, ack_state, attempts, last_error
		FROM events
		WHERE session_id = ?
		ORDER BY client_seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			rec       Record
			typ       string
			payload   string
			createdAt int64
			ack       string
		)
		if err := rows.Scan(
			&rec.SessionID, &rec.ClientSeq, &rec.EventID, &typ, &payload, &createdAt,
			&ack, &rec.Attempts, &rec.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Type = model.EventType(typ)
		rec.Payload = json.RawMessage(payload)
		rec.CreatedAt = fromNanos(createdAt)
		rec.AckState = model.AckState(ack)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return records, nil
}

// SessionsWithPending returns ids of sessions that have at least one
// pending event, ordered by session id.
func (s *Store) SessionsWithPending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT session_id
		FROM events
		WHERE ack_state = 'pending'
		ORDER BY session_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions with pending: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session ids: %w", err)
	}
	return ids, nil
}

// MarkDispatched moves pending events to dispatched and counts the attempt.
func (s *Store) MarkDispatched(ctx context.Context, sessionID string, eventIDs []string) error {
	return s.transition(ctx, "mark dispatched", sessionID, eventIDs,
		`UPDATE events SET ack_state = 'dispatched', attempts = attempts + 1
		 WHERE session_id = ? AND ack_state = 'pending' AND event_id IN (%s)`)
}

// ReleaseDispatched returns dispatched events to pending after a failed
// send, recording the failure.
func (s *Store) ReleaseDispatched(ctx context.Context, sessionID string, eventIDs []string, lastErr string) error {
	return s.transition(ctx, "release dispatched", sessionID, eventIDs,
		`UPDATE events SET ack_state = 'pending', last_error = ?
		 WHERE session_id = ? AND ack_state = 'dispatched' AND event_id IN (%s)`, lastErr)
}

// MarkAcknowledged records server confirmation. Acknowledged is terminal.
func (s *Store) MarkAcknowledged(ctx context.Context, sessionID string, eventIDs []string) error {
	return s.transition(ctx, "mark acknowledged", sessionID, eventIDs,
		`UPDATE events SET ack_state = 'acknowledged', last_error = ''
		 WHERE session_id = ? AND ack_state IN ('pending', 'dispatched') AND event_id IN (%s)`)
}

// MarkFailedPermanent parks events the server rejected as invalid and
// records a diagnostics row per event in the same transaction.
func (s *Store) MarkFailedPermanent(ctx context.Context, sessionID string, eventIDs []string, reason string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark failed permanent: begin tx: %w", err)
	}
	defer tx.Rollback()

	args := []any{reason, sessionID}
	for _, id := range eventIDs {
		args = append(args, id)
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE events SET ack_state = 'failed_permanent', last_error = ?
		WHERE session_id = ? AND ack_state IN ('pending', 'dispatched') AND event_id IN (%s)
	`, placeholders(len(eventIDs))), args...)
	if err != nil {
		return fmt.Errorf("mark failed permanent: %w", err)
	}

	now := toNanos(s.now())
	for _, id := range eventIDs {
		if err := insertDiagnostic(ctx, tx, Diagnostic{
			SessionID: sessionID,
			EventID:   id,
			Kind:      DiagnosticRejected,
			Message:   reason,
		}, now); err != nil {
			return fmt.Errorf("mark failed permanent: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark failed permanent: commit: %w", err)
	}
	return nil
}

// RecoverInFlight returns every dispatched event to pending. Run at startup:
// a dispatched event whose response was lost must be sent again.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET ack_state = 'pending'
		WHERE ack_state = 'dispatched'
	`)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover in-flight events: rows affected: %w", err)
	}
	return n, nil
}

// PruneAcknowledged deletes acknowledged events of sessions that are no
// longer open. Open sessions keep their full log for restore.
func (s *Store) PruneAcknowledged(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events
		WHERE ack_state = 'acknowledged'
		  AND session_id IN (SELECT session_id FROM sessions WHERE status NOT IN ('active', 'paused'))
	`)
	if err != nil {
		return 0, fmt.Errorf("prune acknowledged events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune acknowledged events: rows affected: %w", err)
	}
	return n, nil
}

// CountHeld returns how many events of the session inside the given
// ranges are still stored and not yet acknowledged.
func (s *Store) CountHeld(ctx context.Context, sessionID string, ranges []model.SeqRange) (int, error) {
	if len(ranges) == 0 {
		return 0, nil
	}
	clauses := make([]string, len(ranges))
	args := []any{sessionID}
	for i, r := range ranges {
		clauses[i] = "(client_seq BETWEEN ? AND ?)"
		args = append(args, r.From, r.To)
	}
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM events
		WHERE session_id = ? AND ack_state IN ('pending', 'dispatched') AND (%s)
	`, strings.Join(clauses, " OR "))

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count held events: %w", err)
	}
	return n, nil
}

// Stats counts stored events by ack state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ack_state, COUNT(*) FROM events GROUP BY ack_state
	`)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch model.AckState(state) {
		case model.AckPending:
			st.Pending = n
		case model.AckDispatched:
			st.Dispatched = n
		case model.AckAcknowledged:
			st.Acknowledged = n
		case model.AckFailedPermanent:
			st.FailedPermanent = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate stats: %w", err)
	}
	return st, nil
}

// transition runs a bulk ack-state update. The query must contain one %s
// for the event id placeholders; lead args precede the session id.
func (s *Store) transition(ctx context.Context, op, sessionID string, eventIDs []string, query string, lead ...any) error {
	if len(eventIDs) == 0 {
		return nil
	}
	args := append([]any{}, lead...)
	args = append(args, sessionID)
	for _, id := range eventIDs {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(query, placeholders(len(eventIDs))), args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

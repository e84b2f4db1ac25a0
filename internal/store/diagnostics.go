package store

import (
	"context"
	"fmt"
	"time"
)

// Diagnostic kinds.
const (
	DiagnosticRejected = "rejected"
	DiagnosticGap      = "gap"
	DiagnosticRestore  = "restore"
)

// Diagnostic is a local record of something an operator may need to see,
// such as a server rejection or a reported sequence gap.
type Diagnostic struct {
	ID        int64
	SessionID string
	EventID   string
	Kind      string
	Message   string
	CreatedAt time.Time
}

// AddDiagnostic appends a diagnostics row.
func (s *Store) AddDiagnostic(ctx context.Context, d Diagnostic) error {
	if err := insertDiagnostic(ctx, s.db, d, toNanos(s.now())); err != nil {
		return fmt.Errorf("add diagnostic: %w", err)
	}
	return nil
}

// Diagnostics returns diagnostics rows oldest first.
func (s *Store) Diagnostics(ctx context.Context) ([]Diagnostic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, event_id, kind, message, created_at
		FROM diagnostics
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query diagnostics: %w", err)
	}
	defer rows.Close()

	out := []Diagnostic{}
	for rows.Next() {
		var (
			d         Diagnostic
			createdAt int64
		)
		if err := rows.Scan(&d.ID, &d.SessionID, &d.EventID, &d.Kind, &d.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan diagnostic: %w", err)
		}
		d.CreatedAt = fromNanos(createdAt)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diagnostics: %w", err)
	}
	return out, nil
}

func insertDiagnostic(ctx context.Context, ex execer, d Diagnostic, now int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO diagnostics (session_id, event_id, kind, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, d.SessionID, d.EventID, d.Kind, d.Message, now)
	if err != nil {
		return fmt.Errorf("insert diagnostic: %w", err)
	}
	return nil
}

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/playsync/internal/model"
	"github.com/roach88/playsync/internal/telemetry"
)

// admit loads the batch's session, registering it on first sight.
//
// A new session for a child and game resolves against the open ones: a
// session from the same device is taken over, a stale one from another
// device is abandoned, and a live one from another device wins, in which
// case the new session is recorded as superseded.
func (s *Service) admit(ctx context.Context, q queryer, req ApplyRequest, events []model.Event, now time.Time) (serverSession, error) {
	sess, found, err := getSession(ctx, q, req.SessionID)
	if err != nil {
		return serverSession{}, fmt.Errorf("apply batch: %w", err)
	}
	if found {
		if sess.ChildID != req.Session.ChildID || sess.GameInstanceID != req.Session.GameInstanceID || sess.DeviceID != req.Session.DeviceID {
			v := &ValidationError{}
			v.add("", CodeSessionMismatch, "session %s is registered for another child, game or device", req.SessionID)
			return serverSession{}, v.orNil()
		}
		return sess, nil
	}

	startedAt := req.Session.StartedAt
	if startedAt.IsZero() {
		startedAt = events[0].CreatedAt
	}
	if startedAt.IsZero() {
		startedAt = now
	}
	sess = serverSession{
		SessionID:      req.SessionID,
		ChildID:        req.Session.ChildID,
		GameInstanceID: req.Session.GameInstanceID,
		DeviceID:       req.Session.DeviceID,
		Status:         model.StatusActive,
		StartedAt:      startedAt,
		LastSeenAt:     now,
	}

	others, err := openSessionsFor(ctx, q, sess.ChildID, sess.GameInstanceID)
	if err != nil {
		return serverSession{}, fmt.Errorf("apply batch: %w", err)
	}
	var winner *serverSession
	for i := range others {
		o := others[i]
		switch {
		case o.DeviceID == sess.DeviceID:
			o.Status = model.StatusEnded
			o.EndReason = model.EndTakeover
			slog.Info("session taken over",
				"session_id", o.SessionID,
				"by_session_id", sess.SessionID,
				"device_id", sess.DeviceID,
			)
		case now.Sub(o.LastSeenAt) >= s.abandonAfter:
			o.Status = model.StatusAbandoned
			o.EndReason = model.EndAbandoned
			telemetry.RecordAbandoned(1)
			slog.Info("stale session abandoned",
				"session_id", o.SessionID,
				"last_seen_at", o.LastSeenAt,
			)
		default:
			if winner == nil {
				winner = &others[i]
			}
			continue
		}
		if err := updateSession(ctx, q, o, &now); err != nil {
			return serverSession{}, fmt.Errorf("apply batch: %w", err)
		}
	}

	if winner != nil {
		sess.Status = model.StatusEnded
		sess.EndReason = model.EndSuperseded
		sess.SupersededBy = winner.SessionID
		slog.Warn("session superseded by another device",
			"session_id", sess.SessionID,
			"device_id", sess.DeviceID,
			"active_session_id", winner.SessionID,
			"active_device_id", winner.DeviceID,
		)
	}
	if err := insertSession(ctx, q, sess); err != nil {
		return serverSession{}, fmt.Errorf("apply batch: %w", err)
	}
	if winner != nil {
		if err := updateSession(ctx, q, sess, &now); err != nil {
			return serverSession{}, fmt.Errorf("apply batch: %w", err)
		}
	}
	return sess, nil
}

// SweepAbandoned marks open sessions with no batch for AbandonAfter as
// abandoned and returns how many changed.
func (s *Service) SweepAbandoned(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.abandonAfter)
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'abandoned', end_reason = 'abandoned', ended_at = COALESCE(ended_at, ?)
		WHERE status IN ('active', 'paused') AND last_seen_at <= ?
	`, toNanos(now), toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sweep abandoned sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep abandoned sessions: rows affected: %w", err)
	}
	if n > 0 {
		telemetry.RecordAbandoned(int(n))
		slog.Info("abandoned stale sessions", "count", n, "cutoff", cutoff)
	}
	return int(n), nil
}

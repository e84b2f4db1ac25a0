package reconcile

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/playsync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on sessions(last_seen_at) for the abandonment sweep
const currentSchemaVersion = 1

// DB is the authoritative server store.
type DB struct {
	db *sql.DB
}

// OpenDB creates or opens the server database at path. Write transactions
// take the database lock up front (BEGIN IMMEDIATE).
func OpenDB(path string) (*DB, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_txlock=immediate"
	} else {
		dsn += "?_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`
			CREATE INDEX IF NOT EXISTS idx_sessions_last_seen
			ON sessions(status, last_seen_at)
		`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// serverSession is the server's view of a device session.
type serverSession struct {
	SessionID      string
	ChildID        string
	GameInstanceID string
	DeviceID       string
	Status         model.SessionStatus
	EndReason      model.EndReason
	SupersededBy   string
	LastSeq        int64
	StartedAt      time.Time
	LastSeenAt     time.Time
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const sessionColumns = `session_id, child_id, game_instance_id, device_id, status, end_reason,
	superseded_by, last_seq, started_at, last_seen_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanServerSession(r scanner) (serverSession, error) {
	var (
		s                 serverSession
		status, reason    string
		started, lastSeen int64
	)
	if err := r.Scan(&s.SessionID, &s.ChildID, &s.GameInstanceID, &s.DeviceID, &status, &reason,
		&s.SupersededBy, &s.LastSeq, &started, &lastSeen); err != nil {
		return serverSession{}, err
	}
	s.Status = model.SessionStatus(status)
	s.EndReason = model.EndReason(reason)
	s.StartedAt = fromNanos(started)
	s.LastSeenAt = fromNanos(lastSeen)
	return s, nil
}

func getSession(ctx context.Context, q queryer, sessionID string) (serverSession, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	s, err := scanServerSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return serverSession{}, false, nil
	}
	if err != nil {
		return serverSession{}, false, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return s, true, nil
}

// openSessionsFor returns open sessions for a child and game, oldest first.
func openSessionsFor(ctx context.Context, q queryer, childID, gameInstanceID string) ([]serverSession, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE child_id = ? AND game_instance_id = ? AND status IN ('active', 'paused')
		ORDER BY started_at ASC, session_id ASC
	`, childID, gameInstanceID)
	if err != nil {
		return nil, fmt.Errorf("query open sessions: %w", err)
	}
	defer rows.Close()

	out := []serverSession{}
	for rows.Next() {
		s, err := scanServerSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func insertSession(ctx context.Context, q queryer, s serverSession) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sessions (session_id, child_id, game_instance_id, device_id, status, end_reason,
			superseded_by, last_seq, started_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.SessionID, s.ChildID, s.GameInstanceID, s.DeviceID, string(s.Status), string(s.EndReason),
		s.SupersededBy, s.LastSeq, toNanos(s.StartedAt), toNanos(s.LastSeenAt))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.SessionID, err)
	}
	return nil
}

func updateSession(ctx context.Context, q queryer, s serverSession, endedAt *time.Time) error {
	var ended sql.NullInt64
	if endedAt != nil {
		ended = sql.NullInt64{Int64: toNanos(*endedAt), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, end_reason = ?, superseded_by = ?, last_seq = ?, last_seen_at = ?,
			ended_at = COALESCE(ended_at, ?)
		WHERE session_id = ?
	`, string(s.Status), string(s.EndReason), s.SupersededBy, s.LastSeq, toNanos(s.LastSeenAt), ended, s.SessionID)
	if err != nil {
		return fmt.Errorf("update session %s: %w", s.SessionID, err)
	}
	return nil
}

// appliedIDs returns which of ids are already applied.
func appliedIDs(ctx context.Context, q queryer, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx,
		`SELECT event_id FROM applied_events WHERE event_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query applied events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan applied event: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// seqOwners maps client_seq to the event id stored at it for a session.
func seqOwners(ctx context.Context, q queryer, sessionID string, seqs []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(seqs))
	if len(seqs) == 0 {
		return out, nil
	}
	args := []any{sessionID}
	for _, s := range seqs {
		args = append(args, s)
	}
	rows, err := q.QueryContext(ctx,
		`SELECT client_seq, event_id FROM applied_events WHERE session_id = ? AND client_seq IN (`+placeholders(len(seqs))+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query sequence owners: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			seq int64
			id  string
		)
		if err := rows.Scan(&seq, &id); err != nil {
			return nil, fmt.Errorf("scan sequence owner: %w", err)
		}
		out[seq] = id
	}
	return out, rows.Err()
}

func insertApplied(ctx context.Context, q queryer, s serverSession, ev model.Event, batchKey string, now time.Time) error {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO applied_events (event_id, session_id, child_id, game_instance_id, client_seq,
			type, payload, created_at, applied_at, batch_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.EventID, s.SessionID, s.ChildID, s.GameInstanceID, ev.ClientSeq, string(ev.Type),
		string(payload), toNanos(ev.CreatedAt), toNanos(now), batchKey)
	if err != nil {
		return fmt.Errorf("insert applied event %s: %w", ev.EventID, err)
	}
	return nil
}

// appliedLog returns every applied event of a child and game in
// application order, with the batch key each arrived in.
func appliedLog(ctx context.Context, q queryer, childID, gameInstanceID string) ([]model.Event, []string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT event_id, session_id, client_seq, type, payload, created_at, batch_key
		FROM applied_events
		WHERE child_id = ? AND game_instance_id = ?
		ORDER BY apply_seq ASC
	`, childID, gameInstanceID)
	if err != nil {
		return nil, nil, fmt.Errorf("query applied log: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	keys := []string{}
	for rows.Next() {
		var (
			ev       model.Event
			typ, key string
			payload  string
			created  int64
		)
		if err := rows.Scan(&ev.EventID, &ev.SessionID, &ev.ClientSeq, &typ, &payload, &created, &key); err != nil {
			return nil, nil, fmt.Errorf("scan applied event: %w", err)
		}
		ev.Type = model.EventType(typ)
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt = fromNanos(created)
		events = append(events, ev)
		keys = append(keys, key)
	}
	return events, keys, rows.Err()
}

type storedBatch struct {
	Fingerprint string
	Response    model.BatchResponse
}

func getBatch(ctx context.Context, q queryer, key string) (storedBatch, bool, error) {
	var (
		b   storedBatch
		raw string
	)
	err := q.QueryRowContext(ctx,
		`SELECT fingerprint, response FROM batches WHERE idempotency_key = ?`, key).Scan(&b.Fingerprint, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return storedBatch{}, false, nil
	}
	if err != nil {
		return storedBatch{}, false, fmt.Errorf("load batch %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), &b.Response); err != nil {
		return storedBatch{}, false, fmt.Errorf("decode stored response %s: %w", key, err)
	}
	return b, true, nil
}

func insertBatch(ctx context.Context, q queryer, key, sessionID, fingerprint string, resp model.BatchResponse, now time.Time) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO batches (idempotency_key, session_id, fingerprint, response, applied_at)
		VALUES (?, ?, ?, ?, ?)
	`, key, sessionID, fingerprint, string(raw), toNanos(now))
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", key, err)
	}
	return nil
}

func getAggregate(ctx context.Context, q queryer, childID, gameInstanceID string) (model.Aggregate, bool, error) {
	var (
		agg          model.Aggregate
		achievements string
		updated      int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT total_score, currency_balance, achievements, interaction_count, sessions_completed,
			version, updated_at
		FROM aggregates WHERE child_id = ? AND game_instance_id = ?
	`, childID, gameInstanceID).Scan(&agg.TotalScore, &agg.CurrencyBalance, &achievements,
		&agg.InteractionCount, &agg.SessionsCompleted, &agg.Version, &updated)
	agg.ChildID = childID
	agg.GameInstanceID = gameInstanceID
	agg.Achievements = []string{}
	if errors.Is(err, sql.ErrNoRows) {
		return agg, false, nil
	}
	if err != nil {
		return model.Aggregate{}, false, fmt.Errorf("load aggregate: %w", err)
	}
	if err := json.Unmarshal([]byte(achievements), &agg.Achievements); err != nil {
		return model.Aggregate{}, false, fmt.Errorf("decode achievements: %w", err)
	}
	agg.UpdatedAt = fromNanos(updated)
	return agg, true, nil
}

// AggregateKey identifies one aggregate.
type AggregateKey struct {
	ChildID        string
	GameInstanceID string
}

func aggregateKeys(ctx context.Context, q queryer) ([]AggregateKey, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT child_id, game_instance_id FROM aggregates
		ORDER BY child_id, game_instance_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}
	defer rows.Close()

	keys := []AggregateKey{}
	for rows.Next() {
		var k AggregateKey
		if err := rows.Scan(&k.ChildID, &k.GameInstanceID); err != nil {
			return nil, fmt.Errorf("scan aggregate key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func putAggregate(ctx context.Context, q queryer, agg model.Aggregate) error {
	achievements := agg.Achievements
	if achievements == nil {
		achievements = []string{}
	}
	raw, err := json.Marshal(achievements)
	if err != nil {
		return fmt.Errorf("encode achievements: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO aggregates (child_id, game_instance_id, total_score, currency_balance, achievements,
			interaction_count, sessions_completed, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (child_id, game_instance_id) DO UPDATE SET
			total_score = excluded.total_score,
			currency_balance = excluded.currency_balance,
			achievements = excluded.achievements,
			interaction_count = excluded.interaction_count,
			sessions_completed = excluded.sessions_completed,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, agg.ChildID, agg.GameInstanceID, agg.TotalScore, agg.CurrencyBalance, string(raw),
		agg.InteractionCount, agg.SessionsCompleted, agg.Version, toNanos(agg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store aggregate: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/playsync/internal/analytics"
	"github.com/roach88/playsync/internal/model"
	"github.com/roach88/playsync/internal/telemetry"
)

// DefaultAbandonAfter is how long a session may go without a batch before
// it counts as abandoned.
const DefaultAbandonAfter = 30 * time.Minute

// Service is the authoritative reconciliation service.
type Service struct {
	db           *DB
	schemas      *payloadSchemas
	folder       folder
	now          func() time.Time
	abandonAfter time.Duration
	publisher    analytics.Publisher
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the server clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithAbandonAfter sets the heartbeat timeout.
func WithAbandonAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.abandonAfter = d
		}
	}
}

// WithRules replaces the achievement table.
func WithRules(rules []Rule) Option {
	return func(s *Service) {
		s.folder = folder{rules: rules}
	}
}

// WithPublisher sets where aggregate deltas go after commit. Pass an
// *analytics.Async to keep publication off the request path.
func WithPublisher(p analytics.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// NewService creates a service over db.
func NewService(db *DB, opts ...Option) (*Service, error) {
	schemas, err := newPayloadSchemas()
	if err != nil {
		return nil, err
	}
	s := &Service{
		db:           db,
		schemas:      schemas,
		folder:       folder{rules: DefaultRules()},
		now:          time.Now,
		abandonAfter: DefaultAbandonAfter,
		publisher:    analytics.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping verifies the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Aggregate returns the current aggregate for a child and game. An unknown
// pair yields a zero aggregate and found=false.
func (s *Service) Aggregate(ctx context.Context, childID, gameInstanceID string) (model.Aggregate, bool, error) {
	return getAggregate(ctx, s.db.db, childID, gameInstanceID)
}

type applyResult struct {
	resp      model.BatchResponse
	previous  model.Aggregate
	applied   []model.Event
	duplicate bool
}

// Apply validates and folds one batch in a single transaction.
//
// A key that was already applied returns the stored response with
// Duplicate set. The same key with different events returns ErrKeyReuse.
// Any validation failure returns a *ValidationError and applies nothing.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (model.BatchResponse, error) {
	started := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "reconcile.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("idempotency_key", req.IdempotencyKey),
		attribute.Int("events", len(req.Events)),
	)

	res, err := s.apply(ctx, req)
	result := resultLabel(res, err)
	telemetry.RecordApply(result, time.Since(started))
	span.SetAttributes(attribute.String("result", result))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		slog.Warn("batch not applied",
			"session_id", req.SessionID,
			"idempotency_key", req.IdempotencyKey,
			"result", result,
			"error", err,
		)
		return model.BatchResponse{}, err
	}

	if res.duplicate {
		slog.Info("duplicate batch",
			"session_id", req.SessionID,
			"idempotency_key", req.IdempotencyKey,
		)
		return res.resp, nil
	}

	slog.Info("batch applied",
		"session_id", req.SessionID,
		"idempotency_key", req.IdempotencyKey,
		"applied", len(res.applied),
		"version", res.resp.Aggregate.Version,
		"gap_detected", res.resp.GapDetected,
		"superseded", res.resp.Superseded,
	)
	if res.resp.GapDetected {
		telemetry.RecordGap()
	}
	if len(res.applied) > 0 {
		s.publish(ctx, req.SessionID, res)
	}
	return res.resp, nil
}

func resultLabel(res applyResult, err error) string {
	switch {
	case err == nil && res.duplicate:
		return "duplicate"
	case err == nil:
		return "applied"
	case IsValidationError(err):
		return "rejected"
	case errors.Is(err, ErrKeyReuse):
		return "key_reuse"
	default:
		return "error"
	}
}

func (s *Service) apply(ctx context.Context, req ApplyRequest) (applyResult, error) {
	if v := validateRequest(req, s.schemas).orNil(); v != nil {
		return applyResult{}, v
	}
	events := req.sortedEvents()
	fingerprint, err := model.Fingerprint(events)
	if err != nil {
		return applyResult{}, fmt.Errorf("apply batch: %w", err)
	}

	// _txlock=immediate: BeginTx issues BEGIN IMMEDIATE.
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return applyResult{}, fmt.Errorf("apply batch: begin: %w", err)
	}
	defer tx.Rollback()

	stored, found, err := getBatch(ctx, tx, req.IdempotencyKey)
	if err != nil {
		return applyResult{}, fmt.Errorf("apply batch: %w", err)
	}
	if found {
		if stored.Fingerprint != fingerprint {
			return applyResult{}, fmt.Errorf("apply batch %s: %w", req.IdempotencyKey, ErrKeyReuse)
		}
		resp := stored.Response
		resp.Duplicate = true
		return applyResult{resp: resp, duplicate: true}, nil
	}

	now := s.now()
	sess, err := s.admit(ctx, tx, req, events, now)
	if err != nil {
		return applyResult{}, err
	}

	fresh, err := s.freshEvents(ctx, tx, sess, events)
	if err != nil {
		return applyResult{}, err
	}

	prev, _, err := getAggregate(ctx, tx, sess.ChildID, sess.GameInstanceID)
	if err != nil {
		return applyResult{}, fmt.Errorf("apply batch: %w", err)
	}
	agg := prev.Clone()
	v := &ValidationError{}
	for _, ev := range fresh {
		if ferr := s.folder.apply(&agg, ev); ferr != nil {
			v.add(ferr.EventID, ferr.Code, "%s", ferr.Message)
		}
	}
	if err := v.orNil(); err != nil {
		return applyResult{}, err
	}

	gaps := detectGaps(sess.LastSeq, fresh)
	var endedAt *time.Time
	for _, ev := range fresh {
		if err := insertApplied(ctx, tx, sess, ev, req.IdempotencyKey, now); err != nil {
			return applyResult{}, fmt.Errorf("apply batch: %w", err)
		}
		if ev.ClientSeq > sess.LastSeq {
			sess.LastSeq = ev.ClientSeq
		}
		if transitionOnEvent(&sess, ev) {
			endedAt = &now
		}
	}
	sess.LastSeenAt = now
	if err := updateSession(ctx, tx, sess, endedAt); err != nil {
		return applyResult{}, fmt.Errorf("apply batch: %w", err)
	}

	if len(fresh) > 0 {
		agg.Version++
		agg.UpdatedAt = now
		if err := putAggregate(ctx, tx, agg); err != nil {
			return applyResult{}, fmt.Errorf("apply batch: %w", err)
		}
	}

	accepted := make([]string, len(events))
	for i, ev := range events {
		accepted[i] = ev.EventID
	}
	resp := model.BatchResponse{
		Aggregate:        agg,
		AcceptedEventIDs: accepted,
		GapDetected:      len(gaps) > 0,
		Gaps:             gaps,
		Superseded:       sess.EndReason == model.EndSuperseded,
		ActiveSessionID:  sess.SupersededBy,
	}
	if err := insertBatch(ctx, tx, req.IdempotencyKey, req.SessionID, fingerprint, resp, now); err != nil {
		return applyResult{}, fmt.Errorf("apply batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return applyResult{}, fmt.Errorf("apply batch: commit: %w", err)
	}
	return applyResult{resp: resp, previous: prev, applied: fresh}, nil
}

// freshEvents drops events already applied and rejects sequence conflicts.
func (s *Service) freshEvents(ctx context.Context, q queryer, sess serverSession, events []model.Event) ([]model.Event, error) {
	ids := make([]string, len(events))
	seqs := make([]int64, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
		seqs[i] = ev.ClientSeq
	}
	applied, err := appliedIDs(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("apply batch: %w", err)
	}
	owners, err := seqOwners(ctx, q, sess.SessionID, seqs)
	if err != nil {
		return nil, fmt.Errorf("apply batch: %w", err)
	}

	v := &ValidationError{}
	fresh := []model.Event{}
	for _, ev := range events {
		owner, taken := owners[ev.ClientSeq]
		switch {
		case applied[ev.EventID] && owner != ev.EventID:
			v.add(ev.EventID, CodeSeqConflict, "eventId was already applied at another position")
		case applied[ev.EventID]:
			// Event-level dedupe: re-batched retries skip what is already in.
		case taken:
			v.add(ev.EventID, CodeSeqConflict, "clientSeq %d already holds event %s", ev.ClientSeq, owner)
		default:
			fresh = append(fresh, ev)
		}
	}
	if err := v.orNil(); err != nil {
		return nil, err
	}
	return fresh, nil
}

// detectGaps reports missing ranges between the last applied seq and the
// new events, and holes inside the batch. Events at or below lastSeq are
// backfill and never open a gap.
func detectGaps(lastSeq int64, fresh []model.Event) []model.SeqRange {
	gaps := []model.SeqRange{}
	expect := lastSeq + 1
	for _, ev := range fresh {
		if ev.ClientSeq <= lastSeq {
			continue
		}
		if ev.ClientSeq > expect {
			gaps = append(gaps, model.SeqRange{From: expect, To: ev.ClientSeq - 1})
		}
		expect = ev.ClientSeq + 1
	}
	if len(gaps) == 0 {
		return nil
	}
	return gaps
}

// transitionOnEvent applies lifecycle events to an open session. Reports
// whether the session ended. A session_end carries its own reason; a
// missing reason means the player finished.
func transitionOnEvent(sess *serverSession, ev model.Event) bool {
	if !sess.Status.Open() {
		return false
	}
	switch ev.Type {
	case model.EventSessionPaused:
		sess.Status = model.StatusPaused
	case model.EventSessionResumed:
		sess.Status = model.StatusActive
	case model.EventSessionEnd:
		var p model.SessionEndPayload
		_ = ev.DecodePayload(&p)
		sess.Status = model.StatusEnded
		sess.EndReason = model.EndCompleted
		if !p.Completed() {
			sess.EndReason = p.Reason
		}
		return true
	}
	return false
}

func (s *Service) publish(ctx context.Context, sessionID string, res applyResult) {
	agg := res.resp.Aggregate
	var duration time.Duration
	for _, ev := range res.applied {
		if ev.Type != model.EventSessionEnd {
			continue
		}
		var p model.SessionEndPayload
		if ev.DecodePayload(&p) == nil {
			duration = time.Duration(p.DurationMs) * time.Millisecond
		}
	}
	d := analytics.Delta{
		ChildID:         agg.ChildID,
		GameInstanceID:  agg.GameInstanceID,
		SessionID:       sessionID,
		Duration:        duration,
		ScoreDelta:      agg.TotalScore - res.previous.TotalScore,
		CurrencyDelta:   agg.CurrencyBalance - res.previous.CurrencyBalance,
		NewAchievements: newAchievements(res.previous, agg),
		EventsApplied:   len(res.applied),
		Version:         agg.Version,
		OccurredAt:      agg.UpdatedAt,
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), d); err != nil {
		slog.Warn("publish aggregate delta failed", "session_id", sessionID, "error", err)
	}
}

func newAchievements(prev, cur model.Aggregate) []string {
	out := []string{}
	for _, id := range cur.Achievements {
		if !prev.HasAchievement(id) {
			out = append(out, id)
		}
	}
	return out
}

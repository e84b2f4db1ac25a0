package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/playsync/internal/model"
	"github.com/roach88/playsync/internal/store"
	"github.com/roach88/playsync/internal/telemetry"
)

// Outbox is the slice of the durable store the dispatcher drains.
// Implemented by *store.Store.
type Outbox interface {
	SessionsWithPending(ctx context.Context) ([]string, error)
	LoadSession(ctx context.Context, sessionID string) (model.Session, error)
	PendingEvents(ctx context.Context, sessionID string, limit int) ([]model.Event, error)
	MarkDispatched(ctx context.Context, sessionID string, eventIDs []string) error
	ReleaseDispatched(ctx context.Context, sessionID string, eventIDs []string, lastErr string) error
	MarkAcknowledged(ctx context.Context, sessionID string, eventIDs []string) error
	MarkFailedPermanent(ctx context.Context, sessionID string, eventIDs []string, reason string) error
	PruneAcknowledged(ctx context.Context) (int64, error)
	RecoverInFlight(ctx context.Context) (int64, error)
	CountHeld(ctx context.Context, sessionID string, ranges []model.SeqRange) (int, error)
	AddDiagnostic(ctx context.Context, d store.Diagnostic) error
	Stats(ctx context.Context) (store.Stats, error)
}

// Resolver receives every successful response.
type Resolver interface {
	Resolve(ctx context.Context, sessionID string, resp model.BatchResponse) error
}

// Config tunes batching, retry and rate limiting.
type Config struct {
	BatchSize        int           `yaml:"batch_size" env:"BATCH_SIZE"`
	FlushInterval    time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	RequestTimeout   time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	PollInterval     time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	Backoff          BackoffPolicy `yaml:"backoff" envPrefix:"BACKOFF_"`
	BreakerThreshold int           `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	SendsPerSecond   float64       `yaml:"sends_per_second" env:"SENDS_PER_SECOND"`
	Burst            int           `yaml:"burst" env:"BURST"`
	RetentionCap     int           `yaml:"retention_cap" env:"RETENTION_CAP"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:        50,
		FlushInterval:    5 * time.Second,
		RequestTimeout:   10 * time.Second,
		PollInterval:     time.Second,
		Backoff:          DefaultBackoffPolicy(),
		BreakerThreshold: 3,
		SendsPerSecond:   10,
		Burst:            5,
		RetentionCap:     10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	c.Backoff = c.Backoff.withDefaults()
	return c
}

// Status is the user-facing sync summary.
type Status struct {
	Pending     int
	InFlight    int
	Failed      int
	Workers     int
	BreakerOpen bool
	// SyncNeeded is set when unacknowledged events exceed the retention cap.
	// Nothing is dropped; the user is asked to connect.
	SyncNeeded bool
	// DataLoss is set when some events were permanently rejected.
	DataLoss bool
}

// Report summarises a SyncOnce pass.
type Report struct {
	Batches      int
	Acknowledged int
	Rejected     int
	Superseded   []string
	LastError    string
}

type outcome int

const (
	outcomeAcked outcome = iota
	outcomeNotDelivered
	outcomeAmbiguous
	outcomeRejected
	outcomeAborted
)

func (o outcome) String() string {
	switch o {
	case outcomeAcked:
		return "acknowledged"
	case outcomeNotDelivered:
		return "not_delivered"
	case outcomeAmbiguous:
		return "transient"
	case outcomeRejected:
		return "rejected"
	default:
		return "aborted"
	}
}

// Dispatcher drains pending events per session and delivers them in
// clientSeq order.
//
// Each session with pending events gets its own worker goroutine, so a slow
// or failing session never blocks another. Within a session at most one
// batch is outstanding at a time.
type Dispatcher struct {
	outbox   Outbox
	endpoint SyncEndpoint
	resolver Resolver
	cfg      Config
	ids      model.IDGenerator
	now      func() time.Time

	limiter *rate.Limiter
	breaker *breaker
	wake    chan struct{}

	mu       sync.Mutex
	workers  map[string]*worker
	flushReq map[string]uint64
}

type worker struct {
	sessionID string
	signal    chan struct{} // buffered, size 1
}

func (w *worker) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the wall clock used for batch age and the breaker.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithIDGenerator overrides batch id generation.
func WithIDGenerator(gen model.IDGenerator) Option {
	return func(d *Dispatcher) {
		d.ids = gen
	}
}

// New creates a dispatcher. The endpoint is fixed for its lifetime.
func New(outbox Outbox, endpoint SyncEndpoint, resolver Resolver, cfg Config, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.SendsPerSecond > 0 {
		limit = rate.Limit(cfg.SendsPerSecond)
	}
	d := &Dispatcher{
		outbox:   outbox,
		endpoint: endpoint,
		resolver: resolver,
		cfg:      cfg,
		ids:      model.UUIDv7Generator{},
		now:      time.Now,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		breaker:  newBreaker(cfg.BreakerThreshold, cfg.Backoff),
		wake:     make(chan struct{}, 1),
		workers:  make(map[string]*worker),
		flushReq: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Flush asks for a session's pending events to be sent without waiting for
// the batch to fill or age. It never blocks.
func (d *Dispatcher) Flush(sessionID string) {
	d.mu.Lock()
	d.flushReq[sessionID]++
	w := d.workers[sessionID]
	d.mu.Unlock()

	if w != nil {
		w.notify()
		return
	}
	d.signalWake()
}

// Nudge closes the breaker and wakes every worker. Call it when the
// platform reports connectivity restored.
func (d *Dispatcher) Nudge() {
	d.breaker.reset()
	d.mu.Lock()
	for _, w := range d.workers {
		w.notify()
	}
	d.mu.Unlock()
	d.signalWake()
}

// Status reports pending and failed counts and the breaker state.
func (d *Dispatcher) Status(ctx context.Context) (Status, error) {
	st, err := d.outbox.Stats(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("dispatch status: %w", err)
	}
	d.mu.Lock()
	workers := len(d.workers)
	d.mu.Unlock()

	return Status{
		Pending:     st.Pending,
		InFlight:    st.Dispatched,
		Failed:      st.FailedPermanent,
		Workers:     workers,
		BreakerOpen: d.breaker.open(d.now()),
		SyncNeeded:  d.cfg.RetentionCap > 0 && st.Unacknowledged() > d.cfg.RetentionCap,
		DataLoss:    st.FailedPermanent > 0,
	}, nil
}

// Run drains the outbox until ctx is cancelled. It first returns events a
// previous process left in flight to pending.
func (d *Dispatcher) Run(ctx context.Context) error {
	if n, err := d.outbox.RecoverInFlight(ctx); err != nil {
		return fmt.Errorf("dispatch run: %w", err)
	} else if n > 0 {
		slog.Info("recovered in-flight events", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := d.scan(gctx, g); err != nil {
			slog.Warn("scan for pending sessions failed", "error", err)
		}
		select {
		case <-gctx.Done():
			if err := g.Wait(); err != nil {
				return err
			}
			return ctx.Err()
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// SyncOnce sends every pending event once, without waiting for batches to
// fill or age and without backoff. It stops at the first connectivity
// failure. Used by one-shot CLI syncs.
func (d *Dispatcher) SyncOnce(ctx context.Context) (Report, error) {
	var report Report
	if _, err := d.outbox.RecoverInFlight(ctx); err != nil {
		return report, fmt.Errorf("sync once: %w", err)
	}
	flushed := d.flushSnapshot()
	sessions, err := d.outbox.SessionsWithPending(ctx)
	if err != nil {
		return report, fmt.Errorf("sync once: %w", err)
	}
	d.dropIdleFlushes(flushed, sessions)

	for _, sessionID := range sessions {
		for {
			batch, _, err := d.buildBatch(ctx, sessionID, true)
			if err != nil {
				return report, fmt.Errorf("sync once: %w", err)
			}
			if batch == nil {
				break
			}
			report.Batches++
			out, resp, sendErr := d.send(ctx, *batch, true)
			switch out {
			case outcomeAcked:
				report.Acknowledged += len(batch.Events)
				if resp.Superseded {
					report.Superseded = append(report.Superseded, sessionID)
				}
				continue
			case outcomeRejected:
				report.Rejected++
				continue
			case outcomeAmbiguous:
				d.release(ctx, *batch, sendErr)
			}
			if sendErr != nil {
				report.LastError = sendErr.Error()
			}
			if out == outcomeAborted {
				return report, ctx.Err()
			}
			return report, sendErr
		}
	}
	return report, nil
}

func (d *Dispatcher) scan(ctx context.Context, g *errgroup.Group) error {
	st, err := d.outbox.Stats(ctx)
	if err == nil {
		telemetry.SetPendingEvents(st.Unacknowledged())
	}

	flushed := d.flushSnapshot()
	ids, err := d.outbox.SessionsWithPending(ctx)
	if err != nil {
		return err
	}
	d.dropIdleFlushes(flushed, ids)
	for _, id := range ids {
		d.mu.Lock()
		if _, running := d.workers[id]; running {
			d.mu.Unlock()
			continue
		}
		w := &worker{sessionID: id, signal: make(chan struct{}, 1)}
		d.workers[id] = w
		d.mu.Unlock()

		g.Go(func() error {
			d.runSession(ctx, w)
			return nil
		})
	}
	return nil
}

// runSession is one session's outbound queue. It exits when the session has
// nothing pending.
func (d *Dispatcher) runSession(ctx context.Context, w *worker) {
	defer d.removeWorker(w)

	bo := d.cfg.Backoff.NewBackOff()
	var retry *model.Batch

	for {
		if ctx.Err() != nil {
			if retry != nil {
				d.release(context.WithoutCancel(ctx), *retry, ctx.Err())
			}
			return
		}

		batch := retry
		if batch == nil {
			gen := d.flushGen(w.sessionID)
			b, wait, err := d.buildBatch(ctx, w.sessionID, gen > 0)
			if err != nil {
				slog.Error("build batch failed", "session_id", w.sessionID, "error", err)
				d.sleep(ctx, w, bo.NextBackOff())
				continue
			}
			if b == nil && wait == 0 {
				if d.finish(w, gen) {
					return
				}
				continue
			}
			if b == nil {
				d.sleep(ctx, w, wait)
				continue
			}
			batch = b
		}

		// A fresh batch dropped here was never marked dispatched and is
		// rebuilt after the wait.
		if wait := d.breaker.allow(d.now()); wait > 0 {
			d.sleep(ctx, w, wait)
			continue
		}

		out, _, err := d.send(ctx, *batch, retry == nil)
		switch out {
		case outcomeAcked, outcomeRejected:
			bo.Reset()
			retry = nil
		case outcomeNotDelivered, outcomeAborted:
			retry = nil
			d.sleep(ctx, w, bo.NextBackOff())
		case outcomeAmbiguous:
			retry = batch
			wait := bo.NextBackOff()
			slog.Warn("batch outcome unknown, resending identical batch",
				"session_id", w.sessionID,
				"idempotency_key", batch.IdempotencyKey,
				"retry_in", wait,
				"error", err,
			)
			d.sleep(ctx, w, wait)
		}
	}
}

// buildBatch reads the next batch for a session. With no batch ready it
// returns the time until the oldest pending event ages out; (nil, 0) means
// nothing is pending.
func (d *Dispatcher) buildBatch(ctx context.Context, sessionID string, force bool) (*model.Batch, time.Duration, error) {
	events, err := d.outbox.PendingEvents(ctx, sessionID, d.cfg.BatchSize)
	if err != nil {
		return nil, 0, fmt.Errorf("read pending events: %w", err)
	}
	if len(events) == 0 {
		return nil, 0, nil
	}
	if !force && len(events) < d.cfg.BatchSize {
		age := d.now().Sub(events[0].CreatedAt)
		if age < d.cfg.FlushInterval {
			return nil, d.cfg.FlushInterval - age, nil
		}
	}

	sess, err := d.outbox.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, 0, fmt.Errorf("load session: %w", err)
	}
	batch, err := model.NewBatch(d.ids.Generate(), sessionID, sess.Descriptor(), events)
	if err != nil {
		return nil, 0, err
	}
	return &batch, 0, nil
}

// send delivers one batch and applies the outcome to the outbox and the
// breaker. fresh batches are marked dispatched first; a resent batch
// already is.
func (d *Dispatcher) send(ctx context.Context, batch model.Batch, fresh bool) (out outcome, resp model.BatchResponse, err error) {
	defer func() { d.breaker.record(out, d.now()) }()

	ids := batch.EventIDs()
	if fresh {
		if err := d.outbox.MarkDispatched(ctx, batch.SessionID, ids); err != nil {
			return outcomeAborted, model.BatchResponse{}, fmt.Errorf("mark dispatched: %w", err)
		}
	}
	if err := d.limiter.Wait(ctx); err != nil {
		d.release(context.WithoutCancel(ctx), batch, err)
		return outcomeAborted, model.BatchResponse{}, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "dispatch.send_batch")
	span.SetAttributes(
		attribute.String("session_id", batch.SessionID),
		attribute.String("idempotency_key", batch.IdempotencyKey),
		attribute.Int64("min_seq", batch.MinSeq()),
		attribute.Int64("max_seq", batch.MaxSeq()),
		attribute.Int("events", len(batch.Events)),
	)
	defer span.End()

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	started := time.Now()
	resp, err = d.endpoint.SendBatch(sendCtx, batch.SessionID, batch.Request())
	cancel()

	out = classify(err)
	if out == outcomeAmbiguous && ctx.Err() != nil {
		out = outcomeAborted
	}
	telemetry.RecordBatchSend(out.String(), time.Since(started))
	span.SetAttributes(attribute.String("outcome", out.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, out.String())
	}

	// Outbox updates below must land even if ctx was cancelled mid-send.
	bg := context.WithoutCancel(ctx)
	switch out {
	case outcomeAcked:
		if err := d.acknowledge(bg, batch, resp); err != nil {
			slog.Error("acknowledge batch failed",
				"session_id", batch.SessionID,
				"idempotency_key", batch.IdempotencyKey,
				"error", err,
			)
		}
		return out, resp, nil

	case outcomeNotDelivered:
		d.release(bg, batch, err)
		slog.Debug("batch not delivered",
			"session_id", batch.SessionID,
			"error", err,
		)
		return out, resp, err

	case outcomeRejected:
		var rejected *RejectedError
		errors.As(err, &rejected)
		d.reject(bg, batch, rejected)
		return out, resp, err

	case outcomeAborted:
		d.release(bg, batch, err)
		return out, resp, err

	default:
		return out, resp, err
	}
}

func classify(err error) outcome {
	if err == nil {
		return outcomeAcked
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return outcomeRejected
	}
	var transient *TransientError
	if errors.As(err, &transient) && !transient.Delivered {
		return outcomeNotDelivered
	}
	return outcomeAmbiguous
}

func (d *Dispatcher) acknowledge(ctx context.Context, batch model.Batch, resp model.BatchResponse) error {
	if err := d.outbox.MarkAcknowledged(ctx, batch.SessionID, batch.EventIDs()); err != nil {
		return err
	}
	slog.Debug("batch acknowledged",
		"session_id", batch.SessionID,
		"idempotency_key", batch.IdempotencyKey,
		"min_seq", batch.MinSeq(),
		"max_seq", batch.MaxSeq(),
		"duplicate", resp.Duplicate,
	)

	if resp.GapDetected {
		d.handleGap(ctx, batch.SessionID, resp.Gaps)
	}
	if d.resolver != nil {
		if err := d.resolver.Resolve(ctx, batch.SessionID, resp); err != nil {
			slog.Warn("resolve response failed", "session_id", batch.SessionID, "error", err)
		}
	}
	if _, err := d.outbox.PruneAcknowledged(ctx); err != nil {
		slog.Warn("prune acknowledged events failed", "error", err)
	}
	return nil
}

// handleGap backfills events the server reported missing if this device
// still holds them; otherwise the gap is accepted and recorded.
func (d *Dispatcher) handleGap(ctx context.Context, sessionID string, gaps []model.SeqRange) {
	held, err := d.outbox.CountHeld(ctx, sessionID, gaps)
	if err != nil {
		slog.Warn("count held gap events failed", "session_id", sessionID, "error", err)
		return
	}
	if held > 0 {
		slog.Info("sequence gap reported, backfilling held events",
			"session_id", sessionID,
			"gaps", gaps,
			"held", held,
		)
		d.Flush(sessionID)
		return
	}
	slog.Warn("sequence gap accepted", "session_id", sessionID, "gaps", gaps)
	if err := d.outbox.AddDiagnostic(ctx, store.Diagnostic{
		SessionID: sessionID,
		Kind:      store.DiagnosticGap,
		Message:   fmt.Sprintf("server reported missing ranges %v", gaps),
	}); err != nil {
		slog.Warn("record gap diagnostic failed", "session_id", sessionID, "error", err)
	}
}

// reject parks the offending events and returns the rest to pending.
// With no ids listed the whole batch is rejected.
func (d *Dispatcher) reject(ctx context.Context, batch model.Batch, rejected *RejectedError) {
	all := batch.EventIDs()
	listed := make(map[string]bool)
	if rejected != nil {
		for _, id := range rejected.RejectedEventIDs {
			listed[id] = true
		}
	}

	var bad, rest []string
	for _, id := range all {
		if len(listed) == 0 || listed[id] {
			bad = append(bad, id)
		} else {
			rest = append(rest, id)
		}
	}
	// Listed ids that are not in the batch: reject the whole batch.
	if len(bad) == 0 {
		bad, rest = all, nil
	}

	reason := "rejected"
	if rejected != nil {
		reason = rejected.Error()
	}
	if err := d.outbox.MarkFailedPermanent(ctx, batch.SessionID, bad, reason); err != nil {
		slog.Error("mark failed permanent failed", "session_id", batch.SessionID, "error", err)
	}
	if len(rest) > 0 {
		if err := d.outbox.ReleaseDispatched(ctx, batch.SessionID, rest, "batch contained rejected events"); err != nil {
			slog.Error("release dispatched failed", "session_id", batch.SessionID, "error", err)
		}
	}
	slog.Warn("events rejected permanently",
		"session_id", batch.SessionID,
		"idempotency_key", batch.IdempotencyKey,
		"rejected", len(bad),
		"released", len(rest),
		"reason", reason,
	)
}

func (d *Dispatcher) release(ctx context.Context, batch model.Batch, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := d.outbox.ReleaseDispatched(ctx, batch.SessionID, batch.EventIDs(), msg); err != nil {
		slog.Error("release dispatched failed", "session_id", batch.SessionID, "error", err)
	}
}

// sleep waits for d, a worker signal, or cancellation. Reports false if
// woken early.
func (d *Dispatcher) sleep(ctx context.Context, w *worker, wait time.Duration) bool {
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.signal:
		return false
	case <-timer.C:
		return true
	}
}

// flushGen returns the session's flush request counter; zero means none.
func (d *Dispatcher) flushGen(sessionID string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushReq[sessionID]
}

// finish retires an idle worker unless a flush arrived since gen was read,
// in which case new events may have been appended and the worker goes on.
func (d *Dispatcher) finish(w *worker, gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.flushReq[w.sessionID] != gen {
		return false
	}
	delete(d.flushReq, w.sessionID)
	if d.workers[w.sessionID] == w {
		delete(d.workers, w.sessionID)
	}
	return true
}

func (d *Dispatcher) flushSnapshot() map[string]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.flushReq)
}

// dropIdleFlushes forgets flush requests, seen in snapshot, for sessions
// that have no worker and nothing pending. A request that arrived after the
// snapshot is kept.
func (d *Dispatcher) dropIdleFlushes(snapshot map[string]uint64, pending []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, gen := range snapshot {
		if _, running := d.workers[id]; running || slices.Contains(pending, id) {
			continue
		}
		if d.flushReq[id] == gen {
			delete(d.flushReq, id)
		}
	}
}

func (d *Dispatcher) removeWorker(w *worker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.workers[w.sessionID] == w {
		delete(d.workers, w.sessionID)
	}
}

func (d *Dispatcher) signalWake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

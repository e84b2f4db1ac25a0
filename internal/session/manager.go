package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/playsync/internal/model"
	"github.com/roach88/playsync/internal/store"
	"github.com/roach88/playsync/internal/telemetry"
)

// Log is the durable store the manager writes through.
// Implemented by *store.Store.
type Log interface {
	CreateSession(ctx context.Context, sess model.Session, start model.Event) error
	Append(ctx context.Context, ev model.Event, tr *store.Transition) error
	SetSessionStatus(ctx context.Context, sessionID string, tr store.Transition) error
	LoadSession(ctx context.Context, sessionID string) (model.Session, error)
	OpenSessions(ctx context.Context) ([]model.Session, error)
	Events(ctx context.Context, sessionID string) ([]store.Record, error)
}

// Flusher is asked to send a session's outstanding events promptly.
// Flush must not block.
type Flusher interface {
	Flush(sessionID string)
}

// Manager owns every session started or restored on this device.
//
// Thread-safety: all methods are safe for concurrent use. Recording into one
// session is serialised by that session's mutex; different sessions record
// in parallel.
type Manager struct {
	log Log
	ids model.IDGenerator
	now func() time.Time

	startMu sync.Mutex // serialises Start and Restore

	mu       sync.Mutex
	sessions map[string]*handle
	active   map[pairKey]string
	flusher  Flusher
}

type pairKey struct {
	childID        string
	gameInstanceID string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock used for createdAt and elapsed time.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator overrides session and event id generation.
func WithIDGenerator(gen model.IDGenerator) Option {
	return func(m *Manager) {
		m.ids = gen
	}
}

// WithFlusher sets the flusher notified when a session ends.
func WithFlusher(f Flusher) Option {
	return func(m *Manager) {
		m.flusher = f
	}
}

// NewManager creates a manager over the given log.
func NewManager(log Log, opts ...Option) *Manager {
	m := &Manager{
		log:      log,
		ids:      model.UUIDv7Generator{},
		now:      time.Now,
		sessions: make(map[string]*handle),
		active:   make(map[pairKey]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetFlusher sets the flusher after construction. The dispatcher is usually
// built after the manager.
func (m *Manager) SetFlusher(f Flusher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flusher = f
}

// Start begins a new session and writes its session_start marker.
//
// If this device already has an open session for the same child and game
// instance, that session is ended first with reason takeover.
func (m *Manager) Start(ctx context.Context, childID, gameInstanceID, deviceID string) (State, error) {
	if childID == "" || gameInstanceID == "" || deviceID == "" {
		return State{}, fmt.Errorf("start session: child, game instance and device ids are required: %w", ErrInvalidInteraction)
	}

	m.startMu.Lock()
	defer m.startMu.Unlock()

	key := pairKey{childID: childID, gameInstanceID: gameInstanceID}
	m.mu.Lock()
	prior, hasPrior := m.active[key]
	m.mu.Unlock()
	if hasPrior {
		slog.Warn("session conflict, ending prior session",
			"prior_session_id", prior,
			"child_id", childID,
			"game_instance_id", gameInstanceID,
		)
		if err := m.takeover(ctx, prior); err != nil {
			return State{}, err
		}
	}

	now := m.now()
	sessionID := m.ids.Generate()
	sess := model.Session{
		SessionID:      sessionID,
		ChildID:        childID,
		GameInstanceID: gameInstanceID,
		DeviceID:       deviceID,
		StartedAt:      now,
		Status:         model.StatusActive,
	}
	payload, err := json.Marshal(model.SessionStartPayload{
		ChildID:        childID,
		GameInstanceID: gameInstanceID,
		DeviceID:       deviceID,
	})
	if err != nil {
		return State{}, fmt.Errorf("start session: marshal payload: %w", err)
	}
	start := model.Event{
		EventID:   m.ids.Generate(),
		SessionID: sessionID,
		ClientSeq: 1,
		Type:      model.EventSessionStart,
		Payload:   payload,
		CreatedAt: now,
	}
	if err := m.log.CreateSession(ctx, sess, start); err != nil {
		return State{}, &PersistenceError{Code: ErrCodeWriteFailed, SessionID: sessionID, Op: "start", Err: err}
	}
	sess.ClientSeq = 1

	h := &handle{sess: sess, clock: NewClockAt(1)}
	m.mu.Lock()
	m.sessions[sessionID] = h
	m.active[key] = sessionID
	m.mu.Unlock()

	telemetry.RecordEvent(string(model.EventSessionStart))
	slog.Info("session started",
		"session_id", sessionID,
		"child_id", childID,
		"game_instance_id", gameInstanceID,
		"device_id", deviceID,
	)
	return h.state(now), nil
}

// Record appends one interaction to an active session and returns the
// stored event. The event is durable when Record returns.
func (m *Manager) Record(ctx context.Context, sessionID string, in Interaction) (model.Event, error) {
	payload, err := in.encode()
	if err != nil {
		return model.Event{}, err
	}

	h, err := m.lookup(ctx, sessionID)
	if err != nil {
		return model.Event{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.sess.Status {
	case model.StatusPaused:
		return model.Event{}, fmt.Errorf("record into %s: %w", sessionID, ErrSessionPaused)
	case model.StatusEnded, model.StatusAbandoned:
		return model.Event{}, fmt.Errorf("record into %s: %w", sessionID, ErrSessionClosed)
	}

	ev, err := m.appendLocked(ctx, h, in.Type, payload, m.now(), nil)
	if err != nil {
		return model.Event{}, err
	}
	h.apply(ev)
	return ev, nil
}

// Pause writes a session_paused event. Pausing a paused session is a no-op.
func (m *Manager) Pause(ctx context.Context, sessionID string) error {
	return m.toggle(ctx, sessionID, model.StatusPaused, model.EventSessionPaused)
}

// Resume writes a session_resumed event. Resuming an active session is a no-op.
func (m *Manager) Resume(ctx context.Context, sessionID string) error {
	return m.toggle(ctx, sessionID, model.StatusActive, model.EventSessionResumed)
}

func (m *Manager) toggle(ctx context.Context, sessionID string, to model.SessionStatus, typ model.EventType) error {
	h, err := m.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.sess.Status.Open() {
		return fmt.Errorf("%s %s: %w", typ, sessionID, ErrSessionClosed)
	}
	if h.sess.Status == to {
		return nil
	}

	ev, err := m.appendLocked(ctx, h, typ, json.RawMessage(`{}`), m.now(), &store.Transition{Status: to})
	if err != nil {
		return err
	}
	h.sess.Status = to
	h.apply(ev)
	return nil
}

// End writes session_end and closes the session with reason completed.
// A nil metrics reports the locally derived score and elapsed time.
//
// End returns once the event is durable; flushing is asynchronous.
func (m *Manager) End(ctx context.Context, sessionID string, metrics *FinalMetrics) (State, error) {
	h, err := m.lookup(ctx, sessionID)
	if err != nil {
		return State{}, err
	}

	h.mu.Lock()
	if !h.sess.Status.Open() {
		h.mu.Unlock()
		return State{}, fmt.Errorf("end %s: %w", sessionID, ErrSessionClosed)
	}
	now := m.now()
	if err := m.endLocked(ctx, h, model.EndCompleted, metrics, now); err != nil {
		h.mu.Unlock()
		return State{}, err
	}
	st := h.state(now)
	h.mu.Unlock()

	m.release(h)
	m.flush(sessionID)
	return st, nil
}

// Supersede demotes a session that lost a cross-device conflict.
// Its stored events are still dispatched; nothing more can be recorded.
// Closed sessions are left as they are.
func (m *Manager) Supersede(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	h, inMemory := m.sessions[sessionID]
	m.mu.Unlock()

	if !inMemory {
		sess, err := m.log.LoadSession(ctx, sessionID)
		if errors.Is(err, store.ErrSessionNotFound) {
			return fmt.Errorf("supersede %s: %w", sessionID, ErrSessionNotFound)
		}
		if err != nil {
			return fmt.Errorf("supersede %s: %w", sessionID, err)
		}
		if !sess.Status.Open() {
			return nil
		}
		now := m.now()
		return m.log.SetSessionStatus(ctx, sessionID, store.Transition{
			Status: model.StatusEnded, Reason: model.EndSuperseded, EndedAt: &now,
		})
	}

	h.mu.Lock()
	if !h.sess.Status.Open() {
		h.mu.Unlock()
		return nil
	}
	now := m.now()
	if err := m.log.SetSessionStatus(ctx, sessionID, store.Transition{
		Status: model.StatusEnded, Reason: model.EndSuperseded, EndedAt: &now,
	}); err != nil {
		h.mu.Unlock()
		return &PersistenceError{Code: ErrCodeWriteFailed, SessionID: sessionID, Op: "supersede", Err: err}
	}
	h.close(model.EndSuperseded, now)
	h.mu.Unlock()

	m.release(h)
	slog.Info("session superseded", "session_id", sessionID)
	return nil
}

// Restore loads open sessions from the store after a restart and rebuilds
// their derived state. Returns the number of sessions restored.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	sessions, err := m.log.OpenSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore sessions: %w", err)
	}

	restored := 0
	for _, sess := range sessions {
		m.mu.Lock()
		_, known := m.sessions[sess.SessionID]
		m.mu.Unlock()
		if known {
			continue
		}

		records, err := m.log.Events(ctx, sess.SessionID)
		if err != nil {
			return restored, fmt.Errorf("restore session %s: %w", sess.SessionID, err)
		}
		h := &handle{sess: sess, clock: NewClockAt(sess.ClientSeq)}
		for _, rec := range records {
			h.apply(rec.Event)
		}

		key := pairKey{childID: sess.ChildID, gameInstanceID: sess.GameInstanceID}
		m.mu.Lock()
		prior, hasPrior := m.active[key]
		m.sessions[sess.SessionID] = h
		m.active[key] = sess.SessionID
		m.mu.Unlock()
		restored++

		// Sessions come back in creation order, so the newer one wins.
		if hasPrior {
			slog.Warn("restored two open sessions for one game, ending the older",
				"prior_session_id", prior,
				"session_id", sess.SessionID,
			)
			if err := m.takeover(ctx, prior); err != nil {
				return restored, err
			}
		}

		slog.Debug("session restored",
			"session_id", sess.SessionID,
			"client_seq", sess.ClientSeq,
			"status", sess.Status,
		)
	}
	return restored, nil
}

// State returns the current view of a session. Sessions not held in
// memory are read from the store without derived state.
func (m *Manager) State(ctx context.Context, sessionID string) (State, error) {
	m.mu.Lock()
	h, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.state(m.now()), nil
	}

	sess, err := m.log.LoadSession(ctx, sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return State{}, fmt.Errorf("state %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return State{}, fmt.Errorf("state %s: %w", sessionID, err)
	}
	return stateFromSession(sess), nil
}

// Active returns the open session for a child and game instance, if any.
func (m *Manager) Active(childID, gameInstanceID string) (State, bool) {
	m.mu.Lock()
	id, ok := m.active[pairKey{childID: childID, gameInstanceID: gameInstanceID}]
	var h *handle
	if ok {
		h = m.sessions[id]
	}
	m.mu.Unlock()
	if h == nil {
		return State{}, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state(m.now()), true
}

func (m *Manager) lookup(ctx context.Context, sessionID string) (*handle, error) {
	m.mu.Lock()
	h, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		return h, nil
	}

	// Closed sessions are not restored into memory.
	_, err := m.log.LoadSession(ctx, sessionID)
	if err == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionClosed)
	}
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return nil, fmt.Errorf("session %s: %w", sessionID, err)
}

// takeover ends an open session because a newer one replaced it locally.
func (m *Manager) takeover(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	h, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	h.mu.Lock()
	if !h.sess.Status.Open() {
		h.mu.Unlock()
		m.release(h)
		return nil
	}
	if err := m.endLocked(ctx, h, model.EndTakeover, nil, m.now()); err != nil {
		h.mu.Unlock()
		return err
	}
	h.mu.Unlock()

	m.release(h)
	m.flush(sessionID)
	return nil
}

// endLocked writes session_end and closes h. Caller holds h.mu.
func (m *Manager) endLocked(ctx context.Context, h *handle, reason model.EndReason, metrics *FinalMetrics, now time.Time) error {
	fm := FinalMetrics{FinalScore: h.score, Duration: h.elapsed(now)}
	if metrics != nil {
		fm = *metrics
	}
	payload, err := json.Marshal(model.SessionEndPayload{
		FinalScore: fm.FinalScore,
		DurationMs: fm.Duration.Milliseconds(),
		Reason:     reason,
	})
	if err != nil {
		return fmt.Errorf("end session: marshal payload: %w", err)
	}

	endedAt := now
	ev, err := m.appendLocked(ctx, h, model.EventSessionEnd, payload, now, &store.Transition{
		Status:  model.StatusEnded,
		Reason:  reason,
		EndedAt: &endedAt,
	})
	if err != nil {
		return err
	}
	h.apply(ev)
	h.close(reason, now)

	slog.Info("session ended",
		"session_id", h.sess.SessionID,
		"reason", reason,
		"client_seq", h.sess.ClientSeq,
		"final_score", fm.FinalScore,
	)
	return nil
}

// appendLocked assigns the next clientSeq and appends. The sequence number
// is consumed only if the append succeeds. Caller holds h.mu.
func (m *Manager) appendLocked(ctx context.Context, h *handle, typ model.EventType, payload json.RawMessage, at time.Time, tr *store.Transition) (model.Event, error) {
	seq := h.clock.Reserve()
	ev := model.Event{
		EventID:   m.ids.Generate(),
		SessionID: h.sess.SessionID,
		ClientSeq: seq,
		Type:      typ,
		Payload:   payload,
		CreatedAt: at,
	}
	if err := m.log.Append(ctx, ev, tr); err != nil {
		code := ErrCodeWriteFailed
		if errors.Is(err, store.ErrSeqConflict) {
			code = ErrCodeSeqConflict
		}
		slog.Error("durable append failed",
			"session_id", h.sess.SessionID,
			"client_seq", seq,
			"type", typ,
			"error", err,
		)
		return model.Event{}, &PersistenceError{Code: code, SessionID: h.sess.SessionID, Op: string(typ), Err: err}
	}
	h.clock.Commit(seq)
	h.sess.ClientSeq = seq

	telemetry.RecordEvent(string(typ))
	slog.Debug("event recorded",
		"session_id", h.sess.SessionID,
		"client_seq", seq,
		"type", typ,
	)
	return ev, nil
}

// release drops h from the active index if it still holds the slot.
func (m *Manager) release(h *handle) {
	h.mu.Lock()
	key := pairKey{childID: h.sess.ChildID, gameInstanceID: h.sess.GameInstanceID}
	id := h.sess.SessionID
	h.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[key] == id {
		delete(m.active, key)
	}
}

func (m *Manager) flush(sessionID string) {
	m.mu.Lock()
	f := m.flusher
	m.mu.Unlock()
	if f != nil {
		f.Flush(sessionID)
	}
}

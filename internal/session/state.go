package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/playsync/internal/model"
)

// Interaction is one recordable fact. Build it with NewInteraction,
// ScoreChange, CurrencyChange or AchievementClaim.
type Interaction struct {
	Type    model.EventType
	Payload any
}

// NewInteraction records a gameplay interaction such as a stroke or a
// sticker placement.
func NewInteraction(kind string, scoreDelta int64, data json.RawMessage) Interaction {
	return Interaction{
		Type:    model.EventInteraction,
		Payload: model.InteractionPayload{Kind: kind, ScoreDelta: scoreDelta, Data: data},
	}
}

// ScoreChange records a score adjustment outside an interaction.
func ScoreChange(delta int64) Interaction {
	return Interaction{Type: model.EventScoreDelta, Payload: model.DeltaPayload{Delta: delta}}
}

// CurrencyChange records a virtual currency adjustment.
func CurrencyChange(delta int64, reason string) Interaction {
	return Interaction{Type: model.EventCurrencyDelta, Payload: model.DeltaPayload{Delta: delta, Reason: reason}}
}

// AchievementClaim records the client's belief that an achievement was
// unlocked. The server records it but credits achievements from its own rules.
func AchievementClaim(achievementID string) Interaction {
	return Interaction{Type: model.EventAchievementUnlocked, Payload: model.AchievementPayload{AchievementID: achievementID}}
}

func (in Interaction) encode() (json.RawMessage, error) {
	switch in.Type {
	case model.EventInteraction, model.EventScoreDelta, model.EventCurrencyDelta, model.EventAchievementUnlocked:
	default:
		return nil, fmt.Errorf("type %q cannot be recorded directly: %w", in.Type, ErrInvalidInteraction)
	}
	if in.Payload == nil {
		return nil, fmt.Errorf("%s without payload: %w", in.Type, ErrInvalidInteraction)
	}
	raw, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", in.Type, err)
	}

	switch in.Type {
	case model.EventInteraction:
		var p model.InteractionPayload
		if err := json.Unmarshal(raw, &p); err != nil || p.Kind == "" {
			return nil, fmt.Errorf("interaction requires a kind: %w", ErrInvalidInteraction)
		}
	case model.EventAchievementUnlocked:
		var p model.AchievementPayload
		if err := json.Unmarshal(raw, &p); err != nil || p.AchievementID == "" {
			return nil, fmt.Errorf("achievement claim requires an id: %w", ErrInvalidInteraction)
		}
	}
	return raw, nil
}

// FinalMetrics is the client's view of a finished session.
type FinalMetrics struct {
	FinalScore int64
	Duration   time.Duration
}

// State is a snapshot of a session for presentation.
type State struct {
	SessionID      string
	ChildID        string
	GameInstanceID string
	DeviceID       string
	Status         model.SessionStatus
	EndReason      model.EndReason
	ClientSeq      int64
	Score          int64
	CurrencyDelta  int64
	Interactions   int64
	Elapsed        time.Duration
}

type handle struct {
	mu           sync.Mutex
	sess         model.Session
	clock        *Clock
	score        int64
	currency     int64
	interactions int64
	pausedAt     *time.Time
	pausedTotal  time.Duration
}

// apply folds one stored event into derived state.
func (h *handle) apply(ev model.Event) {
	switch ev.Type {
	case model.EventInteraction:
		var p model.InteractionPayload
		if ev.DecodePayload(&p) == nil {
			h.score += p.ScoreDelta
		}
		h.interactions++
	case model.EventScoreDelta:
		var p model.DeltaPayload
		if ev.DecodePayload(&p) == nil {
			h.score += p.Delta
		}
	case model.EventCurrencyDelta:
		var p model.DeltaPayload
		if ev.DecodePayload(&p) == nil {
			h.currency += p.Delta
		}
	case model.EventSessionPaused:
		at := ev.CreatedAt
		h.pausedAt = &at
	case model.EventSessionResumed:
		if h.pausedAt != nil {
			h.pausedTotal += ev.CreatedAt.Sub(*h.pausedAt)
			h.pausedAt = nil
		}
	}
}

func (h *handle) close(reason model.EndReason, at time.Time) {
	if h.pausedAt != nil {
		h.pausedTotal += at.Sub(*h.pausedAt)
		h.pausedAt = nil
	}
	h.sess.Status = model.StatusEnded
	h.sess.EndReason = reason
	h.sess.EndedAt = &at
}

// elapsed is play time excluding pauses.
func (h *handle) elapsed(now time.Time) time.Duration {
	end := now
	if h.sess.EndedAt != nil {
		end = *h.sess.EndedAt
	}
	d := end.Sub(h.sess.StartedAt) - h.pausedTotal
	if h.pausedAt != nil {
		d -= end.Sub(*h.pausedAt)
	}
	if d < 0 {
		return 0
	}
	return d
}

func (h *handle) state(now time.Time) State {
	st := stateFromSession(h.sess)
	st.Score = h.score
	st.CurrencyDelta = h.currency
	st.Interactions = h.interactions
	st.Elapsed = h.elapsed(now)
	return st
}

func stateFromSession(sess model.Session) State {
	return State{
		SessionID:      sess.SessionID,
		ChildID:        sess.ChildID,
		GameInstanceID: sess.GameInstanceID,
		DeviceID:       sess.DeviceID,
		Status:         sess.Status,
		EndReason:      sess.EndReason,
		ClientSeq:      sess.ClientSeq,
	}
}

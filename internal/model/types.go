package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType enumerates the facts a session can record.
type EventType string

const (
	EventSessionStart        EventType = "session_start"
	EventInteraction         EventType = "interaction"
	EventScoreDelta          EventType = "score_delta"
	EventAchievementUnlocked EventType = "achievement_unlocked"
	EventCurrencyDelta       EventType = "currency_delta"
	EventSessionPaused       EventType = "session_paused"
	EventSessionResumed      EventType = "session_resumed"
	EventSessionEnd          EventType = "session_end"
)

var validEventTypes = map[EventType]bool{
	EventSessionStart:        true,
	EventInteraction:         true,
	EventScoreDelta:          true,
	EventAchievementUnlocked: true,
	EventCurrencyDelta:       true,
	EventSessionPaused:       true,
	EventSessionResumed:      true,
	EventSessionEnd:          true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return validEventTypes[t]
}

// SessionStatus is the lifecycle state of a play session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusEnded     SessionStatus = "ended"
	StatusAbandoned SessionStatus = "abandoned"
)

// Open reports whether interactions may still be recorded (possibly after a resume).
func (s SessionStatus) Open() bool {
	return s == StatusActive || s == StatusPaused
}

// EndReason records why a session stopped accepting interactions.
type EndReason string

const (
	EndNone       EndReason = ""
	EndCompleted  EndReason = "completed"
	EndTakeover   EndReason = "takeover"
	EndSuperseded EndReason = "superseded"
	EndAbandoned  EndReason = "abandoned"
)

// AckState tracks an event's delivery state on the device.
type AckState string

const (
	AckPending         AckState = "pending"
	AckDispatched      AckState = "dispatched"
	AckAcknowledged    AckState = "acknowledged"
	AckFailedPermanent AckState = "failed_permanent"
)

// Session is one continuous play interval for one child on one game instance.
type Session struct {
	SessionID      string        `json:"sessionId"`
	ChildID        string        `json:"childId"`
	GameInstanceID string        `json:"gameInstanceId"`
	DeviceID       string        `json:"deviceId"`
	StartedAt      time.Time     `json:"startedAt"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
	ClientSeq      int64         `json:"clientSeq"`
	Status         SessionStatus `json:"status"`
	EndReason      EndReason     `json:"endReason,omitempty"`
}

// Descriptor returns the identity block sent with every batch.
func (s Session) Descriptor() SessionDescriptor {
	return SessionDescriptor{
		ChildID:        s.ChildID,
		GameInstanceID: s.GameInstanceID,
		DeviceID:       s.DeviceID,
		StartedAt:      s.StartedAt,
	}
}

// Event is an immutable fact recorded during a session.
type Event struct {
	EventID   string          `json:"eventId"`
	SessionID string          `json:"sessionId,omitempty"`
	ClientSeq int64           `json:"clientSeq"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// DecodePayload unmarshals the event payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Payload shapes per event type.
type (
	SessionStartPayload struct {
		ChildID        string `json:"childId"`
		GameInstanceID string `json:"gameInstanceId"`
		DeviceID       string `json:"deviceId"`
	}

	InteractionPayload struct {
		Kind       string          `json:"kind"`
		ScoreDelta int64           `json:"scoreDelta,omitempty"`
		Data       json.RawMessage `json:"data,omitempty"`
	}

	DeltaPayload struct {
		Delta  int64  `json:"delta"`
		Reason string `json:"reason,omitempty"`
	}

	AchievementPayload struct {
		AchievementID string `json:"achievementId"`
	}

	SessionEndPayload struct {
		FinalScore int64     `json:"finalScore"`
		DurationMs int64     `json:"durationMs"`
		Reason     EndReason `json:"reason,omitempty"`
	}
)

// Completed reports whether the player finished the session. An end with
// no reason is a completion.
func (p SessionEndPayload) Completed() bool {
	return p.Reason == EndNone || p.Reason == EndCompleted
}

// Aggregate is the server-authoritative cumulative state for one child in one game.
type Aggregate struct {
	ChildID           string    `json:"childId"`
	GameInstanceID    string    `json:"gameInstanceId"`
	TotalScore        int64     `json:"totalScore"`
	CurrencyBalance   int64     `json:"currencyBalance"`
	Achievements      []string  `json:"achievements"`
	InteractionCount  int64     `json:"interactionCount"`
	SessionsCompleted int64     `json:"sessionsCompleted"`
	Version           int64     `json:"version"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// HasAchievement reports whether id is in the unlocked set.
func (a Aggregate) HasAchievement(id string) bool {
	for _, got := range a.Achievements {
		if got == id {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with a.
func (a Aggregate) Clone() Aggregate {
	out := a
	out.Achievements = append([]string{}, a.Achievements...)
	return out
}

// SessionDescriptor identifies the session a batch belongs to.
type SessionDescriptor struct {
	ChildID        string    `json:"childId"`
	GameInstanceID string    `json:"gameInstanceId"`
	DeviceID       string    `json:"deviceId"`
	StartedAt      time.Time `json:"startedAt"`
}

// SeqRange is an inclusive range of client sequence numbers.
type SeqRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Contains reports whether seq falls inside the range.
func (r SeqRange) Contains(seq int64) bool {
	return seq >= r.From && seq <= r.To
}

// BatchRequest is the body of POST /sessions/{sessionId}/events:batch.
type BatchRequest struct {
	IdempotencyKey string            `json:"idempotencyKey"`
	Session        SessionDescriptor `json:"session"`
	Events         []Event           `json:"events"`
}

// BatchResponse is returned for applied (200) and duplicate (409) batches.
type BatchResponse struct {
	Aggregate        Aggregate  `json:"aggregate"`
	AcceptedEventIDs []string   `json:"acceptedEventIds"`
	GapDetected      bool       `json:"gapDetected"`
	Gaps             []SeqRange `json:"gaps,omitempty"`
	Superseded       bool       `json:"superseded"`
	ActiveSessionID  string     `json:"activeSessionId,omitempty"`
	Duplicate        bool       `json:"duplicate"`
}

// ErrorResponse is returned for every non-2xx, non-409 status.
type ErrorResponse struct {
	Code             string   `json:"code"`
	Error            string   `json:"error"`
	RejectedEventIDs []string `json:"rejectedEventIds,omitempty"`
}

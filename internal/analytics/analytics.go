// Package analytics publishes aggregate changes to downstream analytics.
//
// Publication is fire-and-forget: the reconciliation path hands a Delta to an
// Async publisher and never waits for, or fails on, the sink. Three sinks are
// provided: an HTTP ingestion endpoint, a Redis stream and a Kafka topic.
package analytics

import (
	"context"
	"time"
)

// EventType is the analytics event type of every published Delta.
const EventType = "aggregate_delta"

// Delta describes one applied batch's effect on an aggregate.
type Delta struct {
	ChildID         string
	GameInstanceID  string
	SessionID       string
	Duration        time.Duration
	ScoreDelta      int64
	CurrencyDelta   int64
	NewAchievements []string
	EventsApplied   int
	Version         int64
	OccurredAt      time.Time
}

// Event is the analytics ingestion wire shape.
type Event struct {
	EventType string         `json:"eventType"`
	ChildID   string         `json:"childId"`
	ContentID string         `json:"contentId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Duration  int64          `json:"duration"`
	EventData map[string]any `json:"eventData"`
}

// NewEvent converts a Delta to its wire shape. Duration is in whole seconds.
func NewEvent(d Delta) Event {
	achievements := d.NewAchievements
	if achievements == nil {
		achievements = []string{}
	}
	return Event{
		EventType: EventType,
		ChildID:   d.ChildID,
		ContentID: d.GameInstanceID,
		SessionID: d.SessionID,
		Duration:  int64(d.Duration / time.Second),
		EventData: map[string]any{
			"gameInstanceId":  d.GameInstanceID,
			"scoreDelta":      d.ScoreDelta,
			"currencyDelta":   d.CurrencyDelta,
			"newAchievements": achievements,
			"eventsApplied":   d.EventsApplied,
			"version":         d.Version,
			"occurredAt":      d.OccurredAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

// Publisher delivers a Delta to one sink.
type Publisher interface {
	Publish(ctx context.Context, d Delta) error
}

// Sink is a Publisher that owns resources.
type Sink interface {
	Publisher
	Name() string
	Close() error
}

// Nop discards every delta.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Delta) error { return nil }

// Name implements Sink.
func (Nop) Name() string { return "none" }

// Close implements Sink.
func (Nop) Close() error { return nil }

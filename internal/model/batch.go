package model

import (
	"fmt"
	"sort"
)

// Batch is a transient, ordered group of one session's events.
// It is built by the dispatcher at send time and never persisted.
type Batch struct {
	BatchID        string
	SessionID      string
	Session        SessionDescriptor
	Events         []Event
	IdempotencyKey string
}

// NewBatch orders events by ClientSeq and derives the idempotency key.
func NewBatch(batchID, sessionID string, desc SessionDescriptor, events []Event) (Batch, error) {
	if len(events) == 0 {
		return Batch{}, fmt.Errorf("new batch: no events for session %s", sessionID)
	}
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ClientSeq < ordered[j].ClientSeq
	})
	for _, ev := range ordered {
		if ev.SessionID != "" && ev.SessionID != sessionID {
			return Batch{}, fmt.Errorf("new batch: event %s belongs to session %s, not %s", ev.EventID, ev.SessionID, sessionID)
		}
	}

	key, err := IdempotencyKey(sessionID, ordered[0].ClientSeq, ordered[len(ordered)-1].ClientSeq)
	if err != nil {
		return Batch{}, fmt.Errorf("new batch: %w", err)
	}
	return Batch{
		BatchID:        batchID,
		SessionID:      sessionID,
		Session:        desc,
		Events:         ordered,
		IdempotencyKey: key,
	}, nil
}

// MinSeq returns the lowest ClientSeq in the batch.
func (b Batch) MinSeq() int64 {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[0].ClientSeq
}

// MaxSeq returns the highest ClientSeq in the batch.
func (b Batch) MaxSeq() int64 {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[len(b.Events)-1].ClientSeq
}

// EventIDs returns event ids in batch order.
func (b Batch) EventIDs() []string {
	ids := make([]string, len(b.Events))
	for i, ev := range b.Events {
		ids[i] = ev.EventID
	}
	return ids
}

// Request builds the wire body. Session ids are carried by the URL path.
func (b Batch) Request() BatchRequest {
	events := make([]Event, len(b.Events))
	for i, ev := range b.Events {
		ev.SessionID = ""
		events[i] = ev
	}
	return BatchRequest{
		IdempotencyKey: b.IdempotencyKey,
		Session:        b.Session,
		Events:         events,
	}
}

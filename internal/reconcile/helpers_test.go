package reconcile

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/playsync/internal/analytics"
	"github.com/roach88/playsync/internal/model"
	"github.com/roach88/playsync/internal/testutil"
)

type fixture struct {
	db        *DB
	svc       *Service
	clock     *testutil.ManualClock
	published *recordingPublisher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := testutil.NewManualClock()
	pub := &recordingPublisher{}
	opts = append([]Option{WithClock(clock.Now), WithPublisher(pub)}, opts...)
	svc, err := NewService(db, opts...)
	require.NoError(t, err)
	return &fixture{db: db, svc: svc, clock: clock, published: pub}
}

type recordingPublisher struct {
	mu     sync.Mutex
	deltas []analytics.Delta
}

func (p *recordingPublisher) Publish(_ context.Context, d analytics.Delta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas = append(p.deltas, d)
	return nil
}

func (p *recordingPublisher) all() []analytics.Delta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]analytics.Delta{}, p.deltas...)
}

// device produces the events of one session the way a device would.
type device struct {
	sessionID string
	desc      model.SessionDescriptor
	ns        int
	seq       int64
	events    []model.Event
}

// newDevice starts a session for child-1/game-1. ns keeps ids of different
// sessions apart.
func newDevice(ns int, deviceID string) *device {
	d := &device{
		sessionID: testutil.ID(ns, 1),
		desc: model.SessionDescriptor{
			ChildID:        "child-1",
			GameInstanceID: "game-1",
			DeviceID:       deviceID,
			StartedAt:      testutil.Epoch,
		},
		ns: ns,
	}
	d.add(model.EventSessionStart, `{"childId":"child-1","gameInstanceId":"game-1","deviceId":"`+deviceID+`"}`)
	return d
}

func (d *device) add(typ model.EventType, payload string) model.Event {
	d.seq++
	ev := model.Event{
		EventID:   testutil.ID(d.ns, 100+d.seq),
		ClientSeq: d.seq,
		Type:      typ,
		Payload:   json.RawMessage(payload),
		CreatedAt: testutil.Epoch.Add(time.Duration(d.seq) * time.Second),
	}
	d.events = append(d.events, ev)
	return ev
}

func (d *device) tap(score int64) model.Event {
	raw, _ := json.Marshal(model.InteractionPayload{Kind: "tap", ScoreDelta: score})
	return d.add(model.EventInteraction, string(raw))
}

func (d *device) end(score, durationMs int64) model.Event {
	raw, _ := json.Marshal(model.SessionEndPayload{FinalScore: score, DurationMs: durationMs})
	return d.add(model.EventSessionEnd, string(raw))
}

func (d *device) endWith(reason model.EndReason) model.Event {
	raw, _ := json.Marshal(model.SessionEndPayload{Reason: reason})
	return d.add(model.EventSessionEnd, string(raw))
}

// batch builds a request over the given seqs (1-based, inclusive range).
func (d *device) batch(from, to int64) ApplyRequest {
	var events []model.Event
	for _, ev := range d.events {
		if ev.ClientSeq >= from && ev.ClientSeq <= to {
			events = append(events, ev)
		}
	}
	return d.request(events...)
}

func (d *device) request(events ...model.Event) ApplyRequest {
	minSeq, maxSeq := events[0].ClientSeq, events[0].ClientSeq
	for _, ev := range events {
		minSeq = min(minSeq, ev.ClientSeq)
		maxSeq = max(maxSeq, ev.ClientSeq)
	}
	return ApplyRequest{
		SessionID:      d.sessionID,
		Session:        d.desc,
		IdempotencyKey: model.MustIdempotencyKey(d.sessionID, minSeq, maxSeq),
		Events:         events,
	}
}

func (f *fixture) session(t *testing.T, sessionID string) serverSession {
	t.Helper()
	s, found, err := getSession(context.Background(), f.db.db, sessionID)
	require.NoError(t, err)
	require.True(t, found, "session %s not stored", sessionID)
	return s
}

func (f *fixture) aggregate(t *testing.T) model.Aggregate {
	t.Helper()
	agg, _, err := f.svc.Aggregate(context.Background(), "child-1", "game-1")
	require.NoError(t, err)
	return agg
}

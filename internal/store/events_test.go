package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/playsync/internal/model"
)

func TestPendingEvents_OrderAndLimit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")
	appendTestEvents(t, s, "s1", 2, 6)

	events, err := s.PendingEvents(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []int64{1, 2, 3}, seqs(events))
	assert.Equal(t, "s1", events[0].SessionID)
	assert.JSONEq(t, `{"kind":"tap","scoreDelta":1}`, string(events[1].Payload))
	assert.True(t, events[1].CreatedAt.Equal(testEpoch.Add(2e9)))

	all, err := s.PendingEvents(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestAckLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")
	appendTestEvents(t, s, "s1", 2, 4)

	batch := []string{eventID("s1", 1), eventID("s1", 2)}
	require.NoError(t, s.MarkDispatched(ctx, "s1", batch))

	pending, err := s.PendingEvents(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, seqs(pending), "dispatched events are not pending")

	require.NoError(t, s.ReleaseDispatched(ctx, "s1", batch, "timeout"))
	records, err := s.Events(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.AckPending, records[0].AckState)
	assert.Equal(t, 1, records[0].Attempts)
	assert.Equal(t, "timeout", records[0].LastError)

	require.NoError(t, s.MarkDispatched(ctx, "s1", batch))
	require.NoError(t, s.MarkAcknowledged(ctx, "s1", batch))

	records, err = s.Events(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.AckAcknowledged, records[0].AckState)
	assert.Equal(t, 2, records[0].Attempts)
	assert.Empty(t, records[0].LastError)

	// Acknowledged is terminal.
	require.NoError(t, s.MarkDispatched(ctx, "s1", batch))
	require.NoError(t, s.ReleaseDispatched(ctx, "s1", batch, "late"))
	records, err = s.Events(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.AckAcknowledged, records[1].AckState)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 2, Acknowledged: 2}, st)
	assert.Equal(t, 2, st.Unacknowledged())
}

func TestMarkFailedPermanent_WritesDiagnostics(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")
	appendTestEvents(t, s, "s1", 2, 3)

	require.NoError(t, s.MarkFailedPermanent(ctx, "s1", []string{eventID("s1", 3)}, "invalid payload"))

	records, err := s.Events(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.AckFailedPermanent, records[2].AckState)
	assert.Equal(t, "invalid payload", records[2].LastError)

	diags, err := s.Diagnostics(ctx)
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, DiagnosticRejected, diags[0].Kind)
	assert.Equal(t, eventID("s1", 3), diags[0].EventID)
	assert.True(t, diags[0].CreatedAt.Equal(testEpoch))

	pending, err := s.PendingEvents(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, seqs(pending))
}

func TestSessionsWithPending(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")
	createTestSession(t, s, "s2")
	require.NoError(t, s.MarkDispatched(ctx, "s1", []string{eventID("s1", 1)}))
	require.NoError(t, s.MarkAcknowledged(ctx, "s1", []string{eventID("s1", 1)}))

	ids, err := s.SessionsWithPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids)
}

func TestPruneAcknowledged_KeepsOpenSessions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "open")
	createTestSession(t, s, "done")
	require.NoError(t, s.MarkAcknowledged(ctx, "open", []string{eventID("open", 1)}))
	require.NoError(t, s.MarkAcknowledged(ctx, "done", []string{eventID("done", 1)}))
	require.NoError(t, s.SetSessionStatus(ctx, "done", Transition{Status: model.StatusEnded, Reason: model.EndCompleted}))

	n, err := s.PruneAcknowledged(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	records, err := s.Events(ctx, "open")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCountHeld(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")
	appendTestEvents(t, s, "s1", 2, 8)
	require.NoError(t, s.MarkAcknowledged(ctx, "s1", []string{eventID("s1", 4)}))

	n, err := s.CountHeld(ctx, "s1", []model.SeqRange{{From: 3, To: 5}, {From: 8, To: 9}})
	require.NoError(t, err)
	assert.Equal(t, 3, n, "seq 3, 5 and 8 are held; 4 is acknowledged")

	n, err = s.CountHeld(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAggregate_VersionGuard(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetAggregate(ctx, "c1", "g1")
	require.NoError(t, err)
	assert.False(t, found)

	wrote, err := s.PutAggregate(ctx, model.Aggregate{ChildID: "c1", GameInstanceID: "g1", TotalScore: 10, Version: 2})
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = s.PutAggregate(ctx, model.Aggregate{ChildID: "c1", GameInstanceID: "g1", TotalScore: 5, Version: 1})
	require.NoError(t, err)
	assert.False(t, wrote, "older snapshot must not replace newer")

	agg, found, err := s.GetAggregate(ctx, "c1", "g1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(10), agg.TotalScore)
	assert.Equal(t, int64(2), agg.Version)
	assert.NotNil(t, agg.Achievements)
}

func seqs(events []model.Event) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.ClientSeq
	}
	return out
}

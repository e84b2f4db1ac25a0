package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/playsync/internal/model"
	"github.com/roach88/playsync/internal/store"
	"github.com/roach88/playsync/internal/testutil"
)

type fixture struct {
	store *store.Store
	clock *testutil.ManualClock
	mgr   *Manager
	flush *recordingFlusher
	path  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewManualClock()
	flush := &recordingFlusher{}
	mgr := NewManager(s,
		WithClock(clock.Now),
		WithIDGenerator(testutil.NewSequentialIDs(1)),
		WithFlusher(flush),
	)
	return &fixture{store: s, clock: clock, mgr: mgr, flush: flush, path: path}
}

type recordingFlusher struct {
	mu  sync.Mutex
	ids []string
}

func (f *recordingFlusher) Flush(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, sessionID)
}

func (f *recordingFlusher) flushed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.ids...)
}

// failingLog fails the next N appends.
type failingLog struct {
	*store.Store
	mu    sync.Mutex
	fails int
}

func (l *failingLog) Append(ctx context.Context, ev model.Event, tr *store.Transition) error {
	l.mu.Lock()
	if l.fails > 0 {
		l.fails--
		l.mu.Unlock()
		return errors.New("disk full")
	}
	l.mu.Unlock()
	return l.Store.Append(ctx, ev, tr)
}

func TestStart_WritesStartMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.mgr.Start(ctx, "c1", "g1", "d1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, st.Status)
	assert.Equal(t, int64(1), st.ClientSeq)

	records, err := f.store.Events(ctx, st.SessionID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.EventSessionStart, records[0].Type)
	assert.JSONEq(t, `{"childId":"c1","gameInstanceId":"g1","deviceId":"d1"}`, string(records[0].Payload))
}

func TestStart_RequiresIdentity(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Start(context.Background(), "", "g1", "d1")
	assert.ErrorIs(t, err, ErrInvalidInteraction)
}

func TestStart_TakesOverPriorSessionOnSameDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.mgr.Start(ctx, "c1", "g1", "d1")
	require.NoError(t, err)
	_, err = f.mgr.Record(ctx, first.SessionID, NewInteraction("tap", 2, nil))
	require.NoError(t, err)

	second, err := f.mgr.Start(ctx, "c1", "g1", "d1")
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	prior, err := f.mgr.State(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnded, prior.Status)
	assert.Equal(t, model.EndTakeover, prior.EndReason)

	records, err := f.store.Events(ctx, first.SessionID)
	require.NoError(t, err)
	last := records[len(records)-1]
	assert.Equal(t, model.EventSessionEnd, last.Type)
	assert.JSONEq(t, `{"finalScore":2,"durationMs":0,"reason":"takeover"}`, string(last.Payload))

	active, ok := f.mgr.Active("c1", "g1")
	require.True(t, ok)
	assert.Equal(t, second.SessionID, active.SessionID)
	assert.Contains(t, f.flush.flushed(), first.SessionID)

	_, err = f.mgr.Record(ctx, first.SessionID, NewInteraction("tap", 1, nil))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestStart_OtherGameIsIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.mgr.Start(ctx, "c1", "g1", "d1")
	require.NoError(t, err)
	_, err = f.mgr.Start(ctx, "c1", "g2", "d1")
	require.NoError(t, err)

	st, err := f.mgr.State(ctx, a.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, st.Status)
}

func TestRecord_AssignsGaplessSequenceAndDerivesState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st, err := f.mgr.Start(ctx, "c1", "g1", "d1")
	require.NoError(t, err)

	for i, in := range []Interaction{
		NewInteraction("stroke", 3, nil),
		ScoreChange(4),
		CurrencyChange(10, "level"),
		AchievementClaim("first-steps"),
	} {
		f.clock.Advance(time.Second)
		ev, err := f.mgr.Record(ctx, st.SessionID, in)
		require.NoError(t, err)
		assert.Equal(t, int64(i+2), ev.ClientSeq)
		assert.Equal(t, f.clock.Now(), ev.CreatedAt)
	}

	got, err := f.mgr.State(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.ClientSeq)
	assert.Equal(t, int64(7), got.Score)
	assert.Equal(t, int64(10), got.CurrencyDelta)
	assert.Equal(t, int64(1), got.Interactions)
	assert.Equal(t, 4*time.Second, got.Elapsed)
}

func TestRecord_RejectsInvalidInteractions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st, err := f.mgr.Start(ctx, "c1", "g1", "d1")
	require.NoError(t, err)

	cases := []Interaction{
		{Type: model.EventSessionEnd, Payload: map[string]any{}},
		{Type: model.EventInteraction},
		NewInteraction("", 1, nil),
		AchievementClaim(""),
	}
	for _, in := range cases {
		_, err := f.mgr.Record(ctx, st.SessionID, in)
		assert.ErrorIs(t, err, ErrInvalidInteraction)
	}

	got, err := f.mgr.State(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ClientSeq)
}

func TestRecord_UnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Record(context.Background(), "missing", NewInteraction("tap", 1, nil))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRecord_PersistenceFailureKeepsSessionUsable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	log := &failingLog{Store: f.store}
	mgr := NewManager(log, WithClock(f.clock.Now), WithIDGenerator(testutil.NewSequentialIDs(2)))

	st, err := mgr.Start(ctx, "c1", "g1", "d1")
	require.NoError(t, err)

	log.fails = 1
	_, err = mgr.Record(ctx, st.SessionID, NewInteraction("tap", 5, nil))
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))
	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrCodeWriteFailed, pe.Code)

	// Retry of the single interaction succeeds with the same sequence number.
	ev, err := mgr.Record(ctx, st.SessionID, NewInteraction("tap", 5, nil))
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.ClientSeq)

	got, err := mgr.State(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Score, "failed write must not change derived state")
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st, err := f.mgr.Start(ctx, "c1", "g1", "d1")
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.mgr.Pause(ctx, st.SessionID))
	require.NoError(t, f.mgr.Pause(ctx, st.SessionID), "double pause is a no-op")

	_, err = f.mgr.Record(ctx, st.SessionID, NewInteraction("tap", 1, nil))
	assert.ErrorIs(t, err, ErrSessionPaused)

	f.clock.Advance(time.Minute)
	got, err := f.mgr.State(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, got.Status)
	assert.Equal(t, 10*time.Second, got.Elapsed, "paused time is excluded")

	require.NoError(t, f.mgr.Resume(ctx, st.SessionID))
	require.NoError(t, f.mgr.Resume(ctx, st.SessionID), "resume of active is a no-op")
	f.clock.Advance(5 * time.Second)

	got, err = f.mgr.State(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, 15*time.Second, got.Elapsed)
	assert.Equal(t, int64(3), got.ClientSeq)

	sess, err := f.store.LoadSession(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, sess.Status)
	assert.Empty(t, f.flush.flushed(), "pause and resume do not trigger a flush")
}

func TestEnd_ClosesAndRequestsFlush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st, err := f.mgr.Start(ctx, "c1", "g1", "d1")
	require.NoError(t, err)
	_, err = f.mgr.Record(ctx, st.SessionID, NewInteraction("tap", 4, nil))
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)

	ended, err := f.mgr.End(ctx, st.SessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnded, ended.Status)
	assert.Equal(t, model.EndCompleted, ended.EndReason)
	assert.Equal(t, []string{st.SessionID}, f.flush.flushed())

	records, err := f.store.Events(ctx, st.SessionID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.JSONEq(t, `{"finalScore":4,"durationMs":30000,"reason":"completed"}`, string(records[2].Payload))

	sess, err := f.store.LoadSession(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnded, sess.Status)
	require.NotNil(t, sess.EndedAt)

	_, err = f.mgr.End(ctx, st.SessionID, nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, ok := f.mgr.Active("c1", "g1")
	assert.False(t, ok)
}

func TestEnd_ExplicitMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st, err := f.mgr.Start(ctx, "c1", "g1", "d1")
	require.NoError(t, err)

	_, err = f.mgr.End(ctx, st.SessionID, &FinalMetrics{FinalScore: 99, Duration: 2 * time.Second})
	require.NoError(t, err)

	records, err := f.store.Events(ctx, st.SessionID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"finalScore":99,"durationMs":2000,"reason":"completed"}`, string(records[1].Payload))
}

func TestSupersede_StopsRecordingKeepsEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st, err := f.mgr.Start(ctx, "c1", "g1", "d1")
	require.NoError(t, err)
	_, err = f.mgr.Record(ctx, st.SessionID, NewInteraction("tap", 1, nil))
	require.NoError(t, err)

	require.NoError(t, f.mgr.Supersede(ctx, st.SessionID))
	require.NoError(t, f.mgr.Supersede(ctx, st.SessionID), "second supersede is a no-op")

	got, err := f.mgr.State(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnded, got.Status)
	assert.Equal(t, model.EndSuperseded, got.EndReason)

	_, err = f.mgr.Record(ctx, st.SessionID, NewInteraction("tap", 1, nil))
	assert.ErrorIs(t, err, ErrSessionClosed)

	pending, err := f.store.PendingEvents(ctx, st.SessionID, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "unsent events remain for dispatch")

	assert.ErrorIs(t, f.mgr.Supersede(ctx, "missing"), ErrSessionNotFound)
}

func TestRestore_RebuildsOpenSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st, err := f.mgr.Start(ctx, "c1", "g1", "d1")
	require.NoError(t, err)
	_, err = f.mgr.Record(ctx, st.SessionID, NewInteraction("tap", 3, nil))
	require.NoError(t, err)
	_, err = f.mgr.Record(ctx, st.SessionID, ScoreChange(2))
	require.NoError(t, err)
	require.NoError(t, f.mgr.Pause(ctx, st.SessionID))

	done, err := f.mgr.Start(ctx, "c1", "g2", "d1")
	require.NoError(t, err)
	_, err = f.mgr.End(ctx, done.SessionID, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.Close())

	// Simulated restart.
	s2, err := store.Open(f.path)
	require.NoError(t, err)
	defer s2.Close()
	mgr := NewManager(s2, WithClock(f.clock.Now), WithIDGenerator(testutil.NewSequentialIDs(3)))

	n, err := mgr.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := mgr.State(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, got.Status)
	assert.Equal(t, int64(5), got.Score)
	assert.Equal(t, int64(4), got.ClientSeq)

	require.NoError(t, mgr.Resume(ctx, st.SessionID))
	ev, err := mgr.Record(ctx, st.SessionID, NewInteraction("tap", 1, nil))
	require.NoError(t, err)
	assert.Equal(t, int64(6), ev.ClientSeq)

	_, err = mgr.Record(ctx, done.SessionID, NewInteraction("tap", 1, nil))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestRecord_ConcurrentSessionsStayGapless(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := make([]string, 4)
	for i := range ids {
		st, err := f.mgr.Start(ctx, "c1", string(rune('a'+i)), "d1")
		require.NoError(t, err)
		ids[i] = st.SessionID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for w := 0; w < 3; w++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					_, err := f.mgr.Record(ctx, id, NewInteraction("tap", 1, nil))
					assert.NoError(t, err)
				}
			}(id)
		}
	}
	wg.Wait()

	for _, id := range ids {
		records, err := f.store.Events(ctx, id)
		require.NoError(t, err)
		require.Len(t, records, 31)
		for i, rec := range records {
			assert.Equal(t, int64(i+1), rec.ClientSeq)
		}
	}
}

func TestClock_ReserveCommit(t *testing.T) {
	c := NewClockAt(3)
	assert.Equal(t, int64(4), c.Reserve())
	assert.Equal(t, int64(4), c.Reserve(), "reserve does not consume")
	assert.False(t, c.Commit(6))
	assert.True(t, c.Commit(4))
	assert.Equal(t, int64(4), c.Current())
}

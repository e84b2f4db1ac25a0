package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/playsync/internal/model"
	"github.com/roach88/playsync/internal/reconcile"
	"github.com/roach88/playsync/internal/testutil"
)

// execute runs cmd with args and returns stdout.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// decodeData unmarshals the data of a JSON CLIResponse into v.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

// seedServer applies one finished session for child-1/game-1 with the
// given number of taps, as seen at now.
func seedServer(t *testing.T, now time.Time, taps int, end bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.db")
	db, err := reconcile.OpenDB(path)
	require.NoError(t, err)
	defer db.Close()

	svc, err := reconcile.NewService(db, reconcile.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	sessionID := testutil.ID(1, 1)
	events := []model.Event{{
		EventID:   testutil.ID(1, 101),
		ClientSeq: 1,
		Type:      model.EventSessionStart,
		Payload:   json.RawMessage(`{"childId":"child-1","gameInstanceId":"game-1","deviceId":"tablet-1"}`),
		CreatedAt: now,
	}}
	for i := 0; i < taps; i++ {
		seq := int64(len(events) + 1)
		events = append(events, model.Event{
			EventID:   testutil.ID(1, 100+seq),
			ClientSeq: seq,
			Type:      model.EventInteraction,
			Payload:   json.RawMessage(`{"kind":"tap","scoreDelta":2}`),
			CreatedAt: now,
		})
	}
	if end {
		seq := int64(len(events) + 1)
		events = append(events, model.Event{
			EventID:   testutil.ID(1, 100+seq),
			ClientSeq: seq,
			Type:      model.EventSessionEnd,
			Payload:   json.RawMessage(`{"finalScore":0,"durationMs":1000}`),
			CreatedAt: now,
		})
	}

	key, err := model.IdempotencyKey(sessionID, 1, int64(len(events)))
	require.NoError(t, err)
	_, err = svc.Apply(context.Background(), reconcile.NewApplyRequest(sessionID, model.BatchRequest{
		IdempotencyKey: key,
		Session: model.SessionDescriptor{
			ChildID:        "child-1",
			GameInstanceID: "game-1",
			DeviceID:       "tablet-1",
			StartedAt:      now,
		},
		Events: events,
	}))
	require.NoError(t, err)
	return path
}

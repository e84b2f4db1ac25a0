package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/playsync/internal/model"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(func() time.Time { return testEpoch }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestSession inserts a session and its start marker.
func createTestSession(t *testing.T, s *Store, sessionID string) model.Session {
	t.Helper()
	sess := model.Session{
		SessionID:      sessionID,
		ChildID:        "child-1",
		GameInstanceID: "game-1",
		DeviceID:       "device-1",
		StartedAt:      testEpoch,
		Status:         model.StatusActive,
	}
	start := testEvent(sessionID, 1, model.EventSessionStart, `{"childId":"child-1","gameInstanceId":"game-1","deviceId":"device-1"}`)
	if err := s.CreateSession(context.Background(), sess, start); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	sess.ClientSeq = 1
	return sess
}

// appendTestEvents appends interactions seq from..to.
func appendTestEvents(t *testing.T, s *Store, sessionID string, from, to int64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		ev := testEvent(sessionID, seq, model.EventInteraction, `{"kind":"tap","scoreDelta":1}`)
		if err := s.Append(context.Background(), ev, nil); err != nil {
			t.Fatalf("Append(seq=%d) failed: %v", seq, err)
		}
	}
}

func testEvent(sessionID string, seq int64, typ model.EventType, payload string) model.Event {
	return model.Event{
		EventID:   eventID(sessionID, seq),
		SessionID: sessionID,
		ClientSeq: seq,
		Type:      typ,
		Payload:   json.RawMessage(payload),
		CreatedAt: testEpoch.Add(time.Duration(seq) * time.Second),
	}
}

func eventID(sessionID string, seq int64) string {
	return fmt.Sprintf("%s-e%d", sessionID, seq)
}

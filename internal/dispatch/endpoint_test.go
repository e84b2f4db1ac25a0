package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/playsync/internal/model"
)

func TestDecodeBatchResponse(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantDuplicate bool
		wantDelivered bool
		wantRejected  []string
		wantTransient bool
	}{
		{name: "ok", status: 200, body: `{"aggregate":{"version":1},"acceptedEventIds":["e1"]}`},
		{name: "duplicate", status: 409, body: `{"aggregate":{"version":1},"acceptedEventIds":["e1"]}`, wantDuplicate: true},
		{name: "server error", status: 503, body: `{"code":"UNAVAILABLE","error":"down"}`, wantTransient: true, wantDelivered: true},
		{name: "throttled", status: 429, body: ``, wantTransient: true, wantDelivered: true},
		{name: "unauthorized", status: 401, body: ``, wantTransient: true, wantDelivered: true},
		{name: "validation", status: 400, body: `{"code":"INVALID_EVENT","error":"bad payload","rejectedEventIds":["e2"]}`, wantRejected: []string{"e2"}},
		{name: "key reuse", status: 422, body: `{"code":"KEY_REUSE","error":"different body"}`, wantRejected: []string{}},
		{name: "malformed ok body", status: 200, body: `{`, wantTransient: true, wantDelivered: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := decodeBatchResponse(tt.status, []byte(tt.body))

			switch {
			case tt.wantTransient:
				var te *TransientError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, tt.wantDelivered, te.Delivered)
				assert.Equal(t, tt.status, te.StatusCode)
			case tt.wantRejected != nil:
				var re *RejectedError
				require.ErrorAs(t, err, &re)
				assert.True(t, IsRejected(err))
				assert.Equal(t, tt.status, re.StatusCode)
				if len(tt.wantRejected) > 0 {
					assert.Equal(t, tt.wantRejected, re.RejectedEventIDs)
				} else {
					assert.Empty(t, re.RejectedEventIDs)
				}
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantDuplicate, resp.Duplicate)
				assert.Equal(t, []string{"e1"}, resp.AcceptedEventIDs)
			}
		})
	}
}

func testBatch(t *testing.T) model.Batch {
	t.Helper()
	events := []model.Event{
		{EventID: "e2", ClientSeq: 2, Type: model.EventInteraction, Payload: json.RawMessage(`{"kind":"tap"}`)},
		{EventID: "e1", ClientSeq: 1, Type: model.EventSessionStart, Payload: json.RawMessage(`{}`)},
	}
	b, err := model.NewBatch("b1", "s1", model.SessionDescriptor{ChildID: "c1", GameInstanceID: "g1", DeviceID: "d1"}, events)
	require.NoError(t, err)
	return b
}

func TestHTTPEndpoint_SendsHeadersAndBody(t *testing.T) {
	var (
		gotPath, gotKey, gotAuth string
		gotBody                  model.BatchRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"aggregate":{"childId":"c1","gameInstanceId":"g1","version":3},"acceptedEventIds":["e1","e2"]}`))
	}))
	defer srv.Close()

	batch := testBatch(t)
	ep := NewHTTPEndpoint(srv.URL+"/", "tok")
	resp, err := ep.SendBatch(context.Background(), "s1", batch.Request())
	require.NoError(t, err)

	assert.Equal(t, "/sessions/s1/events:batch", gotPath)
	assert.Equal(t, batch.IdempotencyKey, gotKey)
	assert.Equal(t, "Bearer tok", gotAuth)
	require.Len(t, gotBody.Events, 2)
	assert.Equal(t, int64(1), gotBody.Events[0].ClientSeq)
	assert.Empty(t, gotBody.Events[0].SessionID)
	assert.Equal(t, int64(3), resp.Aggregate.Version)
}

func TestHTTPEndpoint_UnreachableIsNotDelivered(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPEndpoint(url, "").SendBatch(context.Background(), "s1", testBatch(t).Request())
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.False(t, te.Delivered)
	assert.Equal(t, outcomeNotDelivered, classify(err))
}

func TestLocalEndpoint_Script(t *testing.T) {
	ctx := context.Background()
	var served int
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		_, _ = w.Write([]byte(`{"aggregate":{"version":1},"acceptedEventIds":["e1","e2"]}`))
	})
	ep := NewLocalEndpoint(h, "tok")
	req := testBatch(t).Request()

	ep.FailNext(errors.New("boom"))
	_, err := ep.SendBatch(ctx, "s1", req)
	require.Error(t, err)
	assert.Equal(t, 0, served)

	ep.LoseNextResponse(errors.New("reset"))
	_, err = ep.SendBatch(ctx, "s1", req)
	require.Error(t, err)
	assert.Equal(t, 1, served)

	ep.SetOffline(true)
	_, err = ep.SendBatch(ctx, "s1", req)
	assert.Equal(t, outcomeNotDelivered, classify(err))
	ep.SetOffline(false)

	resp, err := ep.SendBatch(ctx, "s1", req)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, resp.AcceptedEventIDs)
	assert.Equal(t, 2, served)

	// Offline sends are not recorded.
	assert.Len(t, ep.Sent(), 3)
}

func TestLocalEndpoint_HandlerStatusIsClassified(t *testing.T) {
	ctx := context.Background()
	var auth string
	status := http.StatusServiceUnavailable
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"draining","code":"UNAVAILABLE"}`))
	})
	ep := NewLocalEndpoint(h, "tok")
	req := testBatch(t).Request()

	_, err := ep.SendBatch(ctx, "s1", req)
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.True(t, transient.Delivered)
	assert.Equal(t, http.StatusServiceUnavailable, transient.StatusCode)
	assert.Equal(t, "Bearer tok", auth)

	status = http.StatusUnprocessableEntity
	_, err = ep.SendBatch(ctx, "s1", req)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "UNAVAILABLE", rejected.Code)
	assert.Equal(t, "draining", rejected.Message)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, outcomeAcked, classify(nil))
	assert.Equal(t, outcomeRejected, classify(&RejectedError{StatusCode: 400}))
	assert.Equal(t, outcomeNotDelivered, classify(&TransientError{Delivered: false}))
	assert.Equal(t, outcomeAmbiguous, classify(&TransientError{Delivered: true}))
	assert.Equal(t, outcomeAmbiguous, classify(errors.New("connection reset")))
}

package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKey_Deterministic(t *testing.T) {
	k1, err := IdempotencyKey("sess-1", 1, 4)
	require.NoError(t, err)
	k2, err := IdempotencyKey("sess-1", 1, 4)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64, "hex-encoded SHA-256")
}

func TestIdempotencyKey_DistinctInputs(t *testing.T) {
	base := MustIdempotencyKey("sess-1", 1, 4)

	assert.NotEqual(t, base, MustIdempotencyKey("sess-2", 1, 4))
	assert.NotEqual(t, base, MustIdempotencyKey("sess-1", 2, 4))
	assert.NotEqual(t, base, MustIdempotencyKey("sess-1", 1, 5))
}

func TestIdempotencyKey_InvalidRange(t *testing.T) {
	_, err := IdempotencyKey("sess-1", 0, 3)
	assert.Error(t, err)

	_, err = IdempotencyKey("sess-1", 5, 3)
	assert.Error(t, err)

	_, err = IdempotencyKey("", 1, 1)
	assert.Error(t, err)
}

func TestFingerprint_IgnoresCreatedAtAndKeyOrder(t *testing.T) {
	a := []Event{{
		EventID:   "e1",
		ClientSeq: 1,
		Type:      EventInteraction,
		Payload:   json.RawMessage(`{"kind":"tap","scoreDelta":3}`),
		CreatedAt: time.Unix(100, 0),
	}}
	b := []Event{{
		EventID:   "e1",
		ClientSeq: 1,
		Type:      EventInteraction,
		Payload:   json.RawMessage(`{ "scoreDelta": 3, "kind": "tap" }`),
		CreatedAt: time.Unix(999, 0),
	}}

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestFingerprint_DetectsPayloadChange(t *testing.T) {
	a := []Event{{EventID: "e1", ClientSeq: 1, Type: EventScoreDelta, Payload: json.RawMessage(`{"delta":3}`)}}
	b := []Event{{EventID: "e1", ClientSeq: 1, Type: EventScoreDelta, Payload: json.RawMessage(`{"delta":4}`)}}

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fb)
}

func TestMarshalCanonical_SortsKeysAndNormalizes(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"b":   int64(2),
		"a":   "café",
		"<&>": true,
	})
	require.NoError(t, err)
	assert.Equal(t, "{\"<&>\":true,\"a\":\"café\",\"b\":2}", string(got))
}

func TestMarshalCanonical_RejectsFloats(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"x": 1.5})
	assert.Error(t, err)
}

func TestMarshalCanonical_RawMessageNumbersVerbatim(t *testing.T) {
	got, err := MarshalCanonical(json.RawMessage(`{"x":1.25,"y":[1,null]}`))
	require.NoError(t, err)
	assert.Equal(t, `{"x":1.25,"y":[1,null]}`, string(got))
}

func TestMarshalCanonical_EscapesControlCharacters(t *testing.T) {
	got, err := MarshalCanonical("a\"b\\c\n\x01 ")
	require.NoError(t, err)
	assert.Equal(t, "\"a\\\"b\\\\c\\n\\u0001 \"", string(got))
}

func TestNewBatch_OrdersEventsAndDerivesKey(t *testing.T) {
	events := []Event{
		{EventID: "e3", ClientSeq: 3, Type: EventInteraction},
		{EventID: "e1", ClientSeq: 1, Type: EventSessionStart},
		{EventID: "e2", ClientSeq: 2, Type: EventInteraction},
	}

	b, err := NewBatch("b1", "sess-1", SessionDescriptor{ChildID: "c1"}, events)
	require.NoError(t, err)

	assert.Equal(t, []string{"e1", "e2", "e3"}, b.EventIDs())
	assert.Equal(t, int64(1), b.MinSeq())
	assert.Equal(t, int64(3), b.MaxSeq())
	assert.Equal(t, MustIdempotencyKey("sess-1", 1, 3), b.IdempotencyKey)
	assert.Equal(t, "e3", events[0].EventID, "input slice must not be reordered")
}

func TestNewBatch_RejectsForeignEvents(t *testing.T) {
	_, err := NewBatch("b1", "sess-1", SessionDescriptor{}, []Event{
		{EventID: "e1", SessionID: "sess-2", ClientSeq: 1},
	})
	assert.Error(t, err)

	_, err = NewBatch("b1", "sess-1", SessionDescriptor{}, nil)
	assert.Error(t, err)
}

func TestBatch_RequestStripsSessionIDs(t *testing.T) {
	b, err := NewBatch("b1", "sess-1", SessionDescriptor{ChildID: "c1"}, []Event{
		{EventID: "e1", SessionID: "sess-1", ClientSeq: 1},
	})
	require.NoError(t, err)

	req := b.Request()
	assert.Equal(t, b.IdempotencyKey, req.IdempotencyKey)
	assert.Equal(t, "c1", req.Session.ChildID)
	assert.Empty(t, req.Events[0].SessionID)
	assert.Equal(t, "sess-1", b.Events[0].SessionID, "batch events keep their session id")
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", gen.Generate())
	assert.Equal(t, "b", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestUUIDv7Generator_ProducesValidIDs(t *testing.T) {
	id := UUIDv7Generator{}.Generate()
	assert.True(t, ValidID(id))
	assert.False(t, ValidID("not-a-uuid"))
}

package reconcile

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/roach88/playsync/internal/model"
)

//go:embed payloads.cue
var payloadSchemaCUE string

// payloadSchemas checks event payloads against payloads.cue.
// A cue.Context is not safe for concurrent use, so checks are serialised.
type payloadSchemas struct {
	mu   sync.Mutex
	ctx  *cue.Context
	defs map[model.EventType]cue.Value
}

func newPayloadSchemas() (*payloadSchemas, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(payloadSchemaCUE, cue.Filename("payloads.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile payload schemas: %w", err)
	}
	types := []model.EventType{
		model.EventSessionStart, model.EventInteraction, model.EventScoreDelta,
		model.EventAchievementUnlocked, model.EventCurrencyDelta, model.EventSessionPaused,
		model.EventSessionResumed, model.EventSessionEnd,
	}
	defs := make(map[model.EventType]cue.Value, len(types))
	for _, typ := range types {
		def := root.LookupPath(cue.ParsePath("#" + string(typ)))
		if !def.Exists() {
			return nil, fmt.Errorf("compile payload schemas: no definition for %s", typ)
		}
		defs[typ] = def
	}
	return &payloadSchemas{ctx: ctx, defs: defs}, nil
}

func (p *payloadSchemas) check(typ model.EventType, raw json.RawMessage) error {
	def, ok := p.defs[typ]
	if !ok {
		return fmt.Errorf("no schema for %s", typ)
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	expr, err := cuejson.Extract(string(typ), raw)
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	data := p.ctx.BuildExpr(expr)
	if err := data.Err(); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// ApplyRequest is one batch as received by the reconciliation service.
type ApplyRequest struct {
	SessionID      string
	Session        model.SessionDescriptor
	IdempotencyKey string
	Events         []model.Event
}

// NewApplyRequest builds an ApplyRequest from the wire body.
func NewApplyRequest(sessionID string, req model.BatchRequest) ApplyRequest {
	return ApplyRequest{
		SessionID:      sessionID,
		Session:        req.Session,
		IdempotencyKey: req.IdempotencyKey,
		Events:         req.Events,
	}
}

// sortedEvents returns the events in ascending clientSeq order.
func (r ApplyRequest) sortedEvents() []model.Event {
	out := make([]model.Event, len(r.Events))
	copy(out, r.Events)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClientSeq < out[j].ClientSeq })
	return out
}

// validateRequest runs every check that needs no stored state. It reports
// all failures, not just the first.
func validateRequest(req ApplyRequest, schemas *payloadSchemas) *ValidationError {
	v := &ValidationError{}

	switch {
	case req.SessionID == "":
		v.add("", CodeMissingField, "session id is required")
	case !model.ValidID(req.SessionID):
		v.add("", CodeInvalidID, "session id %q is not a UUID", req.SessionID)
	}
	if req.Session.ChildID == "" {
		v.add("", CodeMissingField, "session.childId is required")
	}
	if req.Session.GameInstanceID == "" {
		v.add("", CodeMissingField, "session.gameInstanceId is required")
	}
	if req.Session.DeviceID == "" {
		v.add("", CodeMissingField, "session.deviceId is required")
	}
	if req.IdempotencyKey == "" {
		v.add("", CodeMissingField, "idempotencyKey is required")
	}
	if len(req.Events) == 0 {
		v.add("", CodeMissingField, "batch has no events")
		return v
	}

	ids := make(map[string]bool, len(req.Events))
	seqs := make(map[int64]bool, len(req.Events))
	seqsValid := true
	for _, ev := range req.Events {
		ref := ev.EventID
		switch {
		case ev.EventID == "":
			v.add("", CodeMissingField, "event at clientSeq %d has no eventId", ev.ClientSeq)
		case !model.ValidID(ev.EventID):
			v.add(ref, CodeInvalidID, "eventId is not a UUID")
		case ids[ev.EventID]:
			v.add(ref, CodeDuplicateInBatch, "eventId appears more than once")
		}
		ids[ev.EventID] = true

		switch {
		case ev.ClientSeq <= 0:
			v.add(ref, CodeInvalidSeq, "clientSeq must be positive, got %d", ev.ClientSeq)
			seqsValid = false
		case seqs[ev.ClientSeq]:
			v.add(ref, CodeDuplicateInBatch, "clientSeq %d appears more than once", ev.ClientSeq)
		}
		seqs[ev.ClientSeq] = true

		if ev.SessionID != "" && ev.SessionID != req.SessionID {
			v.add(ref, CodeSessionMismatch, "event belongs to session %s", ev.SessionID)
		}
		if !ev.Type.Valid() {
			v.add(ref, CodeUnknownType, "unknown event type %q", ev.Type)
			continue
		}
		if ev.Type == model.EventSessionStart && ev.ClientSeq != 1 {
			v.add(ref, CodeInvalidSeq, "session_start must have clientSeq 1")
		}
		if err := schemas.check(ev.Type, ev.Payload); err != nil {
			v.add(ref, CodeInvalidPayload, "%s payload: %v", ev.Type, err)
			continue
		}
		if ev.Type == model.EventSessionStart {
			var p model.SessionStartPayload
			if err := ev.DecodePayload(&p); err == nil &&
				(p.ChildID != req.Session.ChildID || p.GameInstanceID != req.Session.GameInstanceID || p.DeviceID != req.Session.DeviceID) {
				v.add(ref, CodeSessionMismatch, "session_start does not match the session descriptor")
			}
		}
	}

	if seqsValid && req.SessionID != "" && req.IdempotencyKey != "" {
		sorted := req.sortedEvents()
		want, err := model.IdempotencyKey(req.SessionID, sorted[0].ClientSeq, sorted[len(sorted)-1].ClientSeq)
		if err == nil && want != req.IdempotencyKey {
			v.add("", CodeKeyMismatch, "idempotencyKey does not match session and clientSeq range")
		}
	}
	return v
}

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/roach88/playsync/internal/model"
)

// SyncEndpoint delivers one batch to the reconciliation service.
//
// Implementations classify failures: *TransientError for retryable failures
// and *RejectedError for permanent ones. Any other error is treated as an
// ambiguous transient failure.
type SyncEndpoint interface {
	SendBatch(ctx context.Context, sessionID string, req model.BatchRequest) (model.BatchResponse, error)
}

// TransientError is a retryable send failure.
type TransientError struct {
	// Delivered is false only when the request certainly never reached the
	// server (dial failure). Otherwise the server may have applied the batch
	// and the identical batch must be resent with the same key.
	Delivered  bool
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient send failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient send failure: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// RejectedError is a permanent rejection of some or all events in a batch.
type RejectedError struct {
	StatusCode       int
	Code             string
	Message          string
	RejectedEventIDs []string
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	return fmt.Sprintf("batch rejected (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
}

// IsRejected returns true if err is or wraps a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// HTTPEndpoint sends batches to the live sync API.
type HTTPEndpoint struct {
	baseURL string
	token   string
	client  *http.Client
}

// HTTPOption configures an HTTPEndpoint.
type HTTPOption func(*HTTPEndpoint)

// WithHTTPClient overrides the HTTP client. Per-request deadlines come from
// the dispatcher's context, not the client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(e *HTTPEndpoint) {
		e.client = c
	}
}

// NewHTTPEndpoint creates an endpoint for baseURL authenticating with token.
func NewHTTPEndpoint(baseURL, token string, opts ...HTTPOption) *HTTPEndpoint {
	e := &HTTPEndpoint{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SendBatch posts the batch and classifies the outcome.
func (e *HTTPEndpoint) SendBatch(ctx context.Context, sessionID string, req model.BatchRequest) (model.BatchResponse, error) {
	httpReq, err := newBatchRequest(ctx, e.baseURL, e.token, sessionID, req)
	if err != nil {
		return model.BatchResponse{}, err
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return model.BatchResponse{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.BatchResponse{}, &TransientError{Delivered: true, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	return decodeBatchResponse(resp.StatusCode, body)
}

// LocalEndpoint is the local-queue stub used by tests.
//
// Every request is queued for inspection. With a Handler set, requests are
// served in-process by that handler (usually the sync API router); without
// one every event is acknowledged with an empty aggregate. Scripted failures
// take precedence over both.
type LocalEndpoint struct {
	Handler http.Handler
	Token   string

	mu      sync.Mutex
	sent    []SentBatch
	script  []scripted
	delay   time.Duration
	offline bool
}

// SentBatch is one request observed by a LocalEndpoint.
type SentBatch struct {
	SessionID string
	Request   model.BatchRequest
}

type scripted struct {
	err          error
	afterForward bool
}

// NewLocalEndpoint creates a stub forwarding to h (may be nil).
func NewLocalEndpoint(h http.Handler, token string) *LocalEndpoint {
	return &LocalEndpoint{Handler: h, Token: token}
}

// FailNext makes the next sends fail with errs, one per send, without
// reaching the handler.
func (e *LocalEndpoint) FailNext(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, err := range errs {
		e.script = append(e.script, scripted{err: err})
	}
}

// LoseNextResponse makes the next send reach the handler and then fail
// with err, as if the response was lost in transit.
func (e *LocalEndpoint) LoseNextResponse(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.script = append(e.script, scripted{err: err, afterForward: true})
}

// SetOffline makes every send fail as not delivered until cleared.
func (e *LocalEndpoint) SetOffline(offline bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offline = offline
}

// SetDelay makes every send wait d (or until ctx is done) before serving.
func (e *LocalEndpoint) SetDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay = d
}

// Sent returns a copy of every request seen, in order.
func (e *LocalEndpoint) Sent() []SentBatch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SentBatch{}, e.sent...)
}

// SendBatch implements SyncEndpoint.
func (e *LocalEndpoint) SendBatch(ctx context.Context, sessionID string, req model.BatchRequest) (model.BatchResponse, error) {
	e.mu.Lock()
	if e.offline {
		e.mu.Unlock()
		return model.BatchResponse{}, &TransientError{Delivered: false, Err: errors.New("offline")}
	}
	e.sent = append(e.sent, SentBatch{SessionID: sessionID, Request: req})
	var step *scripted
	if len(e.script) > 0 {
		s := e.script[0]
		e.script = e.script[1:]
		step = &s
	}
	delay := e.delay
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return model.BatchResponse{}, &TransientError{Delivered: true, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	if step != nil && !step.afterForward {
		return model.BatchResponse{}, step.err
	}
	resp, err := e.serve(ctx, sessionID, req)
	if step != nil {
		return model.BatchResponse{}, step.err
	}
	return resp, err
}

func (e *LocalEndpoint) serve(ctx context.Context, sessionID string, req model.BatchRequest) (model.BatchResponse, error) {
	if e.Handler == nil {
		ids := make([]string, len(req.Events))
		for i, ev := range req.Events {
			ids[i] = ev.EventID
		}
		return model.BatchResponse{AcceptedEventIDs: ids}, nil
	}

	httpReq, err := newBatchRequest(ctx, "", e.Token, sessionID, req)
	if err != nil {
		return model.BatchResponse{}, err
	}
	var rw bufferedResponse
	e.Handler.ServeHTTP(&rw, httpReq)
	return decodeBatchResponse(rw.statusCode(), rw.body.Bytes())
}

// bufferedResponse collects a handler's response in memory.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (r *bufferedResponse) Header() http.Header {
	if r.header == nil {
		r.header = make(http.Header)
	}
	return r.header
}

func (r *bufferedResponse) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *bufferedResponse) Write(p []byte) (int, error) {
	r.WriteHeader(http.StatusOK)
	return r.body.Write(p)
}

func (r *bufferedResponse) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func newBatchRequest(ctx context.Context, baseURL, token, sessionID string, req model.BatchRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}
	target := baseURL + "/sessions/" + url.PathEscape(sessionID) + "/events:batch"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))
	return httpReq, nil
}

// decodeBatchResponse maps a sync API status code to a response or a
// classified error.
func decodeBatchResponse(status int, body []byte) (model.BatchResponse, error) {
	switch {
	case status == http.StatusOK || status == http.StatusConflict:
		var resp model.BatchResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return model.BatchResponse{}, &TransientError{Delivered: true, StatusCode: status, Err: fmt.Errorf("decode response: %w", err)}
		}
		if status == http.StatusConflict {
			resp.Duplicate = true
		}
		return resp, nil

	case status == http.StatusTooManyRequests,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusRequestTimeout,
		status >= 500:
		return model.BatchResponse{}, &TransientError{Delivered: true, StatusCode: status, Err: errors.New(errorMessage(body, http.StatusText(status)))}

	case status >= 400:
		var er model.ErrorResponse
		_ = json.Unmarshal(body, &er)
		if er.Error == "" {
			er.Error = http.StatusText(status)
		}
		return model.BatchResponse{}, &RejectedError{
			StatusCode:       status,
			Code:             er.Code,
			Message:          er.Error,
			RejectedEventIDs: er.RejectedEventIDs,
		}

	default:
		return model.BatchResponse{}, &TransientError{Delivered: true, StatusCode: status, Err: fmt.Errorf("unexpected status %d", status)}
	}
}

func errorMessage(body []byte, fallback string) string {
	var er model.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		return er.Error
	}
	return fallback
}

// classifyTransportError separates "never reached the server" from
// "outcome unknown".
func classifyTransportError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransientError{Delivered: false, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &TransientError{Delivered: false, Err: err}
	}
	return &TransientError{Delivered: true, Err: err}
}

package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPSink posts each event to an analytics ingestion URL.
type HTTPSink struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPSink creates a sink posting to url. token may be empty.
func NewHTTPSink(url, token string, client *http.Client) *HTTPSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSink{url: url, token: token, client: client}
}

// Name implements Sink.
func (s *HTTPSink) Name() string { return "http" }

// Publish implements Publisher.
func (s *HTTPSink) Publish(ctx context.Context, d Delta) error {
	body, err := json.Marshal(NewEvent(d))
	if err != nil {
		return fmt.Errorf("marshal analytics event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build analytics request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post analytics event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post analytics event: status %d", resp.StatusCode)
	}
	return nil
}

// Close implements Sink.
func (s *HTTPSink) Close() error { return nil }

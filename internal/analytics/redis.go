package analytics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends each event to a Redis stream with XADD.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink connects to addr and verifies the connection.
func NewRedisSink(ctx context.Context, addr, stream string, maxLen int64) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisSinkFromClient(client, stream, maxLen), nil
}

// NewRedisSinkFromClient wraps an existing client. maxLen <= 0 leaves the
// stream untrimmed.
func NewRedisSinkFromClient(client *redis.Client, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = "playsync:analytics"
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Publish implements Publisher.
func (s *RedisSink) Publish(ctx context.Context, d Delta) error {
	body, err := json.Marshal(NewEvent(d))
	if err != nil {
		return fmt.Errorf("marshal analytics event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"event_type": EventType,
			"child_id":   d.ChildID,
			"session_id": d.SessionID,
			"event":      string(body),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Close implements Sink.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

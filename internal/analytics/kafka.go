package analytics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes each event to a Kafka topic keyed by child id, so one
// child's deltas stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
		topic: topic,
	}
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Publish implements Publisher.
func (s *KafkaSink) Publish(ctx context.Context, d Delta) error {
	body, err := json.Marshal(NewEvent(d))
	if err != nil {
		return fmt.Errorf("marshal analytics event: %w", err)
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(d.ChildID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventType)},
		},
	}); err != nil {
		return fmt.Errorf("write %s: %w", s.topic, err)
	}
	return nil
}

// Close implements Sink.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

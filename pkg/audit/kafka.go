package audit

import (
	"context"

	"github.com/quantumlayerhq/ql-cgov/pkg/kafka"
)

// Publisher is the producer surface the Kafka sink needs.
type Publisher interface {
	Publish(ctx context.Context, r kafka.Record) error
}

// KafkaSink publishes events keyed by correlation ID so one deployment's
// history stays on one partition.
type KafkaSink struct {
	publisher Publisher
	topic     string
}

// NewKafkaSink creates a sink publishing to topic.
func NewKafkaSink(publisher Publisher, topic string) *KafkaSink {
	return &KafkaSink{publisher: publisher, topic: topic}
}

// Emit publishes event.
func (s *KafkaSink) Emit(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	key := event.CorrelationID
	if key == "" {
		key = event.ID.String()
	}

	return s.publisher.Publish(ctx, kafka.Record{
		Topic: s.topic,
		Key:   key,
		Value: event,
		Headers: map[string]string{
			kafka.HeaderCorrelationID: event.CorrelationID,
			kafka.HeaderEventType:     string(event.Type),
		},
	})
}

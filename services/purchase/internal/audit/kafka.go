package audit

import (
	"context"
	"fmt"

	"github.com/AfshinJalili/cryptobuy/libs/kafka"
)

const eventVersion = 1

// ComplianceEvent is the wire form published to the audit topic.
type ComplianceEvent struct {
	kafka.Envelope
	Payload Event `json:"payload"`
}

// KafkaSink publishes events keyed by user so one user's trail stays ordered.
type KafkaSink struct {
	publisher kafka.Publisher
	topic     string
}

func NewKafkaSink(publisher kafka.Publisher, topic string) *KafkaSink {
	return &KafkaSink{publisher: publisher, topic: topic}
}

func (s *KafkaSink) Record(ctx context.Context, event Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	env, err := kafka.NewEnvelopeAt(event.ID, string(event.Type), eventVersion, event.CorrelationID, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("build audit envelope: %w", err)
	}
	if _, _, err := s.publisher.PublishJSON(ctx, s.topic, event.UserID, ComplianceEvent{Envelope: env, Payload: event}); err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}

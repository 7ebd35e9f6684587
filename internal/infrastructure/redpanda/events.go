package redpanda

import (
	"context"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
)

// messageProducer is the part of Producer the event sink needs.
type messageProducer interface {
	ProduceJSON(ctx context.Context, topic, key string, v interface{}) error
}

// EventSink publishes domain events straight to a topic, keyed by
// medication. Deployments without Postgres use it in place of the outbox;
// delivery is then at-most-once.
type EventSink struct {
	producer messageProducer
	topic    string
}

var _ adherence.EventSink = (*EventSink)(nil)

func NewEventSink(p *Producer, topic string) *EventSink {
	if topic == "" {
		topic = TopicAdherenceEvents
	}
	return &EventSink{producer: p, topic: topic}
}

func (s *EventSink) Append(ctx context.Context, event *adherence.Event) error {
	return s.producer.ProduceJSON(ctx, s.topic, event.MedicationID, event)
}

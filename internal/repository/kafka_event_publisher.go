package repository

import (
	"context"

	"github.com/segmentio/kafka-go"

	"RevEngine/internal/domain/models"
	domrepo "RevEngine/internal/domain/repository"
	pkgkafka "RevEngine/pkg/kafka"
)

// KafkaEventPublisher streams events to a topic keyed by entity id, so every
// event of one strategy lands on the same partition in order.
type KafkaEventPublisher struct {
	producer batchPublisher
	topic    string
}

// batchPublisher is the part of *pkgkafka.Producer the publisher needs.
// The producer is owned and closed by whoever created it.
type batchPublisher interface {
	PublishBatch(ctx context.Context, topic string, messages []pkgkafka.Message) error
}

var _ domrepo.EventSink = (*KafkaEventPublisher)(nil)

func NewKafkaEventPublisher(producer batchPublisher, topic string) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer, topic: topic}
}

func (p *KafkaEventPublisher) Emit(ctx context.Context, e models.Event) error {
	return p.producer.PublishBatch(ctx, p.topic, []pkgkafka.Message{{
		Key:     []byte(e.EntityID),
		Value:   e,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(e.Kind)}},
	}})
}

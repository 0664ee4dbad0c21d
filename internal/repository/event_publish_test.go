package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RevEngine/internal/domain/models"
	pkgkafka "RevEngine/pkg/kafka"
)

type recordingPublisher struct {
	topic    string
	messages []pkgkafka.Message
	err      error
}

func (r *recordingPublisher) PublishBatch(_ context.Context, topic string, messages []pkgkafka.Message) error {
	r.topic = topic
	r.messages = append(r.messages, messages...)
	return r.err
}

func TestKafkaEventPublisherKeysByEntityWithKindHeader(t *testing.T) {
	rec := &recordingPublisher{}
	p := NewKafkaEventPublisher(rec, "engine.events")
	e := models.NewEvent(t0, "strat-7", models.EventTransition, map[string]any{"to": "MONITORED"})

	require.NoError(t, p.Emit(context.Background(), e))

	assert.Equal(t, "engine.events", rec.topic)
	require.Len(t, rec.messages, 1)
	msg := rec.messages[0]
	assert.Equal(t, []byte("strat-7"), msg.Key)
	assert.Equal(t, e, msg.Value)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "kind", msg.Headers[0].Key)
	assert.Equal(t, []byte(models.EventTransition), msg.Headers[0].Value)
}

func TestKafkaEventPublisherReturnsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := NewKafkaEventPublisher(&recordingPublisher{err: boom}, "engine.events")
	assert.ErrorIs(t, p.Emit(context.Background(), models.NewEvent(t0, "x", models.EventOpportunity, nil)), boom)
}

func TestEventQueryBindsArgumentsInPlaceholderOrder(t *testing.T) {
	since := time.Date(2024, 3, 1, 14, 0, 0, 0, time.FixedZone("UTC+2", 2*3600))

	q, args := eventQuery("engine_events", "strat-1", since, 25)
	assert.Contains(t, q, "FROM engine_events")
	assert.Contains(t, q, "ORDER BY ts DESC")
	assert.True(t, strings.HasSuffix(q, "LIMIT ?"))
	require.Len(t, args, strings.Count(q, "?"))
	assert.Equal(t, []any{since.UTC(), "strat-1", "strat-1", 25}, args)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), args[0])

	q, args = eventQuery("engine_events", "", time.Time{}, 0)
	assert.NotContains(t, q, "LIMIT")
	require.Len(t, args, strings.Count(q, "?"))
	assert.Equal(t, "", args[1])
}

func TestEventSchemaIsIdempotentMergeTree(t *testing.T) {
	stmts := eventSchema("audit_events")
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], "CREATE TABLE IF NOT EXISTS audit_events")
	assert.Contains(t, stmts[0], "ENGINE = MergeTree")
	assert.Contains(t, stmts[0], "ORDER BY (entity_id, ts)")
}

package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"RevEngine/internal/domain/models"
	domrepo "RevEngine/internal/domain/repository"
	pkgkafka "RevEngine/pkg/kafka"
	"RevEngine/pkg/logger"
)

// SnapshotProcessor is the guarded ingest entry point (the ingest pipeline in
// production, the engine itself in tests).
type SnapshotProcessor interface {
	Process(ctx context.Context, snap models.Snapshot) (IngestResult, error)
}

// KafkaSnapshotsHandler feeds snapshots published on a Kafka topic into the
// engine.
type KafkaSnapshotsHandler struct {
	topic   string
	proc    SnapshotProcessor
	metrics domrepo.Metrics
	log     *logger.Logger
}

func NewKafkaSnapshotsHandler(topic string, proc SnapshotProcessor, metrics domrepo.Metrics, log *logger.Logger) *KafkaSnapshotsHandler {
	return &KafkaSnapshotsHandler{
		topic:   topic,
		proc:    proc,
		metrics: metrics,
		log:     log.With(logger.String("component", "kafka_snapshots"), logger.String("topic", topic)),
	}
}

func (h *KafkaSnapshotsHandler) Topic() string { return h.topic }

// Handle decodes one snapshot. Malformed payloads are not retried. Throttled
// and rejected snapshots are acknowledged, since redelivery would not change
// the outcome.
func (h *KafkaSnapshotsHandler) Handle(ctx context.Context, b []byte) error {
	var snap models.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return pkgkafka.NonRetryable(fmt.Errorf("decode snapshot: %w", err))
	}
	if !snap.Timestamp.IsZero() {
		h.metrics.RecordLatency("ingest_e2e", time.Since(snap.Timestamp).Seconds())
	}

	res, err := h.proc.Process(ctx, snap)
	var dq *models.DataQualityError
	switch {
	case err == nil:
	case errors.Is(err, models.ErrThrottled):
		h.metrics.RecordError("consumer_throttled")
		return nil
	case errors.As(err, &dq):
		h.metrics.RecordError("consumer_rejected")
		h.log.Warn("snapshot rejected",
			logger.String("symbol", snap.Symbol),
			logger.String("field", dq.Field),
			logger.String("reason", dq.Reason),
		)
		return nil
	default:
		h.metrics.RecordError("consumer_ingest")
		return err
	}

	if n := len(res.Opportunities); n > 0 {
		h.log.Debug("opportunities detected",
			logger.String("symbol", snap.Symbol),
			logger.Int("count", n),
			logger.Int("proposed", len(res.Proposed)),
		)
	}
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaSnapshotsHandler)(nil)

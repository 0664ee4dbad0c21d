package repository

import (
	"context"
	"iter"
	"time"

	"RevEngine/internal/domain/models"
)

// SnapshotStore is the market data cache.
type SnapshotStore interface {
	Put(ctx context.Context, snap models.Snapshot) error
	Get(ctx context.Context, source, symbol string) (models.Snapshot, error)
	History(source, symbol string, limit int) iter.Seq[models.Snapshot]
}

// SnapshotMirror is a shared second-level store for the latest snapshot per
// series, used when several engine instances ingest the same feed.
type SnapshotMirror interface {
	SetLatest(ctx context.Context, snap models.Snapshot) error
	GetLatest(ctx context.Context, source, symbol string) (models.Snapshot, error)
}

// MarketStream is a live source of normalized snapshots.
type MarketStream interface {
	Connect(ctx context.Context) error
	Read(ctx context.Context) (<-chan models.Snapshot, <-chan error)
	Close() error
	IsConnected() bool
}

// Executor is the order-execution boundary invoked when a strategy is
// implemented.
type Executor interface {
	OnImplement(ctx context.Context, s models.Strategy) error
}

// EventSink receives observability events. Emit must not block on I/O for
// long; slow sinks are wrapped in an async buffer.
type EventSink interface {
	Emit(ctx context.Context, e models.Event) error
}

// EventStore is a queryable sink.
type EventStore interface {
	EventSink
	Init(ctx context.Context) error
	Query(ctx context.Context, entityID string, since time.Time, limit int) ([]models.Event, error)
	Close() error
}

type Metrics interface {
	RecordSnapshot(source, symbol string)
	RecordOpportunity(kind, rule string)
	RecordRuleSkip(rule, field string)
	RecordTransition(from, to string)
	RecordOptimize(outcome string)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}

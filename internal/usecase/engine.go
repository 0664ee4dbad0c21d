package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"RevEngine/internal/domain/models"
	drepo "RevEngine/internal/domain/repository"
	"RevEngine/internal/services/detection"
	"RevEngine/internal/services/lifecycle"
	"RevEngine/pkg/logger"
)

// IngestResult is what one snapshot produced.
type IngestResult struct {
	Snapshot      models.SnapshotKey   `json:"snapshot"`
	Opportunities []models.Opportunity `json:"opportunities"`
	Proposed      []models.Strategy    `json:"proposed"`
}

// Engine is the single inbound entry point: snapshots flow into the cache,
// through the detector, and detected opportunities become PROPOSED
// strategies.
type Engine struct {
	cache       drepo.SnapshotStore
	detector    *detection.Detector
	lifecycle   *lifecycle.Manager
	sink        drepo.EventSink
	metrics     drepo.Metrics
	log         *logger.Logger
	autoPropose bool

	mu         sync.Mutex
	recent     []models.Opportunity
	recentSize int
}

type EngineConfig struct {
	AutoPropose bool
	RecentSize  int
}

func NewEngine(cfg EngineConfig, cache drepo.SnapshotStore, det *detection.Detector, lm *lifecycle.Manager, sink drepo.EventSink, metrics drepo.Metrics, log *logger.Logger) *Engine {
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = 200
	}
	return &Engine{
		cache:       cache,
		detector:    det,
		lifecycle:   lm,
		sink:        sink,
		metrics:     metrics,
		log:         log.With(logger.String("component", "engine")),
		autoPropose: cfg.AutoPropose,
		recentSize:  cfg.RecentSize,
	}
}

// Ingest stores snap, runs detection and proposes a strategy for each
// opportunity. A proposal that loses a race to an existing strategy on the
// same (symbol, kind) is dropped, not reported as a failure.
func (e *Engine) Ingest(ctx context.Context, snap models.Snapshot) (IngestResult, error) {
	start := time.Now()
	defer func() { e.metrics.RecordLatency("ingest", time.Since(start).Seconds()) }()

	if err := e.cache.Put(ctx, snap); err != nil {
		e.metrics.RecordError("ingest_put")
		return IngestResult{}, err
	}
	e.metrics.RecordSnapshot(snap.Source, snap.Symbol)
	res := IngestResult{Snapshot: snap.Key()}
	res.Snapshot.Timestamp = res.Snapshot.Timestamp.UTC()

	opps, err := e.detector.Detect(ctx, snap)
	if err != nil {
		e.metrics.RecordError("detect")
		return res, err
	}
	res.Opportunities = opps
	e.remember(opps)

	if !e.autoPropose {
		return res, nil
	}

	var errs []error
	for _, opp := range opps {
		s, err := e.lifecycle.Propose(ctx, opp)
		if err != nil {
			var dup *models.DuplicateStrategyError
			if errors.As(err, &dup) {
				e.log.Debug("proposal superseded", logger.String("claim", dup.Claim.String()), logger.String("existing", dup.ExistingID))
				continue
			}
			errs = append(errs, err)
			continue
		}
		res.Proposed = append(res.Proposed, s)
	}
	return res, errors.Join(errs...)
}

func (e *Engine) remember(opps []models.Opportunity) {
	if len(opps) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recent = append(e.recent, opps...)
	if over := len(e.recent) - e.recentSize; over > 0 {
		e.recent = append(e.recent[:0:0], e.recent[over:]...)
	}
}

// Recent returns up to limit of the latest detected opportunities, newest
// first.
func (e *Engine) Recent(limit int) []models.Opportunity {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.recent) {
		limit = len(e.recent)
	}
	out := make([]models.Opportunity, 0, limit)
	for i := len(e.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.recent[i])
	}
	return out
}

// Latest returns the most recent cached snapshot of a series.
func (e *Engine) Latest(ctx context.Context, source, symbol string) (models.Snapshot, error) {
	return e.cache.Get(ctx, source, symbol)
}

// History collects up to limit cached snapshots, newest first.
func (e *Engine) History(source, symbol string, limit int) []models.Snapshot {
	out := make([]models.Snapshot, 0, max(min(limit, 64), 0))
	for s := range e.cache.History(source, symbol, limit) {
		out = append(out, s)
	}
	return out
}

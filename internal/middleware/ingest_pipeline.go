package middleware

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"RevEngine/internal/domain/models"
	domrepo "RevEngine/internal/domain/repository"
	"RevEngine/internal/usecase"
)

// ErrThrottled is returned for snapshots dropped by the per-series limit.
var ErrThrottled = models.ErrThrottled

// Ingester is the engine entry point the pipeline guards.
type Ingester interface {
	Ingest(ctx context.Context, snap models.Snapshot) (usecase.IngestResult, error)
}

// IngestPipeline sits between every transport adapter and the engine. It
// rejects malformed snapshots, applies an optional transform, and throttles
// each (source, symbol) series independently.
type IngestPipeline struct {
	next      Ingester
	metrics   domrepo.Metrics
	maxRPS    float64
	burst     int
	transform func(models.Snapshot) models.Snapshot

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type PipelineOption func(*IngestPipeline)

// WithMaxRPS sets the sustained snapshots per second allowed per series.
// Zero disables throttling.
func WithMaxRPS(rps float64, burst int) PipelineOption {
	return func(p *IngestPipeline) {
		p.maxRPS = rps
		if burst > 0 {
			p.burst = burst
		}
	}
}

// WithTransform rewrites snapshots before validation.
func WithTransform(fn func(models.Snapshot) models.Snapshot) PipelineOption {
	return func(p *IngestPipeline) { p.transform = fn }
}

// Normalize returns a transform that trims source and symbol, fills an empty
// source with defaultSource and optionally upper-cases the symbol, so
// "btcusdt " and "BTCUSDT" land in the same series.
func Normalize(defaultSource string, upperSymbols bool) func(models.Snapshot) models.Snapshot {
	return func(s models.Snapshot) models.Snapshot {
		s.Source = strings.TrimSpace(s.Source)
		if s.Source == "" {
			s.Source = defaultSource
		}
		s.Symbol = strings.TrimSpace(s.Symbol)
		if upperSymbols {
			s.Symbol = strings.ToUpper(s.Symbol)
		}
		return s
	}
}

func NewIngestPipeline(next Ingester, metrics domrepo.Metrics, opts ...PipelineOption) *IngestPipeline {
	p := &IngestPipeline{
		next:     next,
		metrics:  metrics,
		maxRPS:   20,
		burst:    20,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process validates, throttles and forwards snap to the engine.
func (p *IngestPipeline) Process(ctx context.Context, snap models.Snapshot) (usecase.IngestResult, error) {
	if p.transform != nil {
		snap = p.transform(snap)
	}
	if err := validateSnapshot(snap); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return usecase.IngestResult{}, err
	}
	if !p.allow(snap.Source + "|" + snap.Symbol) {
		p.metrics.RecordError("pipeline_throttle")
		return usecase.IngestResult{}, ErrThrottled
	}
	return p.next.Ingest(ctx, snap)
}

func (p *IngestPipeline) allow(series string) bool {
	if p.maxRPS <= 0 {
		return true
	}
	p.mu.Lock()
	l, ok := p.limiters[series]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.maxRPS), p.burst)
		p.limiters[series] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

func validateSnapshot(s models.Snapshot) error {
	if err := s.ValidateIdentity(); err != nil {
		return err
	}
	if s.Timestamp.After(time.Now().Add(time.Minute)) {
		return &models.DataQualityError{Field: "timestamp", Reason: "in the future", Snapshot: s.Key()}
	}
	for name, p := range map[string]*float64{
		models.FieldPrice:         s.Price,
		models.FieldMovingAverage: s.MovingAverage,
		models.FieldVolume:        s.Volume,
		models.FieldAverageVolume: s.AverageVolume,
	} {
		if p == nil {
			continue
		}
		if math.IsNaN(*p) || math.IsInf(*p, 0) {
			return &models.DataQualityError{Field: name, Reason: "not finite", Snapshot: s.Key()}
		}
		if *p < 0 {
			return &models.DataQualityError{Field: name, Reason: "negative", Snapshot: s.Key()}
		}
	}
	return nil
}

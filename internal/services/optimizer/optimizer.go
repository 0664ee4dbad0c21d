package optimizer

import (
	"context"
	"errors"
	"maps"
	"time"

	"RevEngine/internal/domain/models"
	"RevEngine/internal/domain/repository"
	"RevEngine/internal/domain/service"
	"RevEngine/pkg/logger"
	"RevEngine/pkg/metrics"
)

// StrategyStore is the part of the lifecycle manager the optimizer uses.
// Parameter changes go through AdjustParameters so state validation always
// applies.
type StrategyStore interface {
	Get(ctx context.Context, id string) (models.Strategy, error)
	AdjustParameters(ctx context.Context, id string, params map[string]float64, basedOnVersion uint64) (models.Strategy, error)
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDiscarded Outcome = "discarded"
)

// Result describes one optimization cycle.
type Result struct {
	StrategyID string             `json:"strategy_id"`
	Outcome    Outcome            `json:"outcome"`
	Reason     string             `json:"reason,omitempty"`
	Score      float64            `json:"score"`
	Old        map[string]float64 `json:"old,omitempty"`
	New        map[string]float64 `json:"new,omitempty"`
	Version    uint64             `json:"version"`
}

type Optimizer struct {
	store      StrategyStore
	scorer     service.Scorer
	adjuster   *Adjuster
	minSamples int
	sink       repository.EventSink
	metrics    repository.Metrics
	log        *logger.Logger
	now        func() time.Time
}

type Option func(*Optimizer)

func WithEventSink(s repository.EventSink) Option { return func(o *Optimizer) { o.sink = s } }

func WithMetrics(m repository.Metrics) Option { return func(o *Optimizer) { o.metrics = m } }

func WithLogger(l *logger.Logger) Option { return func(o *Optimizer) { o.log = l } }

func WithClock(now func() time.Time) Option { return func(o *Optimizer) { o.now = now } }

func WithAdjuster(a *Adjuster) Option { return func(o *Optimizer) { o.adjuster = a } }

// WithMinSamples sets the history length below which a cycle is a no-op.
func WithMinSamples(n int) Option { return func(o *Optimizer) { o.minSamples = n } }

func New(store StrategyStore, scorer service.Scorer, opts ...Option) *Optimizer {
	o := &Optimizer{
		store:      store,
		scorer:     scorer,
		adjuster:   NewAdjuster(0, 0),
		minSamples: 5,
		metrics:    metrics.Nop{},
		log:        logger.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Optimize runs one cycle for strategy id. Only MONITORED strategies are
// adjusted; others, and strategies with fewer than minSamples samples
// carrying the scored metric, are skipped without error. A terminal strategy is an InvalidTransitionError. If ctx
// ends or the strategy changes before the new parameters are applied, the
// result is discarded.
func (o *Optimizer) Optimize(ctx context.Context, id string) (Result, error) {
	start := time.Now()
	defer func() { o.metrics.RecordLatency("optimize", time.Since(start).Seconds()) }()

	s, err := o.store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	res := Result{StrategyID: id, Version: s.Version, Old: maps.Clone(s.Parameters)}

	if s.State.Terminal() {
		o.adjuster.Forget(id)
		return Result{}, &models.InvalidTransitionError{StrategyID: id, From: s.State, Op: "optimize"}
	}
	if s.State != models.StateMonitored {
		return o.finish(ctx, res, OutcomeSkipped, "strategy is "+string(s.State)), nil
	}
	if len(s.History) < o.minSamples {
		return o.finish(ctx, res, OutcomeSkipped, "insufficient samples"), nil
	}

	score, samples := o.scorer.Score(s.History)
	if samples == 0 || samples < o.minSamples {
		return o.finish(ctx, res, OutcomeSkipped, "insufficient samples"), nil
	}
	res.Score = score
	next := o.adjuster.Next(id, s.Parameters, res.Score)
	res.New = next

	if err := ctx.Err(); err != nil {
		return o.finish(ctx, res, OutcomeDiscarded, "cancelled: "+err.Error()), nil
	}

	updated, err := o.store.AdjustParameters(ctx, id, next, s.Version)
	if err != nil {
		var stale *models.StaleUpdateError
		var invalid *models.InvalidTransitionError
		switch {
		case errors.As(err, &stale):
			return o.finish(ctx, res, OutcomeDiscarded, "strategy changed during cycle"), nil
		case errors.As(err, &invalid):
			o.adjuster.Forget(id)
			return o.finish(ctx, res, OutcomeDiscarded, "strategy left MONITORED during cycle"), nil
		default:
			o.metrics.RecordError("optimize")
			return Result{}, err
		}
	}
	res.Version = updated.Version
	return o.finish(ctx, res, OutcomeApplied, ""), nil
}

func (o *Optimizer) finish(ctx context.Context, res Result, outcome Outcome, reason string) Result {
	res.Outcome = outcome
	res.Reason = reason
	o.metrics.RecordOptimize(string(outcome))

	kind := models.EventOptimizeApplied
	switch outcome {
	case OutcomeSkipped:
		kind = models.EventOptimizeSkipped
	case OutcomeDiscarded:
		kind = models.EventOptimizeDiscarded
	}
	detail := map[string]any{
		"scorer":  o.scorer.Name(),
		"score":   res.Score,
		"version": res.Version,
	}
	if reason != "" {
		detail["reason"] = reason
	}
	if res.Old != nil {
		detail["old"] = res.Old
	}
	if res.New != nil {
		detail["new"] = res.New
	}

	o.log.Debug("optimize cycle",
		logger.String("strategy_id", res.StrategyID),
		logger.String("outcome", string(outcome)),
		logger.String("reason", reason),
		logger.Float64("score", res.Score))

	if o.sink != nil {
		// the cycle may have been cancelled; the event still has to go out
		if err := o.sink.Emit(context.WithoutCancel(ctx), models.NewEvent(o.now(), res.StrategyID, kind, detail)); err != nil {
			o.log.Warn("event emit failed", logger.String("kind", string(kind)), logger.Error(err))
		}
	}
	return res
}

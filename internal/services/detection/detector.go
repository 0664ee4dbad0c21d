package detection

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"

	"RevEngine/internal/domain/models"
	"RevEngine/internal/domain/repository"
	"RevEngine/internal/domain/service"
	"RevEngine/pkg/logger"
	"RevEngine/pkg/metrics"
)

// HistorySource serves recent snapshots of a series, newest first.
type HistorySource interface {
	History(source, symbol string, limit int) iter.Seq[models.Snapshot]
}

// ActiveChecker reports whether a non-terminal strategy holds (symbol, kind).
type ActiveChecker interface {
	HasActive(symbol string, kind models.OpportunityKind) bool
}

// Detector runs an ordered rule list over each snapshot.
type Detector struct {
	rules        []service.Rule
	history      HistorySource
	active       ActiveChecker
	sink         repository.EventSink
	metrics      repository.Metrics
	log          *logger.Logger
	now          func() time.Time
	newID        func() string
	historyDepth int
}

type Option func(*Detector)

func WithHistory(h HistorySource) Option { return func(d *Detector) { d.history = h } }

func WithActiveChecker(a ActiveChecker) Option { return func(d *Detector) { d.active = a } }

func WithEventSink(s repository.EventSink) Option { return func(d *Detector) { d.sink = s } }

func WithMetrics(m repository.Metrics) Option { return func(d *Detector) { d.metrics = m } }

func WithLogger(l *logger.Logger) Option { return func(d *Detector) { d.log = l } }

func WithClock(now func() time.Time) Option { return func(d *Detector) { d.now = now } }

func WithIDGenerator(f func() string) Option { return func(d *Detector) { d.newID = f } }

// WithHistoryDepth bounds how many cached snapshots a rule may look at.
func WithHistoryDepth(n int) Option { return func(d *Detector) { d.historyDepth = n } }

func NewDetector(rules []service.Rule, opts ...Option) *Detector {
	d := &Detector{
		rules:        rules,
		metrics:      metrics.Nop{},
		log:          logger.Nop(),
		now:          time.Now,
		newID:        uuid.NewString,
		historyDepth: 256,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Rules returns the rule names in evaluation order.
func (d *Detector) Rules() []string {
	names := make([]string, len(d.rules))
	for i, r := range d.rules {
		names[i] = r.Name()
	}
	return names
}

// Detect evaluates every rule against snap. A rule that cannot run because of
// missing data is skipped and reported as a rule_skipped event; the other
// rules still run. Opportunities whose (symbol, kind) is already held by an
// active strategy, or already produced earlier in the pass, are dropped.
func (d *Detector) Detect(ctx context.Context, snap models.Snapshot) ([]models.Opportunity, error) {
	if err := snap.ValidateIdentity(); err != nil {
		return nil, err
	}

	var history iter.Seq[models.Snapshot]
	if d.history != nil {
		history = d.history.History(snap.Source, snap.Symbol, d.historyDepth)
	}

	var (
		out    []models.Opportunity
		events []models.Event
		seen   = make(map[models.ClaimKey]struct{}, len(d.rules))
	)

	for _, rule := range d.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sig, err := rule.Evaluate(snap, history)
		if err != nil {
			events = append(events, d.ruleErrorEvent(rule, snap, err))
			continue
		}
		if sig == nil {
			continue
		}

		claim := models.ClaimKey{Symbol: snap.Symbol, Kind: rule.Kind()}
		if _, dup := seen[claim]; dup {
			continue
		}
		seen[claim] = struct{}{}
		if d.active != nil && d.active.HasActive(claim.Symbol, claim.Kind) {
			d.log.Debug("opportunity already covered",
				logger.String("rule", rule.Name()),
				logger.String("claim", claim.String()))
			continue
		}

		opp := models.Opportunity{
			ID:         d.newID(),
			Kind:       rule.Kind(),
			Source:     snap.Source,
			Symbol:     snap.Symbol,
			Snapshot:   snap.Key(),
			Rule:       rule.Name(),
			Confidence: sig.Confidence,
			Reason:     sig.Reason,
			DetectedAt: d.now().UTC(),
		}
		out = append(out, opp)
		d.metrics.RecordOpportunity(string(opp.Kind), opp.Rule)
		events = append(events, models.NewEvent(opp.DetectedAt, opp.ID, models.EventOpportunity, map[string]any{
			"symbol":     opp.Symbol,
			"kind":       string(opp.Kind),
			"rule":       opp.Rule,
			"confidence": opp.Confidence,
			"snapshot":   opp.Snapshot.String(),
		}))
	}

	d.emit(ctx, events)
	return out, nil
}

func (d *Detector) ruleErrorEvent(rule service.Rule, snap models.Snapshot, err error) models.Event {
	var dq *models.DataQualityError
	if errors.As(err, &dq) {
		d.metrics.RecordRuleSkip(rule.Name(), dq.Field)
		d.log.Warn("rule skipped",
			logger.String("rule", rule.Name()),
			logger.String("snapshot", snap.Key().String()),
			logger.String("field", dq.Field),
			logger.String("reason", dq.Reason))
		return models.NewEvent(d.now(), snap.Key().String(), models.EventRuleSkipped, map[string]any{
			"rule":   rule.Name(),
			"field":  dq.Field,
			"reason": dq.Reason,
		})
	}

	d.metrics.RecordError("rule")
	d.log.Error("rule failed",
		logger.String("rule", rule.Name()),
		logger.String("snapshot", snap.Key().String()),
		logger.Error(err))
	return models.NewEvent(d.now(), snap.Key().String(), models.EventRuleFailed, map[string]any{
		"rule":  rule.Name(),
		"error": err.Error(),
	})
}

func (d *Detector) emit(ctx context.Context, events []models.Event) {
	if d.sink == nil {
		return
	}
	for _, e := range events {
		if err := d.sink.Emit(ctx, e); err != nil {
			d.log.Warn("event emit failed", logger.String("kind", string(e.Kind)), logger.Error(err))
		}
	}
}

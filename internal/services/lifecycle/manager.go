package lifecycle

import (
	"context"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"RevEngine/internal/domain/models"
	"RevEngine/internal/domain/repository"
	"RevEngine/pkg/logger"
	"RevEngine/pkg/metrics"
)

const (
	opImplement = "implement"
	opRecord    = "record_metrics"
	opClose     = "close"
	opFail      = "fail"
	opAdjust    = "adjust_parameters"
)

// Listener is told about every state change after it is committed.
type Listener func(t models.Transition, s models.Strategy)

type entry struct {
	mu sync.Mutex
	s  models.Strategy
}

// Manager owns every strategy and is the only component that mutates one.
// Each strategy has its own lock; the index lock is held only to look up
// entries and to claim or release (symbol, kind) pairs, and is always
// acquired after an entry lock, never before.
type Manager struct {
	executor        repository.Executor
	sink            repository.EventSink
	metrics         repository.Metrics
	log             *logger.Logger
	now             func() time.Time
	newID           func() string
	minObservations int
	maxHistory      int

	mu         sync.RWMutex
	strategies map[string]*entry
	claims     map[models.ClaimKey]string
	byOpp      map[string]string

	lmu       sync.RWMutex
	listeners []Listener
}

type Option func(*Manager)

func WithExecutor(e repository.Executor) Option { return func(m *Manager) { m.executor = e } }

func WithEventSink(s repository.EventSink) Option { return func(m *Manager) { m.sink = s } }

func WithMetrics(r repository.Metrics) Option { return func(m *Manager) { m.metrics = r } }

func WithLogger(l *logger.Logger) Option { return func(m *Manager) { m.log = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithIDGenerator(f func() string) Option { return func(m *Manager) { m.newID = f } }

// WithMinObservations sets how many metric samples move a strategy from
// IMPLEMENTED to MONITORED.
func WithMinObservations(n int) Option { return func(m *Manager) { m.minObservations = n } }

// WithMaxHistory caps the retained metric samples per strategy.
func WithMaxHistory(n int) Option { return func(m *Manager) { m.maxHistory = n } }

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		metrics:         metrics.Nop{},
		log:             logger.Nop(),
		now:             time.Now,
		newID:           uuid.NewString,
		minObservations: 3,
		maxHistory:      10000,
		strategies:      make(map[string]*entry),
		claims:          make(map[models.ClaimKey]string),
		byOpp:           make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.minObservations < 1 {
		m.minObservations = 1
	}
	return m
}

// Subscribe registers l for every committed transition.
func (m *Manager) Subscribe(l Listener) {
	m.lmu.Lock()
	m.listeners = append(m.listeners, l)
	m.lmu.Unlock()
}

// Propose creates a PROPOSED strategy for opp. The check for an existing
// active strategy on the same (symbol, kind) or opportunity and the insert
// happen under one lock.
func (m *Manager) Propose(ctx context.Context, opp models.Opportunity) (models.Strategy, error) {
	switch {
	case opp.ID == "":
		return models.Strategy{}, &models.DataQualityError{Field: "opportunity_id", Reason: "missing"}
	case opp.Symbol == "":
		return models.Strategy{}, &models.DataQualityError{Field: "symbol", Reason: "missing"}
	case !opp.Kind.Valid():
		return models.Strategy{}, &models.DataQualityError{Field: "kind", Reason: "unknown"}
	}

	now := m.now().UTC()
	s := models.Strategy{
		ID:            m.newID(),
		OpportunityID: opp.ID,
		Symbol:        opp.Symbol,
		Kind:          opp.Kind,
		State:         models.StateProposed,
		Parameters:    map[string]float64{},
		Reason:        opp.Reason,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	claim := s.Claim()

	m.mu.Lock()
	if existing, ok := m.claims[claim]; ok {
		m.mu.Unlock()
		return models.Strategy{}, &models.DuplicateStrategyError{Claim: claim, ExistingID: existing}
	}
	if existing, ok := m.byOpp[opp.ID]; ok {
		m.mu.Unlock()
		return models.Strategy{}, &models.DuplicateStrategyError{Claim: claim, ExistingID: existing}
	}
	m.strategies[s.ID] = &entry{s: s}
	m.claims[claim] = s.ID
	m.byOpp[opp.ID] = s.ID
	m.mu.Unlock()

	m.committed(ctx, models.Transition{StrategyID: s.ID, To: models.StateProposed, Reason: "proposed from " + opp.Rule, At: now}, s.Clone())
	return s.Clone(), nil
}

// Implement moves a PROPOSED strategy to IMPLEMENTED after the executor
// accepts it. A rejection moves the strategy to FAILED and is returned as
// an ExecutionRejectedError. The strategy stays locked for the executor
// call, so concurrent calls on it are serialized.
func (m *Manager) Implement(ctx context.Context, id string, params map[string]float64) (models.Strategy, error) {
	e, err := m.entry(id)
	if err != nil {
		return models.Strategy{}, err
	}

	e.mu.Lock()
	if e.s.State != models.StateProposed {
		from := e.s.State
		e.mu.Unlock()
		return models.Strategy{}, &models.InvalidTransitionError{StrategyID: id, From: from, Op: opImplement}
	}
	if err := validParams(params); err != nil {
		e.mu.Unlock()
		return models.Strategy{}, err
	}

	candidate := e.s.Clone()
	candidate.State = models.StateImplemented
	candidate.Parameters = maps.Clone(params)
	if candidate.Parameters == nil {
		candidate.Parameters = map[string]float64{}
	}

	var execErr error
	if m.executor != nil {
		start := time.Now()
		execErr = m.executor.OnImplement(ctx, candidate)
		m.metrics.RecordLatency("executor", time.Since(start).Seconds())
	}

	var t models.Transition
	if execErr != nil {
		t = m.applyLocked(e, models.StateFailed, execErr.Error())
	} else {
		e.s.Parameters = candidate.Parameters
		t = m.applyLocked(e, models.StateImplemented, "")
	}
	out := e.s.Clone()
	e.mu.Unlock()

	m.committed(ctx, t, out)
	if execErr != nil {
		m.metrics.RecordError("execution_rejected")
		m.log.Error("executor rejected strategy", logger.String("strategy_id", id), logger.Error(execErr))
		return models.Strategy{}, &models.ExecutionRejectedError{StrategyID: id, Err: execErr}
	}
	return out, nil
}

// RecordMetrics appends a performance sample. Allowed in IMPLEMENTED and
// MONITORED; the strategy becomes MONITORED once enough samples exist.
func (m *Manager) RecordMetrics(ctx context.Context, id string, sample models.MetricSample) (models.Strategy, error) {
	if len(sample.Values) == 0 {
		return models.Strategy{}, &models.DataQualityError{Field: "values", Reason: "missing"}
	}
	for k, v := range sample.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return models.Strategy{}, &models.DataQualityError{Field: k, Reason: "not finite"}
		}
	}

	e, err := m.entry(id)
	if err != nil {
		return models.Strategy{}, err
	}

	e.mu.Lock()
	if st := e.s.State; st != models.StateImplemented && st != models.StateMonitored {
		e.mu.Unlock()
		return models.Strategy{}, &models.InvalidTransitionError{StrategyID: id, From: st, Op: opRecord}
	}

	if sample.At.IsZero() {
		sample.At = m.now()
	}
	sample.At = sample.At.UTC()
	sample.Values = maps.Clone(sample.Values)
	e.s.History = append(e.s.History, sample)
	if over := len(e.s.History) - m.maxHistory; m.maxHistory > 0 && over > 0 {
		e.s.History = slices.Delete(e.s.History, 0, over)
	}

	var t models.Transition
	promoted := e.s.State == models.StateImplemented && len(e.s.History) >= m.minObservations
	if promoted {
		t = m.applyLocked(e, models.StateMonitored, "observation threshold reached")
	} else {
		e.s.Version++
		e.s.UpdatedAt = m.now().UTC()
	}
	out := e.s.Clone()
	e.mu.Unlock()

	if promoted {
		m.committed(ctx, t, out)
	}
	return out, nil
}

// Close moves any non-terminal strategy to CLOSED. It waits for an
// in-flight Implement of the same strategy, which holds the strategy for
// the executor's whole retry budget.
func (m *Manager) Close(ctx context.Context, id, reason string) (models.Strategy, error) {
	return m.terminate(ctx, id, models.StateClosed, opClose, reason)
}

// Fail moves any non-terminal strategy to FAILED. Like Close, it waits for
// an in-flight Implement.
func (m *Manager) Fail(ctx context.Context, id, reason string) (models.Strategy, error) {
	return m.terminate(ctx, id, models.StateFailed, opFail, reason)
}

func (m *Manager) terminate(ctx context.Context, id string, to models.StrategyState, op, reason string) (models.Strategy, error) {
	e, err := m.entry(id)
	if err != nil {
		return models.Strategy{}, err
	}

	e.mu.Lock()
	if e.s.State.Terminal() {
		from := e.s.State
		e.mu.Unlock()
		return models.Strategy{}, &models.InvalidTransitionError{StrategyID: id, From: from, Op: op}
	}
	t := m.applyLocked(e, to, reason)
	out := e.s.Clone()
	e.mu.Unlock()

	m.committed(ctx, t, out)
	return out, nil
}

// AdjustParameters replaces the parameters of a MONITORED strategy. The
// update is rejected with a StaleUpdateError when the strategy changed
// since basedOnVersion was read.
func (m *Manager) AdjustParameters(ctx context.Context, id string, params map[string]float64, basedOnVersion uint64) (models.Strategy, error) {
	if err := validParams(params); err != nil {
		return models.Strategy{}, err
	}
	e, err := m.entry(id)
	if err != nil {
		return models.Strategy{}, err
	}

	e.mu.Lock()
	if e.s.State != models.StateMonitored {
		from := e.s.State
		e.mu.Unlock()
		return models.Strategy{}, &models.InvalidTransitionError{StrategyID: id, From: from, Op: opAdjust}
	}
	if e.s.Version != basedOnVersion {
		actual := e.s.Version
		e.mu.Unlock()
		return models.Strategy{}, &models.StaleUpdateError{StrategyID: id, Expected: basedOnVersion, Actual: actual}
	}
	old := e.s.Parameters
	e.s.Parameters = maps.Clone(params)
	e.s.Version++
	e.s.UpdatedAt = m.now().UTC()
	out := e.s.Clone()
	e.mu.Unlock()

	m.emit(ctx, models.NewEvent(out.UpdatedAt, id, models.EventParamsAdjusted, map[string]any{
		"old":     old,
		"new":     maps.Clone(params),
		"version": out.Version,
	}))
	return out, nil
}

// Get returns a copy of the strategy.
func (m *Manager) Get(_ context.Context, id string) (models.Strategy, error) {
	e, err := m.entry(id)
	if err != nil {
		return models.Strategy{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Clone(), nil
}

// List returns copies of all strategies in the given states, oldest first.
// No states means all.
func (m *Manager) List(_ context.Context, states ...models.StrategyState) []models.Strategy {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.strategies))
	for _, e := range m.strategies {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]models.Strategy, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		s := e.s.Clone()
		e.mu.Unlock()
		if len(states) == 0 || slices.Contains(states, s.State) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b models.Strategy) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// HasActive reports whether a non-terminal strategy holds (symbol, kind).
func (m *Manager) HasActive(symbol string, kind models.OpportunityKind) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.claims[models.ClaimKey{Symbol: symbol, Kind: kind}]
	return ok
}

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.strategies[id]
	m.mu.RUnlock()
	if !ok {
		return nil, models.ErrStrategyNotFound
	}
	return e, nil
}

// applyLocked moves e to state to and releases its claims when to is
// terminal. Caller holds e.mu.
func (m *Manager) applyLocked(e *entry, to models.StrategyState, reason string) models.Transition {
	now := m.now().UTC()
	t := models.Transition{StrategyID: e.s.ID, From: e.s.State, To: to, Reason: reason, At: now}
	e.s.State = to
	e.s.Version++
	e.s.UpdatedAt = now
	if reason != "" {
		e.s.Reason = reason
	}
	if to.Terminal() {
		m.mu.Lock()
		if m.claims[e.s.Claim()] == e.s.ID {
			delete(m.claims, e.s.Claim())
		}
		if m.byOpp[e.s.OpportunityID] == e.s.ID {
			delete(m.byOpp, e.s.OpportunityID)
		}
		m.mu.Unlock()
	}
	return t
}

// committed reports a transition once no lock is held.
func (m *Manager) committed(ctx context.Context, t models.Transition, s models.Strategy) {
	from := string(t.From)
	if from == "" {
		from = "none"
	}
	m.metrics.RecordTransition(from, string(t.To))
	m.log.Info("strategy transition",
		logger.String("strategy_id", t.StrategyID),
		logger.String("symbol", s.Symbol),
		logger.String("kind", string(s.Kind)),
		logger.String("from", from),
		logger.String("to", string(t.To)),
		logger.String("reason", t.Reason))

	detail := map[string]any{
		"from":    from,
		"to":      string(t.To),
		"symbol":  s.Symbol,
		"kind":    string(s.Kind),
		"version": s.Version,
	}
	if t.Reason != "" {
		detail["reason"] = t.Reason
	}
	m.emit(ctx, models.NewEvent(t.At, t.StrategyID, models.EventTransition, detail))

	m.lmu.RLock()
	listeners := slices.Clone(m.listeners)
	m.lmu.RUnlock()
	for _, l := range listeners {
		l(t, s)
	}
}

func (m *Manager) emit(ctx context.Context, e models.Event) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Emit(ctx, e); err != nil {
		m.log.Warn("event emit failed", logger.String("kind", string(e.Kind)), logger.Error(err))
	}
}

func validParams(params map[string]float64) error {
	for k, v := range params {
		if k == "" {
			return &models.DataQualityError{Field: "parameters", Reason: "empty name"}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &models.DataQualityError{Field: k, Reason: "not finite"}
		}
	}
	return nil
}

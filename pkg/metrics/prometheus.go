package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "revengine"

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	snapshots     *prometheus.CounterVec
	opportunities *prometheus.CounterVec
	ruleSkips     *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	optimizes     *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

// New registers the engine collectors on reg. Tests pass a fresh
// prometheus.NewRegistry(); the service passes prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_ingested_total",
			Help:      "Snapshots accepted into the market data cache",
		}, []string{"source", "symbol"}),
		opportunities: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opportunities_detected_total",
			Help:      "Opportunities emitted by the detector",
		}, []string{"kind", "rule"}),
		ruleSkips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_skips_total",
			Help:      "Rule evaluations skipped because of missing or invalid fields",
		}, []string{"rule", "field"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_transitions_total",
			Help:      "Strategy lifecycle transitions",
		}, []string{"from", "to"}),
		optimizes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimize_cycles_total",
			Help:      "Optimization cycles by outcome",
		}, []string{"outcome"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors encountered",
		}, []string{"type"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of operations in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (r *Recorder) RecordSnapshot(source, symbol string) {
	r.snapshots.WithLabelValues(source, symbol).Inc()
}

func (r *Recorder) RecordOpportunity(kind, rule string) {
	r.opportunities.WithLabelValues(kind, rule).Inc()
}

func (r *Recorder) RecordRuleSkip(rule, field string) {
	r.ruleSkips.WithLabelValues(rule, field).Inc()
}

func (r *Recorder) RecordTransition(from, to string) {
	r.transitions.WithLabelValues(from, to).Inc()
}

func (r *Recorder) RecordOptimize(outcome string) {
	r.optimizes.WithLabelValues(outcome).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// Nop discards all measurements.
type Nop struct{}

func (Nop) RecordSnapshot(string, string)    {}
func (Nop) RecordOpportunity(string, string) {}
func (Nop) RecordRuleSkip(string, string)    {}
func (Nop) RecordTransition(string, string)  {}
func (Nop) RecordOptimize(string)            {}
func (Nop) RecordError(string)               {}
func (Nop) RecordLatency(string, float64)    {}

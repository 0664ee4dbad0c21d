package optimizer

import (
	"fmt"
	"math"

	"RevEngine/internal/domain/models"
	"RevEngine/internal/domain/service"
	"RevEngine/internal/services/features"
)

// MetricPnL is the sample value the built-in scorers read.
const MetricPnL = "pnl"

type meanScorer struct{ metric string }

// NewMeanScorer scores a history by the mean of metric.
func NewMeanScorer(metric string) service.Scorer { return meanScorer{metric: metric} }

func (s meanScorer) Name() string { return "mean" }

func (s meanScorer) Score(history []models.MetricSample) (float64, int) {
	xs := values(history, s.metric)
	return features.Mean(xs), len(xs)
}

type sharpeScorer struct{ metric string }

// NewSharpeScorer scores a history by mean over standard deviation of
// metric. A flat series scores its mean.
func NewSharpeScorer(metric string) service.Scorer { return sharpeScorer{metric: metric} }

func (s sharpeScorer) Name() string { return "sharpe" }

func (s sharpeScorer) Score(history []models.MetricSample) (float64, int) {
	xs := values(history, s.metric)
	mean := features.Mean(xs)
	sd := features.StdDev(xs)
	if sd == 0 || math.IsNaN(sd) {
		return mean, len(xs)
	}
	return mean / sd, len(xs)
}

// NewScorer resolves a scorer by name.
func NewScorer(name, metric string) (service.Scorer, error) {
	if metric == "" {
		metric = MetricPnL
	}
	switch name {
	case "", "mean":
		return NewMeanScorer(metric), nil
	case "sharpe":
		return NewSharpeScorer(metric), nil
	default:
		return nil, fmt.Errorf("unknown scorer %q", name)
	}
}

func values(history []models.MetricSample, metric string) []float64 {
	out := make([]float64, 0, len(history))
	for _, h := range history {
		if v, ok := h.Values[metric]; ok {
			out = append(out, v)
		}
	}
	return out
}

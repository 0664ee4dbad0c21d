package service

import (
	"iter"

	"RevEngine/internal/domain/models"
)

// Signal is what a rule reports when it fires.
type Signal struct {
	Confidence float64
	Reason     string
}

// Rule is one independent detection rule. Evaluate must be a pure function
// of its inputs. A *models.DataQualityError means the snapshot lacks what
// the rule needs; the rule is skipped for that snapshot. A nil signal with
// a nil error means the rule did not fire.
type Rule interface {
	Name() string
	Kind() models.OpportunityKind
	Evaluate(snap models.Snapshot, history iter.Seq[models.Snapshot]) (*Signal, error)
}

// Scorer reduces a performance history to a scalar; higher is better.
// samples is how many entries of history carried the scored metric; a
// score computed from zero samples is meaningless.
type Scorer interface {
	Name() string
	Score(history []models.MetricSample) (score float64, samples int)
}

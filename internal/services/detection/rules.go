package detection

import (
	"fmt"
	"iter"

	"RevEngine/internal/domain/models"
	"RevEngine/internal/domain/service"
	"RevEngine/internal/services/features"
)

const (
	RulePriceAboveMA       = "price_above_ma"
	RuleVolumeAboveAverage = "volume_above_average"
	RuleBreakout           = "breakout"
)

// RuleConfig selects and tunes one built-in rule.
type RuleConfig struct {
	Name     string
	Enabled  bool
	MinRatio float64
	Lookback int
}

// BuildRules returns the enabled rules in configuration order.
func BuildRules(cfgs []RuleConfig) ([]service.Rule, error) {
	rules := make([]service.Rule, 0, len(cfgs))
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		switch c.Name {
		case RulePriceAboveMA:
			rules = append(rules, NewPriceAboveMA(c.MinRatio))
		case RuleVolumeAboveAverage:
			rules = append(rules, NewVolumeAboveAverage(c.MinRatio))
		case RuleBreakout:
			rules = append(rules, NewBreakout(c.Lookback))
		default:
			return nil, fmt.Errorf("unknown detection rule %q", c.Name)
		}
	}
	return rules, nil
}

// DefaultRules is the price and volume pair with neutral thresholds.
func DefaultRules() []service.Rule {
	return []service.Rule{NewPriceAboveMA(1), NewVolumeAboveAverage(1)}
}

// ratioRule fires when numerator/denominator exceeds minRatio.
type ratioRule struct {
	name        string
	kind        models.OpportunityKind
	numerator   string
	denominator string
	minRatio    float64
}

func (r *ratioRule) Name() string                 { return r.name }
func (r *ratioRule) Kind() models.OpportunityKind { return r.kind }

func (r *ratioRule) Evaluate(snap models.Snapshot, _ iter.Seq[models.Snapshot]) (*service.Signal, error) {
	vals, err := snap.Require(r.numerator, r.denominator)
	if err != nil {
		return nil, err
	}
	num, den := vals[0], vals[1]
	if den <= 0 {
		return nil, &models.DataQualityError{Field: r.denominator, Reason: "not positive", Snapshot: snap.Key()}
	}
	ratio := num / den
	if ratio <= r.minRatio {
		return nil, nil
	}
	return &service.Signal{
		Confidence: features.ExcessConfidence(ratio, r.minRatio),
		Reason:     fmt.Sprintf("%s %.6g is %.4gx %s %.6g", r.numerator, num, ratio, r.denominator, den),
	}, nil
}

// NewPriceAboveMA reports TRADING when price exceeds minRatio times the
// moving average. minRatio below 1 is raised to 1.
func NewPriceAboveMA(minRatio float64) service.Rule {
	return &ratioRule{
		name:        RulePriceAboveMA,
		kind:        models.KindTrading,
		numerator:   models.FieldPrice,
		denominator: models.FieldMovingAverage,
		minRatio:    max(minRatio, 1),
	}
}

// NewVolumeAboveAverage reports ARBITRAGE when volume exceeds minRatio times
// the average volume. minRatio below 1 is raised to 1.
func NewVolumeAboveAverage(minRatio float64) service.Rule {
	return &ratioRule{
		name:        RuleVolumeAboveAverage,
		kind:        models.KindArbitrage,
		numerator:   models.FieldVolume,
		denominator: models.FieldAverageVolume,
		minRatio:    max(minRatio, 1),
	}
}

type breakout struct {
	lookback int
}

// NewBreakout reports MARKET_ENTRY when price exceeds the highest price of
// the previous lookback snapshots of the same series. It stays silent until
// that many earlier prices are known.
func NewBreakout(lookback int) service.Rule {
	if lookback <= 0 {
		lookback = 20
	}
	return &breakout{lookback: lookback}
}

func (b *breakout) Name() string                 { return RuleBreakout }
func (b *breakout) Kind() models.OpportunityKind { return models.KindMarketEntry }

func (b *breakout) Evaluate(snap models.Snapshot, history iter.Seq[models.Snapshot]) (*service.Signal, error) {
	vals, err := snap.Require(models.FieldPrice)
	if err != nil {
		return nil, err
	}
	price := vals[0]

	prior := make([]float64, 0, b.lookback)
	if history != nil {
		for h := range history {
			if !h.Timestamp.Before(snap.Timestamp) {
				continue
			}
			if p, ok := h.Field(models.FieldPrice); ok {
				prior = append(prior, p)
			}
			if len(prior) == b.lookback {
				break
			}
		}
	}
	if len(prior) < b.lookback {
		return nil, nil
	}

	high, _ := features.Max(prior)
	if price <= high || high <= 0 {
		return nil, nil
	}
	return &service.Signal{
		Confidence: features.ExcessConfidence(price/high, 1),
		Reason:     fmt.Sprintf("price %.6g above %d-snapshot high %.6g", price, b.lookback, high),
	}, nil
}

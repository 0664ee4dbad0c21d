package models

import (
	"fmt"
	"strings"
	"time"
)

// OpportunityKind discriminates detected opportunities.
type OpportunityKind string

const (
	KindArbitrage   OpportunityKind = "ARBITRAGE"
	KindTrading     OpportunityKind = "TRADING"
	KindMarketEntry OpportunityKind = "MARKET_ENTRY"
)

// Valid reports whether k is a known kind.
func (k OpportunityKind) Valid() bool {
	switch k {
	case KindArbitrage, KindTrading, KindMarketEntry:
		return true
	default:
		return false
	}
}

// ParseOpportunityKind accepts any letter case.
func ParseOpportunityKind(s string) (OpportunityKind, error) {
	k := OpportunityKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown opportunity kind %q", s)
	}
	return k, nil
}

// Opportunity is a candidate for action derived from one snapshot by one rule.
// Only the detector creates opportunities.
type Opportunity struct {
	ID         string          `json:"id"`
	Kind       OpportunityKind `json:"kind"`
	Source     string          `json:"source"`
	Symbol     string          `json:"symbol"`
	Snapshot   SnapshotKey     `json:"snapshot"`
	Rule       string          `json:"rule"`
	Confidence float64         `json:"confidence"`
	Reason     string          `json:"reason,omitempty"`
	DetectedAt time.Time       `json:"detected_at"`
}

// ClaimKey is the (symbol, kind) pair an active strategy holds exclusively.
type ClaimKey struct {
	Symbol string
	Kind   OpportunityKind
}

func (c ClaimKey) String() string { return c.Symbol + "/" + string(c.Kind) }

// Claim returns the exclusivity key of the opportunity.
func (o Opportunity) Claim() ClaimKey {
	return ClaimKey{Symbol: o.Symbol, Kind: o.Kind}
}

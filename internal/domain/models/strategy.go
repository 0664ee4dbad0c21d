package models

import (
	"maps"
	"slices"
	"time"
)

// StrategyState is the lifecycle state of a strategy.
type StrategyState string

const (
	StateProposed    StrategyState = "PROPOSED"
	StateImplemented StrategyState = "IMPLEMENTED"
	StateMonitored   StrategyState = "MONITORED"
	StateClosed      StrategyState = "CLOSED"
	StateFailed      StrategyState = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s StrategyState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Valid reports whether s is a known state.
func (s StrategyState) Valid() bool {
	switch s {
	case StateProposed, StateImplemented, StateMonitored, StateClosed, StateFailed:
		return true
	default:
		return false
	}
}

// MetricSample is one performance observation of an implemented strategy.
type MetricSample struct {
	At     time.Time          `json:"at"`
	Values map[string]float64 `json:"values"`
}

// Strategy is the tracked lifecycle of acting on one opportunity.
// Version increases on every mutation.
type Strategy struct {
	ID            string             `json:"id"`
	OpportunityID string             `json:"opportunity_id"`
	Symbol        string             `json:"symbol"`
	Kind          OpportunityKind    `json:"kind"`
	State         StrategyState      `json:"state"`
	Parameters    map[string]float64 `json:"parameters,omitempty"`
	History       []MetricSample     `json:"history,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	Version       uint64             `json:"version"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Claim returns the (symbol, kind) pair held while the strategy is active.
func (s Strategy) Claim() ClaimKey {
	return ClaimKey{Symbol: s.Symbol, Kind: s.Kind}
}

// Clone returns a copy that shares no mutable state with s.
func (s Strategy) Clone() Strategy {
	out := s
	out.Parameters = maps.Clone(s.Parameters)
	out.History = slices.Clone(s.History)
	for i := range out.History {
		out.History[i].Values = maps.Clone(out.History[i].Values)
	}
	return out
}

// Transition records one state change.
type Transition struct {
	StrategyID string        `json:"strategy_id"`
	From       StrategyState `json:"from"`
	To         StrategyState `json:"to"`
	Reason     string        `json:"reason,omitempty"`
	At         time.Time     `json:"at"`
}

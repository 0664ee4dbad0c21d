package models

import "time"

// EventKind classifies observability events.
type EventKind string

const (
	EventSnapshotIngested  EventKind = "snapshot_ingested"
	EventRuleSkipped       EventKind = "rule_skipped"
	EventRuleFailed        EventKind = "rule_failed"
	EventOpportunity       EventKind = "opportunity_detected"
	EventTransition        EventKind = "strategy_transition"
	EventParamsAdjusted    EventKind = "params_adjusted"
	EventOptimizeApplied   EventKind = "optimize_applied"
	EventOptimizeSkipped   EventKind = "optimize_skipped"
	EventOptimizeDiscarded EventKind = "optimize_discarded"
)

// Event is emitted to the observability sink.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	EntityID  string         `json:"entity_id"`
	Kind      EventKind      `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// NewEvent stamps an event with t in UTC.
func NewEvent(t time.Time, entityID string, kind EventKind, detail map[string]any) Event {
	return Event{Timestamp: t.UTC(), EntityID: entityID, Kind: kind, Detail: detail}
}

package models

import (
	"errors"
	"fmt"
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrStrategyNotFound = errors.New("strategy not found")
	// ErrThrottled marks a snapshot dropped by the per-series ingest limit.
	ErrThrottled = errors.New("snapshot throttled")
)

// DataQualityError marks a snapshot that is missing or carries an invalid
// field. Detection skips the affected rule and carries on.
type DataQualityError struct {
	Field    string
	Reason   string
	Rule     string
	Snapshot SnapshotKey
}

func (e *DataQualityError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("data quality: rule %s: field %s %s", e.Rule, e.Field, e.Reason)
	}
	return fmt.Sprintf("data quality: field %s %s", e.Field, e.Reason)
}

// DuplicateStrategyError rejects a proposal over an already active claim.
type DuplicateStrategyError struct {
	Claim      ClaimKey
	ExistingID string
}

func (e *DuplicateStrategyError) Error() string {
	return fmt.Sprintf("duplicate strategy: %s already covered by %s", e.Claim, e.ExistingID)
}

// InvalidTransitionError rejects an out-of-order lifecycle call.
type InvalidTransitionError struct {
	StrategyID string
	From       StrategyState
	Op         string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s not allowed from %s (strategy %s)", e.Op, e.From, e.StrategyID)
}

// StaleUpdateError rejects a parameter update computed against an older
// version of the strategy.
type StaleUpdateError struct {
	StrategyID string
	Expected   uint64
	Actual     uint64
}

func (e *StaleUpdateError) Error() string {
	return fmt.Sprintf("stale update: strategy %s at version %d, update based on %d", e.StrategyID, e.Actual, e.Expected)
}

// TransientIngestionError is surfaced once the retry budget at the ingestion
// boundary is exhausted.
type TransientIngestionError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientIngestionError) Error() string {
	return fmt.Sprintf("transient ingestion failure: %s after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientIngestionError) Unwrap() error { return e.Err }

// ExecutionRejectedError reports that the execution boundary refused a
// strategy. The strategy is FAILED when this is returned.
type ExecutionRejectedError struct {
	StrategyID string
	Err        error
}

func (e *ExecutionRejectedError) Error() string {
	return fmt.Sprintf("execution rejected strategy %s: %v", e.StrategyID, e.Err)
}

func (e *ExecutionRejectedError) Unwrap() error { return e.Err }

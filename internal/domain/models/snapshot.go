package models

import (
	"fmt"
	"maps"
	"math"
	"time"
)

// Snapshot field names used in data-quality reports.
const (
	FieldPrice         = "price"
	FieldMovingAverage = "moving_average"
	FieldVolume        = "volume"
	FieldAverageVolume = "average_volume"
)

// SnapshotKey is the identity of a snapshot.
type SnapshotKey struct {
	Source    string    `json:"source"`
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
}

func (k SnapshotKey) String() string {
	return fmt.Sprintf("%s:%s@%d", k.Source, k.Symbol, k.Timestamp.UnixNano())
}

// Snapshot is a normalized point-in-time market observation for one symbol
// from one source. Numeric fields are optional: nil means the source did not
// report the value, which is not the same as zero.
type Snapshot struct {
	Source        string             `json:"source"`
	Symbol        string             `json:"symbol"`
	Timestamp     time.Time          `json:"timestamp"`
	Price         *float64           `json:"price,omitempty"`
	MovingAverage *float64           `json:"moving_average,omitempty"`
	Volume        *float64           `json:"volume,omitempty"`
	AverageVolume *float64           `json:"average_volume,omitempty"`
	Extra         map[string]float64 `json:"extra,omitempty"`
}

// Key returns the snapshot identity.
func (s Snapshot) Key() SnapshotKey {
	return SnapshotKey{Source: s.Source, Symbol: s.Symbol, Timestamp: s.Timestamp}
}

// ValidateIdentity reports a DataQualityError when the identity is incomplete.
func (s Snapshot) ValidateIdentity() error {
	switch {
	case s.Source == "":
		return &DataQualityError{Field: "source", Reason: "missing"}
	case s.Symbol == "":
		return &DataQualityError{Field: "symbol", Reason: "missing"}
	case s.Timestamp.IsZero():
		return &DataQualityError{Field: "timestamp", Reason: "missing"}
	}
	return nil
}

// Clone returns a deep copy so stored snapshots cannot be mutated through
// shared pointers.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Price = cloneFloat(s.Price)
	out.MovingAverage = cloneFloat(s.MovingAverage)
	out.Volume = cloneFloat(s.Volume)
	out.AverageVolume = cloneFloat(s.AverageVolume)
	if s.Extra != nil {
		out.Extra = maps.Clone(s.Extra)
	}
	return out
}

// Field returns a named numeric field. Extra fields are looked up last.
func (s Snapshot) Field(name string) (float64, bool) {
	var p *float64
	switch name {
	case FieldPrice:
		p = s.Price
	case FieldMovingAverage:
		p = s.MovingAverage
	case FieldVolume:
		p = s.Volume
	case FieldAverageVolume:
		p = s.AverageVolume
	default:
		v, ok := s.Extra[name]
		return v, ok
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Require returns the named fields in order, or a DataQualityError naming the
// first one that is missing or not a finite number.
func (s Snapshot) Require(names ...string) ([]float64, error) {
	out := make([]float64, 0, len(names))
	for _, n := range names {
		v, ok := s.Field(n)
		if !ok {
			return nil, &DataQualityError{Field: n, Reason: "missing", Snapshot: s.Key()}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &DataQualityError{Field: n, Reason: "not finite", Snapshot: s.Key()}
		}
		out = append(out, v)
	}
	return out, nil
}

// Float returns a pointer to v, for building snapshots.
func Float(v float64) *float64 { return &v }

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

package domain

import (
	"sort"
	"time"
)

// ConfidenceTier classifies a fused event by corroboration.
type ConfidenceTier string

const (
	TierLow     ConfidenceTier = "low"
	TierHigh    ConfidenceTier = "high"
	TierHighest ConfidenceTier = "highest"
)

// Rank orders tiers: low < high < highest. Unknown tiers rank 0.
func (t ConfidenceTier) Rank() int {
	switch t {
	case TierLow:
		return 1
	case TierHigh:
		return 2
	case TierHighest:
		return 3
	default:
		return 0
	}
}

// Status is a fused event's lifecycle state.
type Status string

const (
	StatusProvisional Status = "provisional"
	StatusConfirmed   Status = "confirmed"
	StatusHistorical  Status = "historical"
)

// Rank orders statuses: provisional < confirmed < historical.
func (s Status) Rank() int {
	switch s {
	case StatusProvisional:
		return 1
	case StatusConfirmed:
		return 2
	case StatusHistorical:
		return 3
	default:
		return 0
	}
}

// Contribution is one record's share of a fused event on the canonical grid.
type Contribution struct {
	Record DisturbanceRecord `json:"record"`
	AreaM2 float64           `json:"area_m2"`
}

// FusedEvent is a set of records judged to be the same real disturbance.
// Records only grow. The tier is always computed from Records.
type FusedEvent struct {
	ID            string         `json:"id"`
	RegionID      string         `json:"region_id"`
	CellID        CellID         `json:"cell_id"`
	Records       []Contribution `json:"records"`
	FirstDetected time.Time      `json:"first_detected"`
	LastConfirmed time.Time      `json:"last_confirmed"`
	Status        Status         `json:"status"`
	Unconfirmed   bool           `json:"unconfirmed,omitempty"`
}

// Tier computes the event's confidence tier from its records.
func (e FusedEvent) Tier() ConfidenceTier {
	records := make([]DisturbanceRecord, len(e.Records))
	for i, c := range e.Records {
		records[i] = c.Record
	}
	return ComputeTier(records)
}

// AreaM2 is the largest aligned area among the contributions. Several
// sources seeing the same cell describe one patch of ground, so their areas
// are not summed.
func (e FusedEvent) AreaM2() float64 {
	var area float64
	for _, c := range e.Records {
		if c.AreaM2 > area {
			area = c.AreaM2
		}
	}
	return area
}

// Sources returns the distinct source systems in the event, sorted.
func (e FusedEvent) Sources() []SourceSystem {
	seen := make(map[SourceSystem]struct{}, len(e.Records))
	for _, c := range e.Records {
		seen[c.Record.Source] = struct{}{}
	}
	out := make([]SourceSystem, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasRecord reports whether a record with the dedup key already contributes.
func (e FusedEvent) HasRecord(key string) bool {
	for _, c := range e.Records {
		if c.Record.Key == key {
			return true
		}
	}
	return false
}

// ComputeTier applies the tier policy, first match wins:
//   - highest: records from two or more distinct source systems
//   - high: two or more records from a single source system
//   - low: exactly one record
//
// An empty set has no tier.
func ComputeTier(records []DisturbanceRecord) ConfidenceTier {
	if len(records) == 0 {
		return ""
	}
	sources := make(map[SourceSystem]struct{}, 2)
	for _, r := range records {
		sources[r.Source] = struct{}{}
	}
	switch {
	case len(sources) >= 2:
		return TierHighest
	case len(records) >= 2:
		return TierHigh
	default:
		return TierLow
	}
}

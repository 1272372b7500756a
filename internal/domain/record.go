package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SourceSystem identifies an upstream alert provider.
type SourceSystem string

const (
	SourceGLAD      SourceSystem = "glad"
	SourceRADD      SourceSystem = "radd"
	SourceDISTAlert SourceSystem = "dist-alert"
)

// KnownSources lists the source systems DecodeAlert understands.
var KnownSources = []SourceSystem{SourceGLAD, SourceRADD, SourceDISTAlert}

// RawAlert is one pixel as returned by a provider, still carrying the
// provider's packed confidence/date integer.
type RawAlert struct {
	Lon           float64 `json:"lon"`
	Lat           float64 `json:"lat"`
	ResolutionDeg float64 `json:"resolution_deg"`
	Packed        int64   `json:"packed"`
}

// DisturbanceRecord is a decoded, immutable alert from one source.
type DisturbanceRecord struct {
	Key           string       `json:"key"`
	RegionID      string       `json:"region_id"`
	Source        SourceSystem `json:"source"`
	DetectionDate time.Time    `json:"detection_date"`
	CellID        CellID       `json:"cell_id"`
	ConfidenceRaw int          `json:"confidence_raw"`
	Lon           float64      `json:"lon"`
	Lat           float64      `json:"lat"`
	ResolutionDeg float64      `json:"resolution_deg"`
	IngestedAt    time.Time    `json:"ingested_at"`
	RunID         string       `json:"run_id,omitempty"`
}

// NativeCell returns the record's cell at the source's own resolution.
func (r DisturbanceRecord) NativeCell() (Cell, error) {
	return ParseCellID(r.CellID)
}

// DedupKey is the idempotency key for a record: the same source reporting
// the same cell on the same date for the same region is the same record.
// Overlapping regions each keep their own copy of a shared pixel.
func DedupKey(regionID string, source SourceSystem, cell CellID, date time.Time) string {
	input := fmt.Sprintf("%s|%s|%s|%s", regionID, source, cell, date.UTC().Format(time.DateOnly))
	hash := sha256.Sum256([]byte(input))
	return string(source) + "-" + hex.EncodeToString(hash[:8])
}

// EventID derives a fused event's identifier from the region, canonical
// cell, and the dedup key of the record that opened it.
func EventID(regionID string, cell CellID, openingKey string) string {
	input := fmt.Sprintf("%s|%s|%s", regionID, cell, openingKey)
	hash := sha256.Sum256([]byte(input))
	return "evt-" + hex.EncodeToString(hash[:8])
}

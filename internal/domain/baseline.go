package domain

import "time"

// BaselineSnapshot is an immutable forest-extent reference for a region.
// Superseding a snapshot appends a new version; old versions are kept for
// historical reproducibility.
type BaselineSnapshot struct {
	RegionID       string             `json:"region_id"`
	Version        int                `json:"version"`
	EffectiveDate  time.Time          `json:"effective_date"`
	ResolutionDeg  float64            `json:"resolution_deg"`
	Cells          map[CellID]float64 `json:"cells,omitempty"` // cover probability 0..1
	CoverAreaM2    float64            `json:"cover_area_m2"`
	DatasetVersion string             `json:"dataset_version"`
	CreatedAt      time.Time          `json:"created_at"`
}

// CoverAreaHa returns the baseline forest area in hectares.
func (s BaselineSnapshot) CoverAreaHa() float64 {
	return s.CoverAreaM2 / 10_000
}

// AnnualBaseline is one row of annual loss against the year-2000 cover,
// keyed by (RegionID, Year).
type AnnualBaseline struct {
	RegionID           string    `json:"region_id"`
	Year               int       `json:"year"`
	LossAreaKm2        float64   `json:"loss_area_km2"`
	BaselineCoverKm2   float64   `json:"baseline_cover_area_km2"`
	TreeCoverThreshold int       `json:"tree_cover_threshold"`
	DatasetVersion     string    `json:"dataset_version"`
	ExtractedAt        time.Time `json:"extracted_at"`
}

package domain

import (
	"time"

	"github.com/paulmach/orb"
)

// DefaultTreeCoverThreshold is the minimum canopy cover percent counted as
// forest when a region does not override it.
const DefaultTreeCoverThreshold = 30

// Region is an operator-defined area of interest.
type Region struct {
	ID                 string
	Name               string
	Type               string // e.g. "protected_area", "municipality"
	Geometry           orb.Geometry
	TreeCoverThreshold *int
	BaselineYear       int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BBox returns the region's bounding box. Providers pull by bbox.
func (r Region) BBox() orb.Bound {
	if r.Geometry == nil {
		return orb.Bound{}
	}
	return r.Geometry.Bound()
}

// Threshold returns the effective tree cover threshold.
func (r Region) Threshold() int {
	if r.TreeCoverThreshold != nil {
		return *r.TreeCoverThreshold
	}
	return DefaultTreeCoverThreshold
}

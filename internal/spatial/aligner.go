// Package spatial maps native-resolution alert cells onto the canonical
// analysis grid.
package spatial

import (
	"errors"
	"fmt"
	"math"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// DefaultCellDeg is roughly 30m at the equator.
const DefaultCellDeg = 0.00025

// minFraction drops slivers produced by float error along shared edges.
const minFraction = 1e-9

// Grid is the canonical analysis grid. Cells are anchored at (-180, -90).
type Grid struct {
	CellDeg float64
}

// AlignedRecord is a record's share of one canonical cell.
type AlignedRecord struct {
	Record   domain.DisturbanceRecord
	Cell     domain.CellID
	Fraction float64 // intersection area / source cell area
	AreaM2   float64
}

// Aligner apportions records onto a Grid.
type Aligner struct {
	grid Grid
}

// NewAligner returns an Aligner for the grid. A non-positive cell size falls
// back to DefaultCellDeg.
func NewAligner(grid Grid) *Aligner {
	if grid.CellDeg <= 0 {
		grid.CellDeg = DefaultCellDeg
	}
	return &Aligner{grid: grid}
}

// Grid returns the canonical grid.
func (a *Aligner) Grid() Grid { return a.grid }

// Align returns one AlignedRecord per canonical cell the record's native cell
// overlaps, clipped to the region boundary: a piece the boundary cuts keeps
// only the share of its area inside the region. It fails with
// *domain.AlignmentError when the native cell has no area or nothing of it
// lies inside the region.
func (a *Aligner) Align(rec domain.DisturbanceRecord, region domain.Region) ([]AlignedRecord, error) {
	native, err := rec.NativeCell()
	if err != nil {
		return nil, &domain.AlignmentError{RecordKey: rec.Key, CellID: rec.CellID, Reason: err.Error()}
	}
	src := native.Bound()
	srcArea := boundArea(src)
	if !(srcArea > 0) {
		return nil, &domain.AlignmentError{RecordKey: rec.Key, CellID: rec.CellID, Reason: "source cell has zero area"}
	}
	srcAreaM2 := geo.Area(src.ToPolygon())
	within, ok := clipTo(src, region.Geometry)
	if !ok {
		return nil, &domain.AlignmentError{RecordKey: rec.Key, CellID: rec.CellID, Reason: "no overlap with region boundary"}
	}

	size := a.grid.CellDeg
	x0 := int64(math.Floor((src.Min[0]+180)/size + 1e-9))
	x1 := int64(math.Ceil((src.Max[0]+180)/size-1e-9)) - 1
	y0 := int64(math.Floor((src.Min[1]+90)/size + 1e-9))
	y1 := int64(math.Ceil((src.Max[1]+90)/size-1e-9)) - 1

	var out []AlignedRecord
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			cell := domain.Cell{X: x, Y: y, SizeDeg: size}
			inter, ok := intersect(src, cell.Bound())
			if !ok {
				continue
			}
			fraction := insideArea(within, inter) / srcArea
			if fraction < minFraction {
				continue
			}
			out = append(out, AlignedRecord{
				Record:   rec,
				Cell:     cell.ID(),
				Fraction: fraction,
				AreaM2:   fraction * srcAreaM2,
			})
		}
	}
	if len(out) == 0 {
		return nil, &domain.AlignmentError{RecordKey: rec.Key, CellID: rec.CellID, Reason: "no overlap with region boundary"}
	}
	return out, nil
}

// AlignAll aligns every record and splits the alignment failures out. Any
// error other than *domain.AlignmentError aborts.
func (a *Aligner) AlignAll(records []domain.DisturbanceRecord, region domain.Region) ([]AlignedRecord, []*domain.AlignmentError, error) {
	var (
		aligned  []AlignedRecord
		failures []*domain.AlignmentError
	)
	for _, rec := range records {
		pieces, err := a.Align(rec, region)
		if err != nil {
			var alignErr *domain.AlignmentError
			if errors.As(err, &alignErr) {
				failures = append(failures, alignErr)
				continue
			}
			return nil, nil, fmt.Errorf("align %s: %w", rec.Key, err)
		}
		aligned = append(aligned, pieces...)
	}
	return aligned, failures, nil
}

// clipTo returns the part of g inside b, or false when they do not overlap.
// A nil geometry covers everything and stays nil.
func clipTo(b orb.Bound, g orb.Geometry) (orb.Geometry, bool) {
	if g == nil {
		return nil, true
	}
	// clip works in place.
	clipped := clip.Geometry(b, orb.Clone(g))
	if clipped == nil {
		return nil, false
	}
	return clipped, true
}

// insideArea is the planar area of piece covered by g, in square degrees.
// g is already clipped to the source cell; nil covers the whole piece.
func insideArea(g orb.Geometry, piece orb.Bound) float64 {
	switch geom := g.(type) {
	case nil:
		return boundArea(piece)
	case orb.Bound:
		inter, ok := intersect(geom, piece)
		if !ok {
			return 0
		}
		return boundArea(inter)
	default:
		clipped := clip.Geometry(piece, orb.Clone(geom))
		if clipped == nil {
			return 0
		}
		return math.Min(planar.Area(clipped), boundArea(piece))
	}
}

func intersect(a, b orb.Bound) (orb.Bound, bool) {
	out := orb.Bound{
		Min: orb.Point{math.Max(a.Min[0], b.Min[0]), math.Max(a.Min[1], b.Min[1])},
		Max: orb.Point{math.Min(a.Max[0], b.Max[0]), math.Min(a.Max[1], b.Max[1])},
	}
	if out.Max[0] <= out.Min[0] || out.Max[1] <= out.Min[1] {
		return orb.Bound{}, false
	}
	return out, true
}

// boundArea is the planar area in square degrees.
func boundArea(b orb.Bound) float64 {
	return (b.Max[0] - b.Min[0]) * (b.Max[1] - b.Min[1])
}

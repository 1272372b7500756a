package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// CellID identifies a grid cell, e.g. "r0.00025:1234560:456789".
type CellID string

// Cell is an axis-aligned lat/lon square anchored at (-180, -90).
type Cell struct {
	X       int64
	Y       int64
	SizeDeg float64
}

// snapEpsilon absorbs float error when a coordinate sits on a cell edge.
const snapEpsilon = 1e-9

// CellAt returns the cell of the given size containing lon/lat.
func CellAt(lon, lat, sizeDeg float64) Cell {
	return Cell{
		X:       int64(math.Floor((lon+180)/sizeDeg + snapEpsilon)),
		Y:       int64(math.Floor((lat+90)/sizeDeg + snapEpsilon)),
		SizeDeg: sizeDeg,
	}
}

// ID renders the cell identifier.
func (c Cell) ID() CellID {
	return CellID(fmt.Sprintf("r%s:%d:%d", strconv.FormatFloat(c.SizeDeg, 'f', -1, 64), c.X, c.Y))
}

// Bound returns the cell rectangle in lon/lat.
func (c Cell) Bound() orb.Bound {
	minLon := float64(c.X)*c.SizeDeg - 180
	minLat := float64(c.Y)*c.SizeDeg - 90
	return orb.Bound{
		Min: orb.Point{minLon, minLat},
		Max: orb.Point{minLon + c.SizeDeg, minLat + c.SizeDeg},
	}
}

// Center returns the cell centre point.
func (c Cell) Center() orb.Point {
	return c.Bound().Center()
}

// ParseCellID is the inverse of Cell.ID.
func ParseCellID(id CellID) (Cell, error) {
	parts := strings.Split(string(id), ":")
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "r") {
		return Cell{}, fmt.Errorf("parse cell id %q: malformed", id)
	}
	size, err := strconv.ParseFloat(strings.TrimPrefix(parts[0], "r"), 64)
	if err != nil || size <= 0 {
		return Cell{}, fmt.Errorf("parse cell id %q: invalid size", id)
	}
	x, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Cell{}, fmt.Errorf("parse cell id %q: invalid column: %w", id, err)
	}
	y, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Cell{}, fmt.Errorf("parse cell id %q: invalid row: %w", id, err)
	}
	return Cell{X: x, Y: y, SizeDeg: size}, nil
}

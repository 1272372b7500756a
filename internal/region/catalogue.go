// Package region loads the operator-defined region catalogue.
//
// The catalogue is a YAML file listing regions. Each boundary is GeoJSON,
// either inline or in a file relative to the catalogue:
//
//	regions:
//	  - name: Reserva Norte
//	    type: protected_area
//	    tree_cover_threshold: 30
//	    boundary_file: boundaries/reserva-norte.geojson
//	  - id: 0b6e1c9e-8d5f-4d0f-9a53-1f4cbb2f7f10
//	    name: Municipio Sul
//	    geojson: |
//	      {"type":"Polygon","coordinates":[[[-60,-3],[-59,-3],[-59,-2],[-60,-3]]]}
//
// Regions without an id get a UUIDv5 derived from their name, so reloading
// the same catalogue yields the same ids.
package region

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gopkg.in/yaml.v3"
)

// idNamespace scopes name-derived region ids.
var idNamespace = uuid.MustParse("6f0d3c52-4c8e-4b7e-9d0a-3b1f5e2a9c41")

// Store persists regions. Saving a changed boundary for a region that
// alerts already reference fails with domain.ErrRegionBoundaryLocked.
type Store interface {
	SaveRegion(ctx context.Context, r domain.Region) error
	Regions(ctx context.Context) ([]domain.Region, error)
	Region(ctx context.Context, id string) (domain.Region, error)
}

type catalogueFile struct {
	Regions []entry `yaml:"regions"`
}

type entry struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	Type               string `yaml:"type"`
	TreeCoverThreshold *int   `yaml:"tree_cover_threshold"`
	BaselineYear       int    `yaml:"baseline_year"`
	BoundaryFile       string `yaml:"boundary_file"`
	GeoJSON            string `yaml:"geojson"`
}

// Load reads the catalogue at path.
func Load(path string) ([]domain.Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read region catalogue: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes catalogue YAML. Boundary files resolve relative to dir.
func Parse(data []byte, dir string) ([]domain.Region, error) {
	var file catalogueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse region catalogue: %w", err)
	}
	if len(file.Regions) == 0 {
		return nil, errors.New("region catalogue is empty")
	}

	seen := make(map[string]string, len(file.Regions))
	regions := make([]domain.Region, 0, len(file.Regions))
	for i, e := range file.Regions {
		r, err := e.toRegion(dir)
		if err != nil {
			return nil, fmt.Errorf("region %d (%s): %w", i, e.Name, err)
		}
		if other, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("region %d (%s): id %s already used by %s", i, e.Name, r.ID, other)
		}
		seen[r.ID] = r.Name
		regions = append(regions, r)
	}
	return regions, nil
}

func (e entry) toRegion(dir string) (domain.Region, error) {
	if e.Name == "" {
		return domain.Region{}, errors.New("name is required")
	}

	id := e.ID
	if id == "" {
		id = uuid.NewSHA1(idNamespace, []byte(e.Name)).String()
	} else if _, err := uuid.Parse(id); err != nil {
		return domain.Region{}, fmt.Errorf("invalid id %q: %w", id, err)
	}

	var raw []byte
	switch {
	case e.BoundaryFile != "" && e.GeoJSON != "":
		return domain.Region{}, errors.New("set boundary_file or geojson, not both")
	case e.BoundaryFile != "":
		path := e.BoundaryFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return domain.Region{}, fmt.Errorf("read boundary: %w", err)
		}
		raw = data
	case e.GeoJSON != "":
		raw = []byte(e.GeoJSON)
	default:
		return domain.Region{}, errors.New("boundary is required")
	}

	geom, err := ParseBoundary(raw)
	if err != nil {
		return domain.Region{}, err
	}

	r := domain.Region{
		ID:                 id,
		Name:               e.Name,
		Type:               e.Type,
		Geometry:           geom,
		TreeCoverThreshold: e.TreeCoverThreshold,
		BaselineYear:       e.BaselineYear,
	}
	if err := Validate(r); err != nil {
		return domain.Region{}, err
	}
	return r, nil
}

// ParseBoundary accepts a GeoJSON Polygon or MultiPolygon geometry, a
// Feature, or a FeatureCollection whose polygons are merged into one
// MultiPolygon.
func ParseBoundary(data []byte) (orb.Geometry, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse boundary: %w", err)
	}

	var geoms []orb.Geometry
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("parse boundary: %w", err)
		}
		for _, f := range fc.Features {
			geoms = append(geoms, f.Geometry)
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("parse boundary: %w", err)
		}
		geoms = append(geoms, f.Geometry)
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("parse boundary: %w", err)
		}
		geoms = append(geoms, g.Geometry())
	}

	var mp orb.MultiPolygon
	for _, g := range geoms {
		switch g := g.(type) {
		case orb.Polygon:
			mp = append(mp, g)
		case orb.MultiPolygon:
			mp = append(mp, g...)
		default:
			return nil, fmt.Errorf("parse boundary: unsupported geometry %T", g)
		}
	}
	switch len(mp) {
	case 0:
		return nil, errors.New("parse boundary: no polygons")
	case 1:
		return mp[0], nil
	default:
		return mp, nil
	}
}

// Validate checks the boundary and overrides.
func Validate(r domain.Region) error {
	if r.Geometry == nil {
		return errors.New("boundary is required")
	}
	b := r.Geometry.Bound()
	if b.Min[0] < -180 || b.Max[0] > 180 || b.Min[1] < -90 || b.Max[1] > 90 {
		return fmt.Errorf("boundary %v is outside WGS84 bounds", b)
	}
	if b.Min[0] == b.Max[0] || b.Min[1] == b.Max[1] {
		return errors.New("boundary has zero extent")
	}
	if t := r.TreeCoverThreshold; t != nil && (*t < 0 || *t > 100) {
		return fmt.Errorf("tree cover threshold must be 0-100, got %d", *t)
	}
	if r.BaselineYear != 0 && (r.BaselineYear < 2000 || r.BaselineYear > 2100) {
		return fmt.Errorf("baseline year %d out of range", r.BaselineYear)
	}
	return nil
}

// Sync saves every catalogue region and returns the stored set. A boundary
// locked by existing alerts aborts the sync.
func Sync(ctx context.Context, store Store, regions []domain.Region, now time.Time) ([]domain.Region, error) {
	for _, r := range regions {
		r.UpdatedAt = now.UTC()
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now.UTC()
		}
		if err := store.SaveRegion(ctx, r); err != nil {
			return nil, fmt.Errorf("save region %s (%s): %w", r.ID, r.Name, err)
		}
	}
	return store.Regions(ctx)
}

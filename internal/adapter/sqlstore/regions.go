package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/paulmach/orb/geojson"
)

const regionColumns = "id, name, region_type, geometry, tree_cover_threshold, baseline_year, created_at, updated_at"

// SaveRegion inserts or updates a region. Changing the boundary of a region
// that already has alerts fails with domain.ErrRegionBoundaryLocked.
func (s *Store) SaveRegion(ctx context.Context, r domain.Region) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.ID == "" {
		return fmt.Errorf("save region: id is required")
	}
	geom, err := encodeGeometry(r)
	if err != nil {
		return fmt.Errorf("save region %s: %w", r.ID, err)
	}

	var threshold sql.NullInt64
	if r.TreeCoverThreshold != nil {
		threshold = sql.NullInt64{Int64: int64(*r.TreeCoverThreshold), Valid: true}
	}
	now := s.now()
	created, updated := r.CreatedAt, r.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, s.q("SELECT geometry FROM regions WHERE id = ?"), r.ID).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("load region %s: %w", r.ID, err)
		case existing != geom:
			var one int
			err := tx.QueryRowContext(ctx, s.q("SELECT 1 FROM disturbance_alerts WHERE region_id = ? LIMIT 1"), r.ID).Scan(&one)
			if err == nil {
				return fmt.Errorf("save region %s: %w", r.ID, domain.ErrRegionBoundaryLocked)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check region %s alerts: %w", r.ID, err)
			}
		}

		_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO regions (`+regionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    region_type = excluded.region_type,
    geometry = excluded.geometry,
    tree_cover_threshold = excluded.tree_cover_threshold,
    baseline_year = excluded.baseline_year,
    updated_at = excluded.updated_at`),
			r.ID, r.Name, r.Type, geom, threshold, r.BaselineYear, toMillis(created), toMillis(updated))
		if err != nil {
			return fmt.Errorf("upsert region %s: %w", r.ID, err)
		}
		return nil
	})
}

// Regions lists all regions ordered by name.
func (s *Store) Regions(ctx context.Context) ([]domain.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+regionColumns+" FROM regions ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer rows.Close()

	var out []domain.Region
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate regions: %w", err)
	}
	return out, nil
}

// Region loads one region or returns domain.ErrRegionNotFound.
func (s *Store) Region(ctx context.Context, id string) (domain.Region, error) {
	if err := ctx.Err(); err != nil {
		return domain.Region{}, err
	}
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+regionColumns+" FROM regions WHERE id = ?"), id)
	r, err := scanRegion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Region{}, fmt.Errorf("region %s: %w", id, domain.ErrRegionNotFound)
	}
	return r, err
}

func scanRegion(sc scanner) (domain.Region, error) {
	var (
		r         domain.Region
		geom      string
		threshold sql.NullInt64
		created   int64
		updated   int64
	)
	if err := sc.Scan(&r.ID, &r.Name, &r.Type, &geom, &threshold, &r.BaselineYear, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Region{}, err
		}
		return domain.Region{}, fmt.Errorf("scan region: %w", err)
	}
	g, err := geojson.UnmarshalGeometry([]byte(geom))
	if err != nil {
		return domain.Region{}, fmt.Errorf("decode region %s geometry: %w", r.ID, err)
	}
	r.Geometry = g.Geometry()
	if threshold.Valid {
		t := int(threshold.Int64)
		r.TreeCoverThreshold = &t
	}
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

func encodeGeometry(r domain.Region) (string, error) {
	if r.Geometry == nil {
		return "", errors.New("boundary is required")
	}
	data, err := geojson.NewGeometry(r.Geometry).MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("encode geometry: %w", err)
	}
	return string(data), nil
}

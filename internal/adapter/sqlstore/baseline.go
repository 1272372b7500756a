package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/baseline"
	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
)

const snapshotColumns = "region_id, version, effective_date, resolution_deg, cells, cover_area_m2, dataset_version, created_at"

// Current returns the region's highest snapshot version.
func (s *Store) Current(ctx context.Context, regionID string) (domain.BaselineSnapshot, error) {
	history, err := s.History(ctx, regionID)
	if err != nil {
		return domain.BaselineSnapshot{}, err
	}
	if len(history) == 0 {
		return domain.BaselineSnapshot{}, fmt.Errorf("current baseline for %s: %w", regionID, domain.ErrNoBaseline)
	}
	return history[len(history)-1], nil
}

// Supersede appends snap as the region's next version.
func (s *Store) Supersede(ctx context.Context, regionID string, snap domain.BaselineSnapshot) (domain.BaselineSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.BaselineSnapshot{}, err
	}
	if err := baseline.Validate(snap); err != nil {
		return domain.BaselineSnapshot{}, err
	}
	cells, err := json.Marshal(snap.Cells)
	if err != nil {
		return domain.BaselineSnapshot{}, fmt.Errorf("encode baseline cells: %w", err)
	}

	snap.RegionID = regionID
	snap.CreatedAt = s.now()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var latest sql.NullInt64
		if err := tx.QueryRowContext(ctx, s.q("SELECT MAX(version) FROM baseline_snapshots WHERE region_id = ?"), regionID).Scan(&latest); err != nil {
			return fmt.Errorf("load latest baseline version: %w", err)
		}
		snap.Version = int(latest.Int64) + 1
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO baseline_snapshots (`+snapshotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			regionID, snap.Version, toMillis(snap.EffectiveDate), snap.ResolutionDeg, string(cells),
			snap.CoverAreaM2, snap.DatasetVersion, toMillis(snap.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert baseline v%d: %w", snap.Version, err)
		}
		return nil
	})
	if err != nil {
		return domain.BaselineSnapshot{}, fmt.Errorf("supersede baseline for %s: %w", regionID, err)
	}
	return snap, nil
}

// AsOf returns the snapshot in effect on date.
func (s *Store) AsOf(ctx context.Context, regionID string, date time.Time) (domain.BaselineSnapshot, error) {
	history, err := s.History(ctx, regionID)
	if err != nil {
		return domain.BaselineSnapshot{}, err
	}
	snap, ok := baseline.Select(history, date)
	if !ok {
		return domain.BaselineSnapshot{}, fmt.Errorf("baseline for %s as of %s: %w", regionID, date.Format(time.DateOnly), domain.ErrNoBaseline)
	}
	return snap, nil
}

// History returns every version of the region's baseline, oldest first.
func (s *Store) History(ctx context.Context, regionID string) ([]domain.BaselineSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q("SELECT "+snapshotColumns+" FROM baseline_snapshots WHERE region_id = ? ORDER BY version"), regionID)
	if err != nil {
		return nil, fmt.Errorf("list baselines: %w", err)
	}
	defer rows.Close()

	var out []domain.BaselineSnapshot
	for rows.Next() {
		var (
			snap      domain.BaselineSnapshot
			effective int64
			created   int64
			cells     string
		)
		if err := rows.Scan(&snap.RegionID, &snap.Version, &effective, &snap.ResolutionDeg, &cells,
			&snap.CoverAreaM2, &snap.DatasetVersion, &created); err != nil {
			return nil, fmt.Errorf("scan baseline: %w", err)
		}
		if err := json.Unmarshal([]byte(cells), &snap.Cells); err != nil {
			return nil, fmt.Errorf("decode baseline v%d cells: %w", snap.Version, err)
		}
		snap.EffectiveDate = fromMillis(effective)
		snap.CreatedAt = fromMillis(created)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// UpsertAnnualBaselines stores annual loss rows keyed by (region, year). A
// re-extraction replaces the previous row.
func (s *Store) UpsertAnnualBaselines(ctx context.Context, rows []domain.AnnualBaseline) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO annual_baseline (region_id, year, loss_area_km2, baseline_cover_area_km2, tree_cover_threshold, dataset_version, extracted_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (region_id, year) DO UPDATE SET
    loss_area_km2 = excluded.loss_area_km2,
    baseline_cover_area_km2 = excluded.baseline_cover_area_km2,
    tree_cover_threshold = excluded.tree_cover_threshold,
    dataset_version = excluded.dataset_version,
    extracted_at = excluded.extracted_at`),
				r.RegionID, r.Year, r.LossAreaKm2, r.BaselineCoverKm2, r.TreeCoverThreshold, r.DatasetVersion, toMillis(r.ExtractedAt))
			if err != nil {
				return fmt.Errorf("upsert annual baseline %s/%d: %w", r.RegionID, r.Year, err)
			}
		}
		return nil
	})
}

// AnnualBaselines lists the region's annual rows by year.
func (s *Store) AnnualBaselines(ctx context.Context, regionID string) ([]domain.AnnualBaseline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT region_id, year, loss_area_km2, baseline_cover_area_km2, tree_cover_threshold, dataset_version, extracted_at
FROM annual_baseline WHERE region_id = ? ORDER BY year`), regionID)
	if err != nil {
		return nil, fmt.Errorf("list annual baselines: %w", err)
	}
	defer rows.Close()

	var out []domain.AnnualBaseline
	for rows.Next() {
		var (
			r         domain.AnnualBaseline
			extracted int64
		)
		if err := rows.Scan(&r.RegionID, &r.Year, &r.LossAreaKm2, &r.BaselineCoverKm2, &r.TreeCoverThreshold, &r.DatasetVersion, &extracted); err != nil {
			return nil, fmt.Errorf("scan annual baseline: %w", err)
		}
		r.ExtractedAt = fromMillis(extracted)
		out = append(out, r)
	}
	return out, rows.Err()
}

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/ingest"
)

const alertColumns = "dedup_key, region_id, source, detection_date, cell_id, confidence_raw, lon, lat, resolution_deg, ingested_at, run_id"

// CommitWindow implements ingest.WindowStore. Records whose dedup key
// already exists are skipped; the window row is marked committed in the
// same transaction.
func (s *Store) CommitWindow(ctx context.Context, c ingest.Commit) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	inserted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.q(`
INSERT INTO disturbance_alerts (`+alertColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (dedup_key) DO NOTHING`))
		if err != nil {
			return fmt.Errorf("prepare alert insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range c.Records {
			res, err := stmt.ExecContext(ctx,
				r.Key, r.RegionID, string(r.Source), toMillis(r.DetectionDate), string(r.CellID),
				r.ConfidenceRaw, r.Lon, r.Lat, r.ResolutionDeg, toMillis(r.IngestedAt), c.RunID)
			if err != nil {
				return fmt.Errorf("insert alert %s: %w", r.Key, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("insert alert %s: %w", r.Key, err)
			}
			inserted += int(n)
		}

		_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO ingestion_windows (region_id, source, window_start, window_end, status, run_id, reason, record_count, updated_at)
VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)
ON CONFLICT (region_id, source, window_start, window_end) DO UPDATE SET
    status = excluded.status,
    run_id = excluded.run_id,
    reason = '',
    record_count = excluded.record_count,
    updated_at = excluded.updated_at`),
			c.Key.RegionID, string(c.Key.Source), toMillis(c.Key.Window.Start), toMillis(c.Key.Window.End),
			string(ingest.WindowCommitted), c.RunID, inserted, toMillis(s.now()))
		if err != nil {
			return fmt.Errorf("mark window committed: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("commit window %s %s: %w", c.Key.Source, c.Key.Window, err)
	}
	return inserted, nil
}

// MarkWindowFailed implements ingest.WindowStore. A committed window is
// never downgraded.
func (s *Store) MarkWindowFailed(ctx context.Context, key ingest.WindowKey, runID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO ingestion_windows (region_id, source, window_start, window_end, status, run_id, reason, record_count, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
ON CONFLICT (region_id, source, window_start, window_end) DO UPDATE SET
    status = excluded.status,
    run_id = excluded.run_id,
    reason = excluded.reason,
    updated_at = excluded.updated_at
WHERE ingestion_windows.status <> ?`),
		key.RegionID, string(key.Source), toMillis(key.Window.Start), toMillis(key.Window.End),
		string(ingest.WindowFailed), runID, reason, toMillis(s.now()), string(ingest.WindowCommitted))
	if err != nil {
		return fmt.Errorf("mark window %s %s failed: %w", key.Source, key.Window, err)
	}
	return nil
}

// FailedWindows implements ingest.WindowStore.
func (s *Store) FailedWindows(ctx context.Context, regionID string, source domain.SourceSystem) ([]domain.TimeWindow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT window_start, window_end FROM ingestion_windows
WHERE region_id = ? AND source = ? AND status = ?
ORDER BY window_start, window_end`), regionID, string(source), string(ingest.WindowFailed))
	if err != nil {
		return nil, fmt.Errorf("list failed windows: %w", err)
	}
	defer rows.Close()

	var out []domain.TimeWindow
	for rows.Next() {
		var start, end int64
		if err := rows.Scan(&start, &end); err != nil {
			return nil, fmt.Errorf("scan failed window: %w", err)
		}
		out = append(out, domain.TimeWindow{Start: fromMillis(start), End: fromMillis(end)})
	}
	return out, rows.Err()
}

// Frontier implements ingest.WindowStore.
func (s *Store) Frontier(ctx context.Context, regionID string, source domain.SourceSystem) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	var end sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(
		"SELECT MAX(window_end) FROM ingestion_windows WHERE region_id = ? AND source = ?"),
		regionID, string(source)).Scan(&end)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load frontier: %w", err)
	}
	if !end.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(end.Int64), true, nil
}

// UnprocessedRecords returns the region's records not yet fused or
// excluded, in detection order.
func (s *Store) UnprocessedRecords(ctx context.Context, regionID string) ([]domain.DisturbanceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+alertColumns+` FROM disturbance_alerts
WHERE region_id = ? AND processed_at IS NULL
ORDER BY detection_date, source, dedup_key`), regionID)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed records: %w", err)
	}
	defer rows.Close()

	var out []domain.DisturbanceRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(sc scanner, extra ...any) (domain.DisturbanceRecord, error) {
	var (
		r        domain.DisturbanceRecord
		source   string
		cell     string
		detected int64
		ingested int64
	)
	dest := append([]any{
		&r.Key, &r.RegionID, &source, &detected, &cell, &r.ConfidenceRaw,
		&r.Lon, &r.Lat, &r.ResolutionDeg, &ingested, &r.RunID,
	}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return domain.DisturbanceRecord{}, fmt.Errorf("scan record: %w", err)
	}
	r.Source = domain.SourceSystem(source)
	r.CellID = domain.CellID(cell)
	r.DetectionDate = fromMillis(detected)
	r.IngestedAt = fromMillis(ingested)
	return r, nil
}

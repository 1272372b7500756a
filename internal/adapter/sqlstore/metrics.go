package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/grounding"
)

// UpsertPeriodMetrics stores metrics in their canonical encoding.
// Recomputing a period replaces its row.
func (s *Store) UpsertPeriodMetrics(ctx context.Context, metrics []domain.PeriodMetric) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := toMillis(s.now())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, m := range metrics {
			canonical, err := m.Canonical()
			if err != nil {
				return fmt.Errorf("encode metric %s %s: %w", m.RegionID, m.Period(), err)
			}
			_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO period_metrics (region_id, period_start, period_end, baseline_version, canonical, computed_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (region_id, period_start, period_end) DO UPDATE SET
    baseline_version = excluded.baseline_version,
    canonical = excluded.canonical,
    computed_at = excluded.computed_at`),
				m.RegionID, toMillis(m.PeriodStart), toMillis(m.PeriodEnd), m.BaselineVersion, string(canonical), now)
			if err != nil {
				return fmt.Errorf("upsert metric %s %s: %w", m.RegionID, m.Period(), err)
			}
		}
		return nil
	})
}

// PeriodMetrics lists the region's stored metrics by period start.
func (s *Store) PeriodMetrics(ctx context.Context, regionID string) ([]domain.PeriodMetric, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		"SELECT canonical FROM period_metrics WHERE region_id = ? ORDER BY period_start, period_end"), regionID)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []domain.PeriodMetric
	for rows.Next() {
		var canonical string
		if err := rows.Scan(&canonical); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m, err := decodeMetric(canonical)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MetricEndingAt returns the metric whose period ends at end, or nil.
func (s *Store) MetricEndingAt(ctx context.Context, regionID string, end time.Time) (*domain.PeriodMetric, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var canonical string
	err := s.db.QueryRowContext(ctx, s.q(
		"SELECT canonical FROM period_metrics WHERE region_id = ? AND period_end = ? ORDER BY period_start DESC LIMIT 1"),
		regionID, toMillis(end)).Scan(&canonical)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load metric ending %s: %w", end.Format(time.DateOnly), err)
	}
	m, err := decodeMetric(canonical)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CanonicalMetric returns the stored bytes for one period, for
// reproducibility checks.
func (s *Store) CanonicalMetric(ctx context.Context, regionID string, period domain.TimeWindow) ([]byte, bool, error) {
	var canonical string
	err := s.db.QueryRowContext(ctx, s.q(
		"SELECT canonical FROM period_metrics WHERE region_id = ? AND period_start = ? AND period_end = ?"),
		regionID, toMillis(period.Start), toMillis(period.End)).Scan(&canonical)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load metric %s: %w", period, err)
	}
	return []byte(canonical), true, nil
}

func decodeMetric(canonical string) (domain.PeriodMetric, error) {
	var m domain.PeriodMetric
	if err := json.Unmarshal([]byte(canonical), &m); err != nil {
		return domain.PeriodMetric{}, fmt.Errorf("decode metric: %w", err)
	}
	return m, nil
}

// SaveNarrative stores an accepted narrative for its period.
func (s *Store) SaveNarrative(ctx context.Context, n grounding.Narrative) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO narratives (region_id, period_start, period_end, body, claim_count, attempts, generated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (region_id, period_start, period_end) DO UPDATE SET
    body = excluded.body,
    claim_count = excluded.claim_count,
    attempts = excluded.attempts,
    generated_at = excluded.generated_at`),
		n.RegionID, toMillis(n.PeriodStart), toMillis(n.PeriodEnd), n.Text, n.Claims, n.Attempts, toMillis(n.GeneratedAt))
	if err != nil {
		return fmt.Errorf("save narrative %s: %w", n.RegionID, err)
	}
	return nil
}

// Narrative loads the stored narrative text for a period.
func (s *Store) Narrative(ctx context.Context, regionID string, period domain.TimeWindow) (string, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.q(
		"SELECT body FROM narratives WHERE region_id = ? AND period_start = ? AND period_end = ?"),
		regionID, toMillis(period.Start), toMillis(period.End)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load narrative %s: %w", period, err)
	}
	return body, true, nil
}

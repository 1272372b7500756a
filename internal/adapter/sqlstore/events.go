package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/lifecycle"
)

// Events loads every fused event of the region with its contributing
// records, ordered by cell, first detection and id.
func (s *Store) Events(ctx context.Context, regionID string) ([]domain.FusedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id, region_id, cell_id, first_detected, last_confirmed, status, unconfirmed
FROM fused_events WHERE region_id = ?
ORDER BY cell_id, first_detected, id`), regionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	var (
		events []domain.FusedEvent
		index  = map[string]int{}
	)
	for rows.Next() {
		var (
			e           domain.FusedEvent
			cell        string
			status      string
			first, last int64
			unconfirmed int
		)
		if err := rows.Scan(&e.ID, &e.RegionID, &cell, &first, &last, &status, &unconfirmed); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CellID = domain.CellID(cell)
		e.Status = domain.Status(status)
		e.FirstDetected = fromMillis(first)
		e.LastConfirmed = fromMillis(last)
		e.Unconfirmed = unconfirmed != 0
		index[e.ID] = len(events)
		events = append(events, e)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	prefixed := "a." + strings.ReplaceAll(alertColumns, ", ", ", a.")
	contribs, err := s.db.QueryContext(ctx, s.q(`
SELECT `+prefixed+`, c.event_id, c.area_m2
FROM fused_event_records c
JOIN fused_events e ON e.id = c.event_id
JOIN disturbance_alerts a ON a.dedup_key = c.dedup_key
WHERE e.region_id = ?
ORDER BY c.event_id, a.detection_date, a.source, a.dedup_key`), regionID)
	if err != nil {
		return nil, fmt.Errorf("list event records: %w", err)
	}
	defer contribs.Close()

	for contribs.Next() {
		var (
			eventID string
			area    float64
		)
		rec, err := scanRecord(contribs, &eventID, &area)
		if err != nil {
			return nil, err
		}
		i, ok := index[eventID]
		if !ok {
			continue
		}
		events[i].Records = append(events[i].Records, domain.Contribution{Record: rec, AreaM2: area})
	}
	if err := contribs.Err(); err != nil {
		return nil, fmt.Errorf("iterate event records: %w", err)
	}
	return events, nil
}

// SaveEvents upserts events and their contributions, then marks the given
// record keys processed, in one transaction. A stored status is never moved
// backward; an attempt returns *domain.LifecycleInvariantViolation and
// nothing is written.
func (s *Store) SaveEvents(ctx context.Context, events []domain.FusedEvent, processed []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := toMillis(s.now())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			var stored string
			err := tx.QueryRowContext(ctx, s.q("SELECT status FROM fused_events WHERE id = ?"), e.ID).Scan(&stored)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("load event %s: %w", e.ID, err)
			}
			if err := lifecycle.CheckForward(e.ID, domain.Status(stored), e.Status); err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO fused_events (id, region_id, cell_id, first_detected, last_confirmed, status, unconfirmed, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    first_detected = excluded.first_detected,
    last_confirmed = excluded.last_confirmed,
    status = excluded.status,
    unconfirmed = excluded.unconfirmed,
    updated_at = excluded.updated_at`),
				e.ID, e.RegionID, string(e.CellID), toMillis(e.FirstDetected), toMillis(e.LastConfirmed),
				string(e.Status), boolToInt(e.Unconfirmed), now)
			if err != nil {
				return fmt.Errorf("upsert event %s: %w", e.ID, err)
			}

			for _, c := range e.Records {
				_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO fused_event_records (event_id, dedup_key, area_m2)
VALUES (?, ?, ?)
ON CONFLICT (event_id, dedup_key) DO NOTHING`), e.ID, c.Record.Key, c.AreaM2)
				if err != nil {
					return fmt.Errorf("insert event %s record %s: %w", e.ID, c.Record.Key, err)
				}
			}
		}

		for _, key := range processed {
			_, err := tx.ExecContext(ctx, s.q(
				"UPDATE disturbance_alerts SET processed_at = ? WHERE dedup_key = ? AND processed_at IS NULL"), now, key)
			if err != nil {
				return fmt.Errorf("mark record %s processed: %w", key, err)
			}
		}
		return nil
	})
}

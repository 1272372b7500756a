// Package fusion groups aligned disturbance records into fused events.
package fusion

import (
	"sort"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/spatial"
)

// DefaultWindow is the detection window within which two records in the
// same canonical cell are considered the same disturbance.
const DefaultWindow = 14 * 24 * time.Hour

// Result is the outcome of one fusion pass.
type Result struct {
	Events  []domain.FusedEvent // every event, existing and new
	Changed []string            // IDs of events created or grown, sorted
}

// Fuser groups records by canonical cell and detection window.
type Fuser struct {
	window time.Duration
}

// NewFuser returns a Fuser. A non-positive window uses DefaultWindow.
func NewFuser(window time.Duration) *Fuser {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Fuser{window: window}
}

// Fuse adds aligned records to existing events or opens new ones. Existing
// events are copied, never mutated; their record sets only grow. Records
// already contributing to an event in the same cell are ignored, so fusing
// the same input twice is a no-op.
//
// A record joins an event in its cell when it lies within the window of any
// member. With several candidates it joins the one with the closest member
// in time, then the earlier FirstDetected, then the lower ID. Records are
// processed in (date, source, cell, key) order so the result does not depend
// on input order.
func (f *Fuser) Fuse(regionID string, existing []domain.FusedEvent, aligned []spatial.AlignedRecord) Result {
	byCell := make(map[domain.CellID][]*domain.FusedEvent)
	var all []*domain.FusedEvent
	for _, e := range existing {
		cp := e
		cp.Records = append([]domain.Contribution(nil), e.Records...)
		all = append(all, &cp)
		byCell[cp.CellID] = append(byCell[cp.CellID], &cp)
	}

	pieces := append([]spatial.AlignedRecord(nil), aligned...)
	sort.Slice(pieces, func(i, j int) bool { return less(pieces[i], pieces[j]) })

	changed := make(map[string]struct{})
	for _, p := range pieces {
		candidates := byCell[p.Cell]
		if containsRecord(candidates, p.Record.Key) {
			continue
		}
		contrib := domain.Contribution{Record: p.Record, AreaM2: p.AreaM2}
		date := p.Record.DetectionDate

		if target := f.pick(candidates, date); target != nil {
			target.Records = append(target.Records, contrib)
			if date.Before(target.FirstDetected) {
				target.FirstDetected = date
			}
			if date.After(target.LastConfirmed) {
				target.LastConfirmed = date
			}
			changed[target.ID] = struct{}{}
			continue
		}

		e := &domain.FusedEvent{
			ID:            domain.EventID(regionID, p.Cell, p.Record.Key),
			RegionID:      regionID,
			CellID:        p.Cell,
			Records:       []domain.Contribution{contrib},
			FirstDetected: date,
			LastConfirmed: date,
			Status:        domain.StatusProvisional,
		}
		all = append(all, e)
		byCell[p.Cell] = append(byCell[p.Cell], e)
		changed[e.ID] = struct{}{}
	}

	out := make([]domain.FusedEvent, len(all))
	for i, e := range all {
		out[i] = *e
	}
	SortEvents(out)

	ids := make([]string, 0, len(changed))
	for id := range changed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Result{Events: out, Changed: ids}
}

// pick chooses the event a record dated date joins, or nil.
func (f *Fuser) pick(candidates []*domain.FusedEvent, date time.Time) *domain.FusedEvent {
	var (
		best     *domain.FusedEvent
		bestDist time.Duration
	)
	for _, e := range candidates {
		dist, ok := closestMember(e, date)
		if !ok || dist > f.window {
			continue
		}
		if best == nil || dist < bestDist ||
			(dist == bestDist && (e.FirstDetected.Before(best.FirstDetected) ||
				(e.FirstDetected.Equal(best.FirstDetected) && e.ID < best.ID))) {
			best, bestDist = e, dist
		}
	}
	return best
}

func closestMember(e *domain.FusedEvent, date time.Time) (time.Duration, bool) {
	var (
		best  time.Duration
		found bool
	)
	for _, c := range e.Records {
		d := absDuration(date.Sub(c.Record.DetectionDate))
		if !found || d < best {
			best, found = d, true
		}
	}
	return best, found
}

func containsRecord(events []*domain.FusedEvent, key string) bool {
	for _, e := range events {
		if e.HasRecord(key) {
			return true
		}
	}
	return false
}

func less(a, b spatial.AlignedRecord) bool {
	if !a.Record.DetectionDate.Equal(b.Record.DetectionDate) {
		return a.Record.DetectionDate.Before(b.Record.DetectionDate)
	}
	if a.Record.Source != b.Record.Source {
		return a.Record.Source < b.Record.Source
	}
	if a.Cell != b.Cell {
		return a.Cell < b.Cell
	}
	return a.Record.Key < b.Record.Key
}

// SortEvents orders events by cell, first detection, then ID.
func SortEvents(events []domain.FusedEvent) {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.CellID != b.CellID {
			return a.CellID < b.CellID
		}
		if !a.FirstDetected.Equal(b.FirstDetected) {
			return a.FirstDetected.Before(b.FirstDetected)
		}
		return a.ID < b.ID
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

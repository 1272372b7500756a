// Package lifecycle advances fused events through
// provisional -> confirmed -> historical.
package lifecycle

import (
	"sort"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
)

// Defaults for the lifecycle windows.
const (
	DefaultReconfirmWindow = 30 * 24 * time.Hour
	DefaultStalenessWindow = 180 * 24 * time.Hour
)

// Config holds the lifecycle windows.
type Config struct {
	ReconfirmWindow time.Duration
	StalenessWindow time.Duration
}

// Transition is one status change applied during a run.
type Transition struct {
	EventID string        `json:"event_id"`
	From    domain.Status `json:"from"`
	To      domain.Status `json:"to"`
	AsOf    time.Time     `json:"as_of"`
}

// Tracker evaluates each event once per run. It never moves an event
// backward and never retracts one because detections stopped.
type Tracker struct {
	cfg Config
}

// NewTracker returns a Tracker, filling zero windows with the defaults.
func NewTracker(cfg Config) *Tracker {
	if cfg.ReconfirmWindow <= 0 {
		cfg.ReconfirmWindow = DefaultReconfirmWindow
	}
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = DefaultStalenessWindow
	}
	return &Tracker{cfg: cfg}
}

// CheckForward returns *domain.LifecycleInvariantViolation when moving from
// -> to would go backward.
func CheckForward(eventID string, from, to domain.Status) error {
	if from == "" {
		return nil
	}
	if to.Rank() == 0 || to.Rank() < from.Rank() {
		return &domain.LifecycleInvariantViolation{EventID: eventID, From: from, To: to}
	}
	return nil
}

// Advance evaluates one event at asOf and returns the updated copy plus the
// transition applied, if any. Only the event's own records count toward
// reconfirmation; AdvanceAll also consults the rest of the cell.
func (t *Tracker) Advance(e domain.FusedEvent, asOf time.Time) (domain.FusedEvent, *Transition, error) {
	return t.advance(e, nil, asOf)
}

func (t *Tracker) advance(e domain.FusedEvent, cell []domain.DisturbanceRecord, asOf time.Time) (domain.FusedEvent, *Transition, error) {
	from := e.Status
	if from == "" {
		from = domain.StatusProvisional
	}
	if from.Rank() == 0 {
		return e, nil, &domain.LifecycleInvariantViolation{EventID: e.ID, From: e.Status, To: e.Status}
	}

	to := from
	stale := asOf.Sub(e.LastConfirmed) >= t.cfg.StalenessWindow

	if to == domain.StatusProvisional && (e.Tier() == domain.TierHighest || t.reconfirmed(e, cell)) {
		to = domain.StatusConfirmed
	}
	if to == domain.StatusConfirmed && stale {
		to = domain.StatusHistorical
	}

	if err := CheckForward(e.ID, from, to); err != nil {
		return e, nil, err
	}

	e.Status = to
	e.Unconfirmed = to == domain.StatusProvisional && stale
	if to == from {
		return e, nil, nil
	}
	return e, &Transition{EventID: e.ID, From: from, To: to, AsOf: asOf}, nil
}

// AdvanceAll applies Advance to every event of a region. A re-detection
// counts toward an event when it lands anywhere in the event's cell, even in
// a separate event split off by the fusion window. The first invariant
// violation aborts and is returned.
func (t *Tracker) AdvanceAll(events []domain.FusedEvent, asOf time.Time) ([]domain.FusedEvent, []Transition, error) {
	byCell := make(map[domain.CellID][]domain.DisturbanceRecord)
	for _, e := range events {
		for _, c := range e.Records {
			byCell[e.CellID] = append(byCell[e.CellID], c.Record)
		}
	}

	out := make([]domain.FusedEvent, len(events))
	var transitions []Transition
	for i, e := range events {
		next, tr, err := t.advance(e, byCell[e.CellID], asOf)
		if err != nil {
			return nil, nil, err
		}
		out[i] = next
		if tr != nil {
			transitions = append(transitions, *tr)
		}
	}
	return out, transitions, nil
}

// reconfirmed reports whether a record ingested by a later run re-detected
// the cell within the reconfirm window of one of the event's detections, or
// one of the event's records did so for an earlier detection in the cell.
// cell holds every record in the event's cell and may be nil.
func (t *Tracker) reconfirmed(e domain.FusedEvent, cell []domain.DisturbanceRecord) bool {
	own := make(map[string]struct{}, len(e.Records))
	records := make([]domain.DisturbanceRecord, 0, len(e.Records)+len(cell))
	for _, c := range e.Records {
		own[c.Record.Key] = struct{}{}
		records = append(records, c.Record)
	}
	for _, r := range cell {
		if _, ok := own[r.Key]; !ok {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].IngestedAt.Before(records[j].IngestedAt) })

	for j := 1; j < len(records); j++ {
		later := records[j]
		_, laterOwn := own[later.Key]
		for i := 0; i < j; i++ {
			earlier := records[i]
			if _, ok := own[earlier.Key]; !ok && !laterOwn {
				continue
			}
			if earlier.RunID == later.RunID || !later.IngestedAt.After(earlier.IngestedAt) {
				continue
			}
			gap := later.DetectionDate.Sub(earlier.DetectionDate)
			if gap < 0 {
				gap = -gap
			}
			if gap <= t.cfg.ReconfirmWindow {
				return true
			}
		}
	}
	return false
}

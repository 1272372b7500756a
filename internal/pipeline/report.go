package pipeline

import (
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/ingest"
	"github.com/couchcryptid/forest-disturbance-etl/internal/lifecycle"
)

// RunReport summarises one run across every region.
type RunReport struct {
	RunID      string         `json:"run_id"`
	AsOf       time.Time      `json:"as_of"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Regions    []RegionReport `json:"regions"`
}

// Failed counts the regions whose run returned an error.
func (r RunReport) Failed() int {
	n := 0
	for _, rr := range r.Regions {
		if rr.Error != "" {
			n++
		}
	}
	return n
}

// RegionReport is one region's share of a run.
type RegionReport struct {
	RegionID        string                 `json:"region_id"`
	Windows         []ingest.WindowResult  `json:"windows"`
	Records         int                    `json:"records"`
	AlignmentErrors int                    `json:"alignment_errors"`
	EventsChanged   int                    `json:"events_changed"`
	Transitions     []lifecycle.Transition `json:"transitions,omitempty"`
	Periods         int                    `json:"periods"`
	Narrative       string                 `json:"narrative,omitempty"` // accepted, skipped or failed
	Error           string                 `json:"error,omitempty"`
}

// FailedWindows counts windows left failed for the next run.
func (r RegionReport) FailedWindows() int {
	n := 0
	for _, w := range r.Windows {
		if w.Status == ingest.WindowFailed {
			n++
		}
	}
	return n
}

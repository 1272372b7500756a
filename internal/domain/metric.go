package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Metric keys a narrative may reference.
const (
	MetricDisturbanceAreaHa  = "disturbance_area_ha"
	MetricDisturbanceAreaM2  = "disturbance_area_m2"
	MetricEventCount         = "event_count"
	MetricEventsLow          = "events_low"
	MetricEventsHigh         = "events_high"
	MetricEventsHighest      = "events_highest"
	MetricEventsConfirmed    = "events_confirmed"
	MetricRecordCount        = "record_count"
	MetricBaselineCoverHa    = "baseline_cover_ha"
	MetricPercentOfBaseline  = "percent_of_baseline"
	MetricPercentageIncrease = "percentage_increase"
	MetricPeriodStartYear    = "period_start_year"
	MetricPeriodEndYear      = "period_end_year"
)

// MetricScale is the number of decimal places kept in metric values.
const MetricScale = 4

// PeriodMetric is the derived summary of a region over one period. It is
// recomputable from fused events and baseline snapshots and never edited by
// hand.
type PeriodMetric struct {
	RegionID          string          `json:"region_id"`
	PeriodStart       time.Time       `json:"period_start"`
	PeriodEnd         time.Time       `json:"period_end"`
	DisturbanceAreaM2 decimal.Decimal `json:"disturbance_area_m2"`
	DisturbanceAreaHa decimal.Decimal `json:"disturbance_area_ha"`
	EventCount        int             `json:"event_count"`
	EventsLow         int             `json:"events_low"`
	EventsHigh        int             `json:"events_high"`
	EventsHighest     int             `json:"events_highest"`
	EventsProvisional int             `json:"events_provisional"`
	EventsConfirmed   int             `json:"events_confirmed"`
	EventsHistorical  int             `json:"events_historical"`
	RecordCount       int             `json:"record_count"`
	BaselineVersion   int             `json:"baseline_version"`
	BaselineDate      *time.Time      `json:"baseline_date,omitempty"`
	BaselineCoverHa   decimal.Decimal `json:"baseline_cover_ha"`
	PercentOfBaseline decimal.Decimal `json:"percent_of_baseline"`
	HasPrevious       bool            `json:"has_previous"`
	PercentageChange  decimal.Decimal `json:"percentage_increase"`
	LowData           bool            `json:"low_data"`
}

// Period returns the metric's window.
func (m PeriodMetric) Period() TimeWindow {
	return TimeWindow{Start: m.PeriodStart, End: m.PeriodEnd}
}

// Canonical returns the byte-stable encoding used for storage and
// reproducibility checks.
func (m PeriodMetric) Canonical() ([]byte, error) {
	m.PeriodStart = m.PeriodStart.UTC()
	m.PeriodEnd = m.PeriodEnd.UTC()
	if m.BaselineDate != nil {
		d := m.BaselineDate.UTC()
		m.BaselineDate = &d
	}
	return json.Marshal(m)
}

// Fact is an authoritative value a narrative claim is checked against.
type Fact struct {
	Value   decimal.Decimal
	Integer bool
}

// Facts exposes the metric as a key -> value map for grounding. Percentage
// change is only present when a previous period exists.
func (m PeriodMetric) Facts() map[string]Fact {
	facts := map[string]Fact{
		MetricDisturbanceAreaHa: {Value: m.DisturbanceAreaHa},
		MetricDisturbanceAreaM2: {Value: m.DisturbanceAreaM2},
		MetricEventCount:        intFact(m.EventCount),
		MetricEventsLow:         intFact(m.EventsLow),
		MetricEventsHigh:        intFact(m.EventsHigh),
		MetricEventsHighest:     intFact(m.EventsHighest),
		MetricEventsConfirmed:   intFact(m.EventsConfirmed),
		MetricRecordCount:       intFact(m.RecordCount),
		MetricPeriodStartYear:   intFact(m.PeriodStart.UTC().Year()),
		MetricPeriodEndYear:     intFact(m.PeriodEnd.UTC().Add(-time.Nanosecond).Year()),
	}
	if m.BaselineVersion > 0 {
		facts[MetricBaselineCoverHa] = Fact{Value: m.BaselineCoverHa}
		facts[MetricPercentOfBaseline] = Fact{Value: m.PercentOfBaseline}
	}
	if m.HasPrevious {
		facts[MetricPercentageIncrease] = Fact{Value: m.PercentageChange}
	}
	return facts
}

func intFact(n int) Fact {
	return Fact{Value: decimal.NewFromInt(int64(n)), Integer: true}
}

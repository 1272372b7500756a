// Package aggregate computes period metrics from fused events and baseline
// snapshots. Everything here is pure: the same inputs give byte-identical
// metrics.
package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/baseline"
	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/shopspring/decimal"
)

// LowDataThreshold is the record count below which a period is flagged.
const LowDataThreshold = 3

// Granularity selects the period length.
type Granularity string

const (
	Monthly Granularity = "month"
	Yearly  Granularity = "year"
)

// ParseGranularity accepts "month" or "year".
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case Monthly, Yearly:
		return Granularity(s), nil
	default:
		return "", fmt.Errorf("unknown period granularity %q", s)
	}
}

var (
	m2PerHa = decimal.NewFromInt(10_000)
	hundred = decimal.NewFromInt(100)
)

// Aggregate summarises the events first detected in period. The baseline
// used is the latest snapshot effective at or before the period start;
// snapshots effective later are ignored. previous, when non-nil, is the
// metric of the preceding period and drives the percentage change.
func Aggregate(regionID string, period domain.TimeWindow, events []domain.FusedEvent, baselines []domain.BaselineSnapshot, previous *domain.PeriodMetric) (domain.PeriodMetric, error) {
	if !period.Start.Before(period.End) {
		return domain.PeriodMetric{}, fmt.Errorf("aggregate %s: empty period %s", regionID, period)
	}

	m := domain.PeriodMetric{
		RegionID:    regionID,
		PeriodStart: period.Start.UTC(),
		PeriodEnd:   period.End.UTC(),
	}

	areaM2 := decimal.Zero
	for _, e := range events {
		if e.RegionID != regionID {
			return domain.PeriodMetric{}, fmt.Errorf("aggregate %s: event %s belongs to region %s", regionID, e.ID, e.RegionID)
		}
		if !period.Contains(e.FirstDetected) {
			continue
		}
		areaM2 = areaM2.Add(decimal.NewFromFloat(e.AreaM2()))
		m.EventCount++
		m.RecordCount += len(e.Records)
		switch e.Tier() {
		case domain.TierLow:
			m.EventsLow++
		case domain.TierHigh:
			m.EventsHigh++
		case domain.TierHighest:
			m.EventsHighest++
		}
		switch e.Status {
		case domain.StatusConfirmed:
			m.EventsConfirmed++
		case domain.StatusHistorical:
			m.EventsHistorical++
		default:
			m.EventsProvisional++
		}
	}

	m.DisturbanceAreaM2 = areaM2.Round(domain.MetricScale)
	m.DisturbanceAreaHa = areaM2.DivRound(m2PerHa, domain.MetricScale)
	m.LowData = m.RecordCount < LowDataThreshold

	if snap, ok := baseline.Select(baselines, period.Start); ok {
		m.BaselineVersion = snap.Version
		effective := snap.EffectiveDate.UTC()
		m.BaselineDate = &effective
		coverHa := decimal.NewFromFloat(snap.CoverAreaM2).DivRound(m2PerHa, domain.MetricScale)
		m.BaselineCoverHa = coverHa
		if coverHa.IsPositive() {
			m.PercentOfBaseline = m.DisturbanceAreaHa.Mul(hundred).DivRound(coverHa, domain.MetricScale)
		}
	}

	if previous != nil && previous.DisturbanceAreaHa.IsPositive() {
		m.HasPrevious = true
		m.PercentageChange = m.DisturbanceAreaHa.Sub(previous.DisturbanceAreaHa).
			Mul(hundred).
			DivRound(previous.DisturbanceAreaHa, domain.MetricScale)
	}
	return m, nil
}

// Periods returns the calendar periods from the period containing from up to
// and including the one containing asOf.
func Periods(g Granularity, from, asOf time.Time) []domain.TimeWindow {
	end := asOf.Add(time.Nanosecond)
	if g == Yearly {
		return domain.YearPeriods(from, end)
	}
	return domain.MonthPeriods(from, end)
}

// Pins maps a period to the baseline version its stored metric was computed
// against.
type Pins map[int64]int

// Set pins period to version.
func (p Pins) Set(period domain.TimeWindow, version int) {
	p[period.Start.UnixMilli()] = version
}

func (p Pins) history(period domain.TimeWindow, baselines []domain.BaselineSnapshot) []domain.BaselineSnapshot {
	version, ok := p[period.Start.UnixMilli()]
	if !ok {
		return baselines
	}
	return baseline.Pinned(baselines, version)
}

// Series aggregates consecutive periods, chaining each metric into the next
// as its previous period. A pinned period selects only its pinned baseline
// version; the rest select from the full history. periods must be sorted and
// contiguous. pins may be nil.
func Series(regionID string, periods []domain.TimeWindow, events []domain.FusedEvent, baselines []domain.BaselineSnapshot, pins Pins, previous *domain.PeriodMetric) ([]domain.PeriodMetric, error) {
	sorted := append([]domain.TimeWindow(nil), periods...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	out := make([]domain.PeriodMetric, 0, len(sorted))
	prev := previous
	for _, p := range sorted {
		m, err := Aggregate(regionID, p, events, pins.history(p, baselines), prev)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
		prev = &out[len(out)-1]
	}
	return out, nil
}

// EarliestDetection returns the earliest FirstDetected across events.
func EarliestDetection(events []domain.FusedEvent) (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, e := range events {
		if !found || e.FirstDetected.Before(earliest) {
			earliest, found = e.FirstDetected, true
		}
	}
	return earliest, found
}

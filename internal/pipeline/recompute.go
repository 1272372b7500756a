package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/aggregate"
	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/observability"
)

// MetricStore is the storage a Recomputer reads events and baselines from
// and writes period metrics to.
type MetricStore interface {
	Events(ctx context.Context, regionID string) ([]domain.FusedEvent, error)
	PeriodMetrics(ctx context.Context, regionID string) ([]domain.PeriodMetric, error)
	History(ctx context.Context, regionID string) ([]domain.BaselineSnapshot, error)
	UpsertPeriodMetrics(ctx context.Context, metrics []domain.PeriodMetric) error
	MetricEndingAt(ctx context.Context, regionID string, end time.Time) (*domain.PeriodMetric, error)
	CanonicalMetric(ctx context.Context, regionID string, period domain.TimeWindow) ([]byte, bool, error)
}

// MetricSink receives changed period metrics. A publish failure is logged;
// the stored metrics stand.
type MetricSink interface {
	PublishMetrics(ctx context.Context, metrics []domain.PeriodMetric) error
}

// Recomputed is the outcome of one recomputation.
type Recomputed struct {
	Metrics []domain.PeriodMetric // every period, in order
	Changed []domain.PeriodMetric // periods whose canonical encoding differs from the stored one
}

// IsChanged reports whether the period's metric was new or different.
func (r Recomputed) IsChanged(period domain.TimeWindow) bool {
	for _, m := range r.Changed {
		if m.PeriodStart.Equal(period.Start) && m.PeriodEnd.Equal(period.End) {
			return true
		}
	}
	return false
}

// Recomputer derives period metrics from stored events and baselines.
type Recomputer struct {
	store       MetricStore
	sink        MetricSink
	granularity aggregate.Granularity
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewRecomputer creates a Recomputer. sink may be nil.
func NewRecomputer(store MetricStore, sink MetricSink, granularity aggregate.Granularity, logger *slog.Logger, metrics *observability.Metrics) *Recomputer {
	if granularity == "" {
		granularity = aggregate.Monthly
	}
	return &Recomputer{store: store, sink: sink, granularity: granularity, logger: logger, metrics: metrics}
}

// Recompute aggregates every period from the region's earliest detection
// through asOf. A period that already has a stored metric is recomputed
// against the baseline version stored with it, so only periods without a
// metric or whose events changed come out different. Moving stored periods
// onto a newer snapshot is Backfill's job. A region without events has no
// periods.
func (r *Recomputer) Recompute(ctx context.Context, regionID string, asOf time.Time) (Recomputed, error) {
	events, err := r.store.Events(ctx, regionID)
	if err != nil {
		return Recomputed{}, err
	}
	earliest, ok := aggregate.EarliestDetection(events)
	if !ok {
		return Recomputed{}, nil
	}
	return r.recompute(ctx, regionID, events, aggregate.Periods(r.granularity, earliest, asOf), true)
}

// Backfill recomputes the periods starting at or after from, typically the
// effective date of a new baseline snapshot, against the current baseline
// history. Earlier periods keep the metrics they were computed with.
func (r *Recomputer) Backfill(ctx context.Context, regionID string, from, asOf time.Time) (Recomputed, error) {
	if from.After(asOf) {
		return Recomputed{}, fmt.Errorf("backfill %s: from %s is after %s", regionID, from.Format(time.DateOnly), asOf.Format(time.DateOnly))
	}
	events, err := r.store.Events(ctx, regionID)
	if err != nil {
		return Recomputed{}, err
	}
	var periods []domain.TimeWindow
	for _, p := range aggregate.Periods(r.granularity, from, asOf) {
		if !p.Start.Before(from) {
			periods = append(periods, p)
		}
	}
	res, err := r.recompute(ctx, regionID, events, periods, false)
	if err != nil {
		return Recomputed{}, err
	}
	r.logger.Info("backfill complete",
		"region_id", regionID,
		"from", from.Format(time.DateOnly),
		"periods", len(res.Metrics),
		"changed", len(res.Changed),
	)
	return res, nil
}

func (r *Recomputer) recompute(ctx context.Context, regionID string, events []domain.FusedEvent, periods []domain.TimeWindow, pinStored bool) (Recomputed, error) {
	if len(periods) == 0 {
		return Recomputed{}, nil
	}
	baselines, err := r.store.History(ctx, regionID)
	if err != nil {
		return Recomputed{}, err
	}
	previous, err := r.store.MetricEndingAt(ctx, regionID, periods[0].Start)
	if err != nil {
		return Recomputed{}, err
	}

	var pins aggregate.Pins
	if pinStored {
		stored, err := r.store.PeriodMetrics(ctx, regionID)
		if err != nil {
			return Recomputed{}, err
		}
		pins = make(aggregate.Pins, len(stored))
		for _, m := range stored {
			pins.Set(m.Period(), m.BaselineVersion)
		}
	}

	metrics, err := aggregate.Series(regionID, periods, events, baselines, pins, previous)
	if err != nil {
		return Recomputed{}, err
	}
	res := Recomputed{Metrics: metrics}
	for _, m := range metrics {
		next, err := m.Canonical()
		if err != nil {
			return Recomputed{}, fmt.Errorf("encode metric %s: %w", m.Period(), err)
		}
		stored, ok, err := r.store.CanonicalMetric(ctx, regionID, m.Period())
		if err != nil {
			return Recomputed{}, err
		}
		if !ok || !bytes.Equal(stored, next) {
			res.Changed = append(res.Changed, m)
		}
	}
	if len(res.Changed) == 0 {
		return res, nil
	}

	if err := r.store.UpsertPeriodMetrics(ctx, res.Changed); err != nil {
		return Recomputed{}, err
	}
	r.metrics.PeriodsComputed.Add(float64(len(res.Changed)))

	if r.sink != nil {
		if err := r.sink.PublishMetrics(ctx, res.Changed); err != nil {
			r.logger.Warn("publish metrics failed", "region_id", regionID, "error", err)
			r.metrics.PublishErrors.Inc()
		}
	}
	return res, nil
}

// Package pipeline runs the per-region causal chain
// ingest -> align -> fuse -> track -> aggregate -> narrate, with regions in
// parallel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/fusion"
	"github.com/couchcryptid/forest-disturbance-etl/internal/grounding"
	"github.com/couchcryptid/forest-disturbance-etl/internal/ingest"
	"github.com/couchcryptid/forest-disturbance-etl/internal/lifecycle"
	"github.com/couchcryptid/forest-disturbance-etl/internal/lock"
	"github.com/couchcryptid/forest-disturbance-etl/internal/observability"
	"github.com/couchcryptid/forest-disturbance-etl/internal/spatial"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/couchcryptid/forest-disturbance-etl/internal/pipeline")

// Ingestor pulls and commits new records for a region.
type Ingestor interface {
	Ingest(ctx context.Context, region domain.Region, runID string, asOf time.Time) ([]ingest.WindowResult, error)
}

// Narrator turns a period metric into verified narrative text.
type Narrator interface {
	Publish(ctx context.Context, region domain.Region, metric domain.PeriodMetric) (grounding.Narrative, error)
}

// EventSink receives fused events that changed during a run.
type EventSink interface {
	PublishEvents(ctx context.Context, events []domain.FusedEvent) error
}

// Sink receives both events and period metrics, e.g. a Kafka writer.
type Sink interface {
	EventSink
	MetricSink
}

// Store is everything the pipeline persists.
type Store interface {
	MetricStore
	UnprocessedRecords(ctx context.Context, regionID string) ([]domain.DisturbanceRecord, error)
	SaveEvents(ctx context.Context, events []domain.FusedEvent, processed []string) error
	SaveNarrative(ctx context.Context, n grounding.Narrative) error
	Narrative(ctx context.Context, regionID string, period domain.TimeWindow) (string, bool, error)
	Ping(ctx context.Context) error
}

// Config holds the orchestration settings.
type Config struct {
	Parallelism int           // regions run concurrently
	Interval    time.Duration // pause between scheduled runs
}

// Deps are the stages a Pipeline drives. Sink and Narrator may be nil.
type Deps struct {
	Store      Store
	Ingestor   Ingestor
	Aligner    *spatial.Aligner
	Fuser      *fusion.Fuser
	Tracker    *lifecycle.Tracker
	Recomputer *Recomputer
	Narrator   Narrator
	Sink       Sink
	Locker     lock.Locker
}

// Pipeline orchestrates runs over the region catalogue.
type Pipeline struct {
	deps    Deps
	regions []domain.Region
	cfg     Config
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	mu   sync.RWMutex
	last *RunReport
}

// New creates a Pipeline over regions.
func New(deps Deps, regions []domain.Region, cfg Config, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	return &Pipeline{
		deps:    deps,
		regions: regions,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}
}

// CheckReadiness returns nil once the store answers and at least one run has
// finished, or an error describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(ctx context.Context) error {
	if err := p.deps.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	if _, ok := p.LastReport(); !ok {
		return errors.New("pipeline has not completed a run yet")
	}
	return nil
}

// LastReport returns the most recent run report.
func (p *Pipeline) LastReport() (RunReport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return RunReport{}, false
	}
	return *p.last, true
}

// Run executes a run immediately and then every interval until the context
// is cancelled. Region failures are reported, not returned.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "regions", len(p.regions), "interval", p.cfg.Interval)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	for {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("run finished with errors", "error", err)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		case <-p.clock.After(p.cfg.Interval):
		}
	}
}

// RunOnce runs every region once as of now. The returned error joins the
// region failures; other regions still complete.
func (p *Pipeline) RunOnce(ctx context.Context) (RunReport, error) {
	report := RunReport{
		RunID:     uuid.NewString(),
		AsOf:      p.clock.Now().UTC(),
		StartedAt: p.clock.Now().UTC(),
		Regions:   make([]RegionReport, len(p.regions)),
	}
	log := p.logger.With("run_id", report.RunID)
	log.Info("run started", "as_of", report.AsOf, "regions", len(p.regions))

	errs := make([]error, len(p.regions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Parallelism)
	for i, region := range p.regions {
		g.Go(func() error {
			rr, err := p.RunRegion(gctx, region, report.RunID, report.AsOf)
			if err != nil {
				rr.Error = err.Error()
				errs[i] = fmt.Errorf("region %s: %w", region.ID, err)
			}
			report.Regions[i] = rr
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = p.clock.Now().UTC()
	p.mu.Lock()
	p.last = &report
	p.mu.Unlock()

	log.Info("run finished",
		"duration", report.FinishedAt.Sub(report.StartedAt),
		"regions", len(report.Regions),
		"failed_regions", report.Failed(),
	)
	return report, errors.Join(errs...)
}

// RunRegion runs the causal chain for one region under its lock.
func (p *Pipeline) RunRegion(ctx context.Context, region domain.Region, runID string, asOf time.Time) (rr RegionReport, err error) {
	rr.RegionID = region.ID
	start := p.clock.Now()
	log := p.logger.With("run_id", runID, "region_id", region.ID)

	ctx, span := tracer.Start(ctx, "pipeline.region")
	span.SetAttributes(
		attribute.String("region.id", region.ID),
		attribute.String("run.id", runID),
	)
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("region run failed", "error", err)
		}
		p.metrics.RegionRuns.WithLabelValues(outcome).Inc()
		p.metrics.RegionRunDuration.Observe(p.clock.Since(start).Seconds())
		span.End()
	}()

	held, release, err := p.deps.Locker.Lock(ctx, region.ID)
	if err != nil {
		return rr, fmt.Errorf("lock region: %w", err)
	}
	defer release()
	defer func() {
		if cause := context.Cause(held); err != nil && errors.Is(cause, lock.ErrLockLost) {
			err = fmt.Errorf("%w: %w", cause, err)
		}
	}()
	ctx = held

	rr.Windows, err = p.deps.Ingestor.Ingest(ctx, region, runID, asOf)
	if err != nil {
		return rr, fmt.Errorf("ingest: %w", err)
	}

	changed, err := p.process(ctx, log, region, asOf, &rr)
	if err != nil {
		return rr, err
	}
	p.publishEvents(ctx, log, changed)

	if err := ctx.Err(); err != nil {
		return rr, err
	}
	res, err := p.deps.Recomputer.Recompute(ctx, region.ID, asOf)
	if err != nil {
		return rr, fmt.Errorf("aggregate: %w", err)
	}
	rr.Periods = len(res.Metrics)
	if n := len(res.Metrics); n > 0 {
		if err := p.narrate(ctx, log, region, res.Metrics[n-1], res.IsChanged(res.Metrics[n-1].Period()), &rr); err != nil {
			return rr, fmt.Errorf("narrate: %w", err)
		}
	}

	log.Info("region run complete",
		"records", rr.Records,
		"alignment_errors", rr.AlignmentErrors,
		"events_changed", rr.EventsChanged,
		"transitions", len(rr.Transitions),
		"periods", rr.Periods,
		"failed_windows", rr.FailedWindows(),
	)
	return rr, nil
}

// process aligns the unprocessed records, fuses them into the stored events,
// advances every event's status and saves the result in one step. It returns
// the events that grew or changed status.
func (p *Pipeline) process(ctx context.Context, log *slog.Logger, region domain.Region, asOf time.Time, rr *RegionReport) ([]domain.FusedEvent, error) {
	records, err := p.deps.Store.UnprocessedRecords(ctx, region.ID)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	rr.Records = len(records)

	aligned, failures, err := p.deps.Aligner.AlignAll(records, region)
	if err != nil {
		return nil, err
	}
	rr.AlignmentErrors = len(failures)
	for _, f := range failures {
		log.Warn("record excluded", "record", f.RecordKey, "cell_id", f.CellID, "reason", f.Reason)
		p.metrics.AlignmentErrors.Inc()
	}

	existing, err := p.deps.Store.Events(ctx, region.ID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	fused := p.deps.Fuser.Fuse(region.ID, existing, aligned)

	events, transitions, err := p.deps.Tracker.AdvanceAll(fused.Events, asOf)
	if err != nil {
		return nil, err
	}
	rr.Transitions = transitions
	for _, t := range transitions {
		p.metrics.EventTransitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	}

	// Excluded records are marked processed too; realignment needs a new
	// record.
	processed := make([]string, len(records))
	for i, r := range records {
		processed[i] = r.Key
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.deps.Store.SaveEvents(ctx, events, processed); err != nil {
		return nil, fmt.Errorf("save events: %w", err)
	}

	touched := make(map[string]struct{}, len(fused.Changed)+len(transitions))
	for _, id := range fused.Changed {
		touched[id] = struct{}{}
	}
	for _, t := range transitions {
		touched[t.EventID] = struct{}{}
	}
	var changed []domain.FusedEvent
	for _, e := range events {
		if _, ok := touched[e.ID]; ok {
			changed = append(changed, e)
			p.metrics.EventsUpdated.WithLabelValues(string(e.Tier())).Inc()
		}
	}
	rr.EventsChanged = len(changed)
	return changed, nil
}

func (p *Pipeline) publishEvents(ctx context.Context, log *slog.Logger, events []domain.FusedEvent) {
	if p.deps.Sink == nil || len(events) == 0 {
		return
	}
	if err := p.deps.Sink.PublishEvents(ctx, events); err != nil {
		log.Warn("publish events failed", "events", len(events), "error", err)
		p.metrics.PublishErrors.Inc()
	}
}

// narrate publishes a narrative for the latest period. A period whose
// metric is unchanged and already narrated is skipped.
func (p *Pipeline) narrate(ctx context.Context, log *slog.Logger, region domain.Region, metric domain.PeriodMetric, changed bool, rr *RegionReport) error {
	if p.deps.Narrator == nil {
		return nil
	}
	if _, ok, err := p.deps.Store.Narrative(ctx, region.ID, metric.Period()); err != nil {
		return err
	} else if ok && !changed {
		rr.Narrative = "skipped"
		return nil
	}

	n, err := p.deps.Narrator.Publish(ctx, region, metric)
	if err != nil {
		rr.Narrative = "failed"
		return err
	}
	if err := p.deps.Store.SaveNarrative(ctx, n); err != nil {
		return err
	}
	rr.Narrative = "accepted"
	log.Info("narrative published", "period", metric.Period().String(), "claims", n.Claims, "attempts", n.Attempts)
	return nil
}

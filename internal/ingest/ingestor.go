package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/observability"
	"github.com/couchcryptid/forest-disturbance-etl/internal/retry"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/couchcryptid/forest-disturbance-etl/internal/ingest")

// Config controls window planning and provider calls.
type Config struct {
	Start           time.Time     // first window start for a region with no history
	Window          time.Duration // window length
	ProviderTimeout time.Duration // per attempt
	Lookback        time.Duration // re-pull overlap behind the frontier for late-published alerts
	Retry           retry.Policy
}

// WindowResult reports one window pull for the run report.
type WindowResult struct {
	Source     domain.SourceSystem `json:"source"`
	Window     domain.TimeWindow   `json:"window"`
	Status     WindowStatus        `json:"status"`
	Attempts   int                 `json:"attempts"`
	Fetched    int                 `json:"fetched"`
	Inserted   int                 `json:"inserted"`
	Duplicates int                 `json:"duplicates"`
	Rejected   int                 `json:"rejected"`
	Error      string              `json:"error,omitempty"`
}

// Ingestor pulls every registered source for a region.
type Ingestor struct {
	registry *Registry
	store    WindowStore
	archive  Archiver
	cfg      Config
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewIngestor creates an Ingestor. archive may be nil.
func NewIngestor(registry *Registry, store WindowStore, archive Archiver, cfg Config, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Ingestor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = IsTransient
	}
	return &Ingestor{
		registry: registry,
		store:    store,
		archive:  archive,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
	}
}

// IsTransient reports whether a provider error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrProviderUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// Plan returns the windows to pull for a source: previously failed windows
// first, then consecutive chunks from the frontier up to asOf. With a
// lookback the chunks start that far behind the frontier, never before the
// configured start; re-pulled alerts dedup against the stored ones.
func (i *Ingestor) Plan(ctx context.Context, regionID string, source domain.SourceSystem, asOf time.Time) ([]domain.TimeWindow, error) {
	failed, err := i.store.FailedWindows(ctx, regionID, source)
	if err != nil {
		return nil, fmt.Errorf("list failed windows: %w", err)
	}
	frontier, ok, err := i.store.Frontier(ctx, regionID, source)
	if err != nil {
		return nil, fmt.Errorf("load frontier: %w", err)
	}
	start := i.cfg.Start
	if ok && frontier.After(start) {
		start = frontier.Add(-i.cfg.Lookback)
		if start.Before(i.cfg.Start) {
			start = i.cfg.Start
		}
	}
	return append(failed, domain.SplitWindow(start, asOf, i.cfg.Window)...), nil
}

// Ingest pulls every planned window of every source for the region. Provider
// failures become failed windows in the result; only planning errors and
// cancellation are returned as errors.
func (i *Ingestor) Ingest(ctx context.Context, region domain.Region, runID string, asOf time.Time) ([]WindowResult, error) {
	var results []WindowResult
	for _, src := range i.registry.Sources() {
		plan, err := i.Plan(ctx, region.ID, src.Name(), asOf)
		if err != nil {
			return results, fmt.Errorf("plan %s windows: %w", src.Name(), err)
		}
		for _, w := range plan {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			results = append(results, i.ingestWindow(ctx, src, region, runID, w))
		}
	}
	return results, ctx.Err()
}

func (i *Ingestor) ingestWindow(ctx context.Context, src Source, region domain.Region, runID string, w domain.TimeWindow) WindowResult {
	name := src.Name()
	ctx, span := tracer.Start(ctx, "ingest.window", trace.WithAttributes(
		attribute.String("region_id", region.ID),
		attribute.String("source", string(name)),
		attribute.String("window", w.String()),
	))
	defer span.End()

	key := WindowKey{RegionID: region.ID, Source: name, Window: w}
	res := WindowResult{Source: name, Window: w}
	log := i.logger.With("region_id", region.ID, "source", name, "window_start", w.Start, "window_end", w.End)

	var raws []domain.RawAlert
	attempts, err := retry.Do(ctx, i.clock, i.cfg.Retry, func(ctx context.Context, attempt int) error {
		out, err := i.pull(ctx, src, region, w)
		if err != nil {
			log.Warn("provider pull failed", "attempt", attempt, "error", err)
			return err
		}
		raws = out
		return nil
	})
	res.Attempts = attempts
	if err != nil {
		return i.fail(ctx, span, log, key, runID, res, err)
	}

	records, rejected, batchDuplicates := i.decode(log, region.ID, name, runID, w, raws)
	inserted, err := i.store.CommitWindow(ctx, Commit{Key: key, RunID: runID, Records: records})
	if err != nil {
		return i.fail(ctx, span, log, key, runID, res, fmt.Errorf("commit window: %w", err))
	}

	res.Status = WindowCommitted
	res.Fetched = len(raws)
	res.Rejected = rejected
	res.Inserted = inserted
	res.Duplicates = batchDuplicates + len(records) - inserted

	i.metrics.RecordsIngested.WithLabelValues(string(name)).Add(float64(res.Inserted))
	i.metrics.RecordsDuplicate.WithLabelValues(string(name)).Add(float64(res.Duplicates))
	i.metrics.RecordsRejected.WithLabelValues(string(name)).Add(float64(res.Rejected))
	span.SetAttributes(attribute.Int("inserted", res.Inserted), attribute.Int("duplicates", res.Duplicates))
	log.Info("window committed", "fetched", res.Fetched, "inserted", res.Inserted, "duplicates", res.Duplicates, "rejected", res.Rejected)

	if i.archive != nil && len(records) > 0 {
		if err := i.archive.Archive(ctx, key, records); err != nil {
			log.Warn("archive window failed", "error", err)
		}
	}
	return res
}

// pull makes one provider call bounded by the provider timeout.
func (i *Ingestor) pull(ctx context.Context, src Source, region domain.Region, w domain.TimeWindow) ([]domain.RawAlert, error) {
	if i.cfg.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.ProviderTimeout)
		defer cancel()
	}
	name := string(src.Name())
	start := i.clock.Now()
	out, err := src.Pull(ctx, region.BBox(), w)
	i.metrics.ProviderDuration.WithLabelValues(name).Observe(i.clock.Since(start).Seconds())
	if err != nil {
		i.metrics.ProviderRequests.WithLabelValues(name, "error").Inc()
		return nil, err
	}
	i.metrics.ProviderRequests.WithLabelValues(name, "success").Inc()
	return out, nil
}

// decode turns raw alerts into records, dropping undecodable pixels, pixels
// dated outside the window, and repeats of a dedup key within the batch.
func (i *Ingestor) decode(log *slog.Logger, regionID string, source domain.SourceSystem, runID string, w domain.TimeWindow, raws []domain.RawAlert) ([]domain.DisturbanceRecord, int, int) {
	records := make([]domain.DisturbanceRecord, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	var rejected, duplicates int
	for _, raw := range raws {
		rec, err := domain.DecodeAlert(regionID, source, raw)
		if err != nil {
			log.Debug("reject raw alert", "error", err, "packed", raw.Packed)
			rejected++
			continue
		}
		if !w.Contains(rec.DetectionDate) {
			log.Debug("reject alert outside window", "detection_date", rec.DetectionDate)
			rejected++
			continue
		}
		if _, dup := seen[rec.Key]; dup {
			duplicates++
			continue
		}
		seen[rec.Key] = struct{}{}
		rec.RunID = runID
		rec.IngestedAt = i.clock.Now().UTC()
		records = append(records, rec)
	}
	return records, rejected, duplicates
}

func (i *Ingestor) fail(ctx context.Context, span trace.Span, log *slog.Logger, key WindowKey, runID string, res WindowResult, err error) WindowResult {
	res.Status = WindowFailed
	res.Error = err.Error()
	span.RecordError(err)
	span.SetStatus(codes.Error, "window failed")

	// A cancelled run leaves the window unrecorded so it is planned again.
	if ctx.Err() == nil {
		if markErr := i.store.MarkWindowFailed(ctx, key, runID, err.Error()); markErr != nil {
			log.Error("mark window failed", "error", markErr)
		}
		i.metrics.WindowsFailed.WithLabelValues(string(key.Source)).Inc()
	}
	log.Warn("window failed", "attempts", res.Attempts, "error", err)
	return res
}

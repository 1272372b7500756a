// Command baseline extracts annual tree cover loss for the catalogued regions
// and stores it in annual_baseline. With -snapshot-through it also records a
// new baseline snapshot of the remaining forest extent and backfills the
// period metrics it affects.
//
// Usage:
//
//	go run ./cmd/baseline \
//	  -region "Reserva Norte" \
//	  -start-year 2001 -end-year 2024 \
//	  -threshold 30 \
//	  -output baseline.csv \
//	  -dry-run
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/adapter/gfw"
	"github.com/couchcryptid/forest-disturbance-etl/internal/adapter/sqlstore"
	"github.com/couchcryptid/forest-disturbance-etl/internal/aggregate"
	"github.com/couchcryptid/forest-disturbance-etl/internal/baseline"
	"github.com/couchcryptid/forest-disturbance-etl/internal/config"
	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/observability"
	"github.com/couchcryptid/forest-disturbance-etl/internal/pipeline"
	"github.com/couchcryptid/forest-disturbance-etl/internal/region"
	"github.com/couchcryptid/forest-disturbance-etl/internal/retry"
	"github.com/couchcryptid/forest-disturbance-etl/internal/spatial"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/jonboulle/clockwork"
)

type options struct {
	region          string
	startYear       int
	endYear         int
	threshold       int
	output          string
	dryRun          bool
	snapshotThrough int
}

func main() {
	var opts options
	flag.StringVar(&opts.region, "region", "", "region id or name (default: every catalogued region)")
	flag.IntVar(&opts.startYear, "start-year", baseline.FirstLossYear, "first loss year")
	flag.IntVar(&opts.endYear, "end-year", baseline.LastLossYear, "last loss year")
	flag.IntVar(&opts.threshold, "threshold", -1, "tree cover threshold percent (default: the region's)")
	flag.StringVar(&opts.output, "output", "", "also write the rows to this CSV file")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "extract and report without writing to the database")
	flag.IntVar(&opts.snapshotThrough, "snapshot-through", 0, "record a baseline snapshot net of loss through this year and backfill metrics")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("baseline extraction failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	if opts.snapshotThrough != 0 && (opts.snapshotThrough < opts.startYear || opts.snapshotThrough > opts.endYear) {
		return fmt.Errorf("-snapshot-through %d must be within %d-%d", opts.snapshotThrough, opts.startYear, opts.endYear)
	}

	catalogue, err := region.Load(cfg.RegionsFile)
	if err != nil {
		return err
	}
	regions, err := selectRegions(catalogue, opts.region)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()
	client := gfw.NewClient(cfg.GFWBaseURL, cfg.GFWAPIKey, cfg.GFWTimeout, logger, metrics)
	source := gfw.NewCachedLossSource(gfw.NewLossSource(client, gfw.DefaultLossDataset()), cfg.LossCacheSize)
	extractor := baseline.NewExtractor(source, retry.Policy{
		MaxAttempts:    cfg.Tuning.RetryMaxAttempts,
		InitialBackoff: cfg.Tuning.RetryInitialBackoff,
		MaxBackoff:     cfg.Tuning.RetryMaxBackoff,
	}, clock, logger)

	var threshold *int
	if opts.threshold >= 0 {
		threshold = &opts.threshold
	}

	var all []domain.AnnualBaseline
	byRegion := make(map[string][]domain.AnnualBaseline, len(regions))
	for _, r := range regions {
		rows, err := extractor.Extract(ctx, baseline.ExtractRequest{
			Region:    r,
			StartYear: opts.startYear,
			EndYear:   opts.endYear,
			Threshold: threshold,
		})
		if err != nil {
			return fmt.Errorf("region %s (%s): %w", r.ID, r.Name, err)
		}
		all = append(all, rows...)
		byRegion[r.ID] = rows
	}

	if opts.output != "" {
		if err := writeCSVFile(opts.output, all); err != nil {
			return err
		}
		logger.Info("csv written", "path", opts.output, "rows", len(all))
	}

	if opts.dryRun {
		s := baseline.Summarize(all)
		logger.Info("dry run, nothing stored",
			"regions", len(regions),
			"rows", len(all),
			"total_loss_km2", s.TotalLossKm2,
		)
		if opts.snapshotThrough == 0 {
			return nil
		}
		preview := baseline.NewMemoryStore(clock)
		for _, r := range regions {
			if err := previewSnapshot(ctx, preview, r, byRegion[r.ID], opts.snapshotThrough, logger); err != nil {
				return fmt.Errorf("region %s (%s): %w", r.ID, r.Name, err)
			}
		}
		return nil
	}

	store, err := sqlstore.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck // process is exiting

	if _, err := region.Sync(ctx, store, regions, clock.Now()); err != nil {
		return err
	}
	if err := store.UpsertAnnualBaselines(ctx, all); err != nil {
		return err
	}
	logger.Info("annual baseline stored", "regions", len(regions), "rows", len(all))

	if opts.snapshotThrough == 0 {
		return nil
	}
	granularity, err := aggregate.ParseGranularity(cfg.Tuning.PeriodGranularity)
	if err != nil {
		return err
	}
	recomputer := pipeline.NewRecomputer(store, nil, granularity, logger, metrics)
	for _, r := range regions {
		if err := supersede(ctx, store, recomputer, r, opts.snapshotThrough, clock.Now(), logger); err != nil {
			return fmt.Errorf("region %s (%s): %w", r.ID, r.Name, err)
		}
	}
	return nil
}

func supersede(ctx context.Context, store *sqlstore.Store, recomputer *pipeline.Recomputer, r domain.Region, throughYear int, now time.Time, logger *slog.Logger) error {
	rows, err := store.AnnualBaselines(ctx, r.ID)
	if err != nil {
		return err
	}
	snap, err := baseline.SnapshotFromAnnual(rows, throughYear)
	if err != nil {
		return err
	}
	snap.ResolutionDeg = spatial.DefaultCellDeg
	stored, err := store.Supersede(ctx, r.ID, snap)
	if err != nil {
		return err
	}
	logger.Info("baseline snapshot recorded",
		"region_id", r.ID,
		"version", stored.Version,
		"effective_date", stored.EffectiveDate.Format(time.DateOnly),
		"cover_area_m2", stored.CoverAreaM2,
	)
	if stored.EffectiveDate.After(now) {
		return nil
	}
	_, err = recomputer.Backfill(ctx, r.ID, stored.EffectiveDate, now)
	return err
}

// previewSnapshot records the snapshot in an in-memory store and logs what a
// real run would write.
func previewSnapshot(ctx context.Context, store *baseline.MemoryStore, r domain.Region, rows []domain.AnnualBaseline, throughYear int, logger *slog.Logger) error {
	snap, err := baseline.SnapshotFromAnnual(rows, throughYear)
	if err != nil {
		return err
	}
	snap.ResolutionDeg = spatial.DefaultCellDeg
	stored, err := store.Supersede(ctx, r.ID, snap)
	if err != nil {
		return err
	}
	logger.Info("dry run snapshot",
		"region_id", r.ID,
		"effective_date", stored.EffectiveDate.Format(time.DateOnly),
		"cover_area_m2", stored.CoverAreaM2,
	)
	return nil
}

// selectRegions returns every region when want is empty, otherwise the one
// whose id or name matches.
func selectRegions(regions []domain.Region, want string) ([]domain.Region, error) {
	if want == "" {
		return regions, nil
	}
	for _, r := range regions {
		if r.ID == want || r.Name == want {
			return []domain.Region{r}, nil
		}
	}
	return nil, fmt.Errorf("region %q: %w", want, domain.ErrRegionNotFound)
}

var csvHeader = []string{
	"region_id", "year", "loss_area_km2", "baseline_cover_area_km2",
	"tree_cover_threshold", "dataset_version", "extracted_at",
}

func writeCSVFile(path string, rows []domain.AnnualBaseline) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := writeCSV(f, rows); err != nil {
		f.Close() //nolint:errcheck // already failing
		return err
	}
	return f.Close()
}

func writeCSV(w io.Writer, rows []domain.AnnualBaseline) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{
			r.RegionID,
			strconv.Itoa(r.Year),
			strconv.FormatFloat(r.LossAreaKm2, 'f', 6, 64),
			strconv.FormatFloat(r.BaselineCoverKm2, 'f', 6, 64),
			strconv.Itoa(r.TreeCoverThreshold),
			r.DatasetVersion,
			r.ExtractedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

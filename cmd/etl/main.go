package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/forest-disturbance-etl/internal/adapter/archive"
	"github.com/couchcryptid/forest-disturbance-etl/internal/adapter/gfw"
	httpadapter "github.com/couchcryptid/forest-disturbance-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/forest-disturbance-etl/internal/adapter/kafka"
	"github.com/couchcryptid/forest-disturbance-etl/internal/adapter/llm"
	"github.com/couchcryptid/forest-disturbance-etl/internal/adapter/sqlstore"
	"github.com/couchcryptid/forest-disturbance-etl/internal/aggregate"
	"github.com/couchcryptid/forest-disturbance-etl/internal/config"
	"github.com/couchcryptid/forest-disturbance-etl/internal/fusion"
	"github.com/couchcryptid/forest-disturbance-etl/internal/grounding"
	"github.com/couchcryptid/forest-disturbance-etl/internal/ingest"
	"github.com/couchcryptid/forest-disturbance-etl/internal/lifecycle"
	"github.com/couchcryptid/forest-disturbance-etl/internal/lock"
	"github.com/couchcryptid/forest-disturbance-etl/internal/narrative"
	"github.com/couchcryptid/forest-disturbance-etl/internal/observability"
	"github.com/couchcryptid/forest-disturbance-etl/internal/pipeline"
	"github.com/couchcryptid/forest-disturbance-etl/internal/region"
	"github.com/couchcryptid/forest-disturbance-etl/internal/retry"
	"github.com/couchcryptid/forest-disturbance-etl/internal/spatial"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Error("etl exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	shutdownTracing, err := observability.SetupTracing(ctx, "forest-disturbance-etl", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	store, err := sqlstore.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store close error", "error", err)
		}
	}()

	catalogue, err := region.Load(cfg.RegionsFile)
	if err != nil {
		return err
	}
	regions, err := region.Sync(ctx, store, catalogue, clock.Now())
	if err != nil {
		return err
	}
	logger.Info("regions loaded", "file", cfg.RegionsFile, "regions", len(regions))

	client := gfw.NewClient(cfg.GFWBaseURL, cfg.GFWAPIKey, cfg.GFWTimeout, logger, metrics)
	var sources []ingest.Source
	for _, ds := range gfw.DefaultAlertDatasets() {
		sources = append(sources, gfw.NewAlertSource(client, ds))
	}
	registry, err := ingest.NewRegistry(sources...)
	if err != nil {
		return err
	}

	var archiver ingest.Archiver
	if cfg.ArchiveEndpoint != "" {
		a, err := archive.New(archive.Config{
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			Secure:    cfg.ArchiveSecure,
		}, logger)
		if err != nil {
			return err
		}
		if err := a.EnsureBucket(ctx); err != nil {
			return err
		}
		archiver = a
		logger.Info("raw archive enabled", "endpoint", cfg.ArchiveEndpoint, "bucket", cfg.ArchiveBucket)
	}

	tuning := cfg.Tuning
	ingestor := ingest.NewIngestor(registry, store, archiver, ingest.Config{
		Start:           tuning.IngestStart,
		Window:          tuning.IngestWindow,
		ProviderTimeout: tuning.ProviderTimeout,
		Lookback:        tuning.IngestLookback,
		Retry: retry.Policy{
			MaxAttempts:    tuning.RetryMaxAttempts,
			InitialBackoff: tuning.RetryInitialBackoff,
			MaxBackoff:     tuning.RetryMaxBackoff,
		},
	}, clock, logger, metrics)

	var (
		sink       pipeline.Sink
		metricSink pipeline.MetricSink
	)
	if cfg.KafkaEnabled {
		writer := kafkaadapter.NewWriter(cfg, logger)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		sink, metricSink = writer, writer
		logger.Info("kafka sink enabled", "events_topic", cfg.KafkaEventsTopic, "metrics_topic", cfg.KafkaMetricsTopic)
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close() //nolint:errcheck // process is exiting
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		locker = lock.NewRedis(rdb, "forest-etl:lock:", cfg.LockTTL, logger)
		logger.Info("redis region locks enabled", "addr", cfg.RedisAddr)
	}

	var gen grounding.Generator = narrative.NewTemplateGenerator()
	if cfg.NarrativeGenerator == "llm" {
		gen = llm.NewClient(cfg.LLMBaseURL, cfg.LLMModel, cfg.LLMAPIKey, cfg.LLMTimeout)
		logger.Info("llm narratives enabled", "model", cfg.LLMModel)
	}

	granularity, err := aggregate.ParseGranularity(tuning.PeriodGranularity)
	if err != nil {
		return err
	}

	p := pipeline.New(pipeline.Deps{
		Store:      store,
		Ingestor:   ingestor,
		Aligner:    spatial.NewAligner(spatial.Grid{CellDeg: tuning.GridCellDeg}),
		Fuser:      fusion.NewFuser(tuning.FusionWindow),
		Tracker:    lifecycle.NewTracker(lifecycle.Config{ReconfirmWindow: tuning.ReconfirmWindow, StalenessWindow: tuning.StalenessWindow}),
		Recomputer: pipeline.NewRecomputer(store, metricSink, granularity, logger, metrics),
		Narrator:   grounding.NewPublisher(gen, grounding.NewValidator(tuning.FloatTolerance), tuning.NarrativeMaxAttempts, clock, logger, metrics),
		Sink:       sink,
		Locker:     locker,
	}, regions, pipeline.Config{Parallelism: tuning.RegionParallelism, Interval: cfg.RunInterval}, clock, logger, metrics)

	if cfg.RunOnce {
		report, err := p.RunOnce(ctx)
		logger.Info("single run complete", "run_id", report.RunID, "failed_regions", report.Failed())
		return err
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, p, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start scheduled runs.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("pipeline did not stop before shutdown timeout")
	}

	logger.Info("shutdown complete")
	return nil
}

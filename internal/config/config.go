package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	OTLPEndpoint    string

	RegionsFile    string
	DatabaseDriver string
	DatabaseURL    string

	// RunInterval is the pause between scheduled runs. RunOnce exits after
	// the first run.
	RunInterval time.Duration
	RunOnce     bool

	// GFW Data API configuration.
	GFWBaseURL    string
	GFWAPIKey     string
	GFWTimeout    time.Duration
	LossCacheSize int

	// Narrative generation: "template" or "llm".
	NarrativeGenerator string
	LLMBaseURL         string
	LLMModel           string
	LLMAPIKey          string
	LLMTimeout         time.Duration

	// Kafka event sink, enabled when KAFKA_BROKERS is set.
	KafkaEnabled      bool
	KafkaBrokers      []string
	KafkaEventsTopic  string
	KafkaMetricsTopic string

	// Redis region locks, enabled when REDIS_ADDR is set. Without it locks
	// are in-process only.
	RedisAddr string
	LockTTL   time.Duration

	// Raw window archive, enabled when ARCHIVE_ENDPOINT is set.
	ArchiveEndpoint  string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveBucket    string
	ArchiveSecure    bool

	Tuning Tuning
}

// Tuning holds the pipeline's algorithm parameters.
type Tuning struct {
	IngestStart         time.Time     `env:"INGEST_START" envDefault:"2024-01-01T00:00:00Z"`
	IngestWindow        time.Duration `env:"INGEST_WINDOW" envDefault:"168h"`
	IngestLookback      time.Duration `env:"INGEST_LOOKBACK" envDefault:"72h"`
	ProviderTimeout     time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
	RetryMaxAttempts    int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"4"`
	RetryInitialBackoff time.Duration `env:"RETRY_INITIAL_BACKOFF" envDefault:"1s"`
	RetryMaxBackoff     time.Duration `env:"RETRY_MAX_BACKOFF" envDefault:"30s"`

	GridCellDeg     float64       `env:"GRID_CELL_DEG" envDefault:"0.00025"`
	FusionWindow    time.Duration `env:"FUSION_WINDOW" envDefault:"336h"`
	ReconfirmWindow time.Duration `env:"RECONFIRM_WINDOW" envDefault:"720h"`
	StalenessWindow time.Duration `env:"STALENESS_WINDOW" envDefault:"4320h"`

	PeriodGranularity    string  `env:"PERIOD_GRANULARITY" envDefault:"month"`
	FloatTolerance       float64 `env:"FLOAT_TOLERANCE" envDefault:"0.005"`
	NarrativeMaxAttempts int     `env:"NARRATIVE_MAX_ATTEMPTS" envDefault:"3"`
	RegionParallelism    int     `env:"REGION_PARALLELISM" envDefault:"4"`
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	gfwTimeout, err := parsePositiveDuration("GFW_TIMEOUT", "60s")
	if err != nil {
		return nil, err
	}
	llmTimeout, err := parsePositiveDuration("LLM_TIMEOUT", "60s")
	if err != nil {
		return nil, err
	}
	runInterval, err := parsePositiveDuration("RUN_INTERVAL", "24h")
	if err != nil {
		return nil, err
	}
	lockTTL, err := parsePositiveDuration("LOCK_TTL", "5m")
	if err != nil {
		return nil, err
	}

	var tuning Tuning
	if err := env.Parse(&tuning); err != nil {
		return nil, fmt.Errorf("parse tuning env: %w", err)
	}

	brokers := os.Getenv("KAFKA_BROKERS")

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		RegionsFile:    sharedcfg.EnvOrDefault("REGIONS_FILE", "regions.yaml"),
		DatabaseDriver: sharedcfg.EnvOrDefault("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    sharedcfg.EnvOrDefault("DATABASE_URL", "forest.db"),

		RunInterval: runInterval,
		RunOnce:     parseBool("RUN_ONCE"),

		GFWBaseURL:    sharedcfg.EnvOrDefault("GFW_BASE_URL", "https://data-api.globalforestwatch.org"),
		GFWAPIKey:     os.Getenv("GFW_API_KEY"),
		GFWTimeout:    gfwTimeout,
		LossCacheSize: parsePositiveInt("LOSS_CACHE_SIZE", 256),

		NarrativeGenerator: sharedcfg.EnvOrDefault("NARRATIVE_GENERATOR", "template"),
		LLMBaseURL:         os.Getenv("LLM_BASE_URL"),
		LLMModel:           os.Getenv("LLM_MODEL"),
		LLMAPIKey:          os.Getenv("LLM_API_KEY"),
		LLMTimeout:         llmTimeout,

		KafkaEnabled:      brokers != "",
		KafkaBrokers:      sharedcfg.ParseBrokers(brokers),
		KafkaEventsTopic:  sharedcfg.EnvOrDefault("KAFKA_EVENTS_TOPIC", "forest-disturbance-events"),
		KafkaMetricsTopic: sharedcfg.EnvOrDefault("KAFKA_METRICS_TOPIC", "forest-period-metrics"),

		RedisAddr: os.Getenv("REDIS_ADDR"),
		LockTTL:   lockTTL,

		ArchiveEndpoint:  os.Getenv("ARCHIVE_ENDPOINT"),
		ArchiveAccessKey: os.Getenv("ARCHIVE_ACCESS_KEY"),
		ArchiveSecretKey: os.Getenv("ARCHIVE_SECRET_KEY"),
		ArchiveBucket:    sharedcfg.EnvOrDefault("ARCHIVE_BUCKET", "forest-disturbance-raw"),
		ArchiveSecure:    parseBool("ARCHIVE_SECURE"),

		Tuning: tuning,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	switch c.NarrativeGenerator {
	case "template":
	case "llm":
		if c.LLMModel == "" {
			return errors.New("NARRATIVE_GENERATOR is llm but LLM_MODEL is not set")
		}
	default:
		return fmt.Errorf("NARRATIVE_GENERATOR must be template or llm, got %q", c.NarrativeGenerator)
	}
	if c.KafkaEnabled && c.KafkaEventsTopic == "" {
		return errors.New("KAFKA_EVENTS_TOPIC is required")
	}
	if c.KafkaEnabled && c.KafkaMetricsTopic == "" {
		return errors.New("KAFKA_METRICS_TOPIC is required")
	}
	return c.Tuning.validate()
}

func (t Tuning) validate() error {
	switch {
	case t.IngestWindow <= 0:
		return errors.New("INGEST_WINDOW must be positive")
	case t.IngestLookback < 0:
		return errors.New("INGEST_LOOKBACK must not be negative")
	case t.RetryMaxAttempts < 1:
		return errors.New("RETRY_MAX_ATTEMPTS must be at least 1")
	case t.GridCellDeg <= 0 || t.GridCellDeg > 1:
		return errors.New("GRID_CELL_DEG must be in (0, 1]")
	case t.FusionWindow <= 0:
		return errors.New("FUSION_WINDOW must be positive")
	case t.ReconfirmWindow <= 0:
		return errors.New("RECONFIRM_WINDOW must be positive")
	case t.StalenessWindow <= 0:
		return errors.New("STALENESS_WINDOW must be positive")
	case t.PeriodGranularity != "month" && t.PeriodGranularity != "year":
		return errors.New("PERIOD_GRANULARITY must be month or year")
	case t.FloatTolerance < 0 || t.FloatTolerance >= 1:
		return errors.New("FLOAT_TOLERANCE must be in [0, 1)")
	case t.NarrativeMaxAttempts < 1:
		return errors.New("NARRATIVE_MAX_ATTEMPTS must be at least 1")
	case t.RegionParallelism < 1:
		return errors.New("REGION_PARALLELISM must be at least 1")
	}
	return nil
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func parseBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "true" || v == "1"
}

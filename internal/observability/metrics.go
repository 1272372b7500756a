package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "forest_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for the ETL pipeline.
type Metrics struct {
	PipelineRunning   prometheus.Gauge
	RegionRuns        *prometheus.CounterVec // labels: outcome={success,error}
	RegionRunDuration prometheus.Histogram

	// Ingestion metrics.
	ProviderRequests *prometheus.CounterVec   // labels: source, outcome={success,error}
	ProviderDuration *prometheus.HistogramVec // labels: source
	RecordsIngested  *prometheus.CounterVec   // labels: source
	RecordsDuplicate *prometheus.CounterVec   // labels: source
	RecordsRejected  *prometheus.CounterVec   // labels: source
	WindowsFailed    *prometheus.CounterVec   // labels: source

	// Data API metrics, per upstream dataset.
	APIRequests *prometheus.CounterVec   // labels: dataset, outcome={success,error}
	APIDuration *prometheus.HistogramVec // labels: dataset

	// Fusion and lifecycle metrics.
	AlignmentErrors  prometheus.Counter
	EventsUpdated    *prometheus.CounterVec // labels: tier
	EventTransitions *prometheus.CounterVec // labels: from, to

	// Aggregation and narrative metrics.
	PeriodsComputed   prometheus.Counter
	NarrativeAttempts *prometheus.CounterVec // labels: outcome={accepted,rejected,error}
	PublishErrors     prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		RegionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "region_runs_total",
			Help:      "Completed region runs by outcome.",
		}, []string{"outcome"}),
		RegionRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "region_run_duration_seconds",
			Help:      "Duration of one region's pull, align, fuse, track, aggregate cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Alert provider pulls by source and outcome.",
		}, []string{"source", "outcome"}),
		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Alert provider request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),
		RecordsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_ingested_total",
			Help:      "New disturbance records committed.",
		}, []string{"source"}),
		RecordsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_duplicate_total",
			Help:      "Records absorbed because their dedup key already existed.",
		}, []string{"source"}),
		RecordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Raw alerts that failed to decode.",
		}, []string{"source"}),
		WindowsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_windows_failed_total",
			Help:      "Ingestion windows left failed for the next run.",
		}, []string{"source"}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_api_requests_total",
			Help:      "Data API queries by dataset and outcome.",
		}, []string{"dataset", "outcome"}),
		APIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "data_api_request_duration_seconds",
			Help:      "Data API query duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"dataset"}),
		AlignmentErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alignment_errors_total",
			Help:      "Records excluded because they could not be placed on the grid.",
		}),
		EventsUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_updated_total",
			Help:      "Fused events created or grown, by resulting tier.",
		}, []string{"tier"}),
		EventTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_transitions_total",
			Help:      "Lifecycle status transitions.",
		}, []string{"from", "to"}),
		PeriodsComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "periods_computed_total",
			Help:      "Period metrics computed and stored.",
		}),
		NarrativeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "narrative_attempts_total",
			Help:      "Narrative generation attempts by validation outcome.",
		}, []string{"outcome"}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failures publishing events or metrics to the sink.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PipelineRunning,
		m.RegionRuns,
		m.RegionRunDuration,
		m.ProviderRequests,
		m.ProviderDuration,
		m.RecordsIngested,
		m.RecordsDuplicate,
		m.RecordsRejected,
		m.WindowsFailed,
		m.APIRequests,
		m.APIDuration,
		m.AlignmentErrors,
		m.EventsUpdated,
		m.EventTransitions,
		m.PeriodsComputed,
		m.NarrativeAttempts,
		m.PublishErrors,
	}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}

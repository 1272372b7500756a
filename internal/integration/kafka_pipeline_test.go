//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/adapter/kafka"
	"github.com/couchcryptid/forest-disturbance-etl/internal/adapter/sqlstore"
	"github.com/couchcryptid/forest-disturbance-etl/internal/aggregate"
	"github.com/couchcryptid/forest-disturbance-etl/internal/config"
	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/fusion"
	"github.com/couchcryptid/forest-disturbance-etl/internal/grounding"
	"github.com/couchcryptid/forest-disturbance-etl/internal/ingest"
	"github.com/couchcryptid/forest-disturbance-etl/internal/lifecycle"
	"github.com/couchcryptid/forest-disturbance-etl/internal/narrative"
	"github.com/couchcryptid/forest-disturbance-etl/internal/observability"
	"github.com/couchcryptid/forest-disturbance-etl/internal/pipeline"
	"github.com/couchcryptid/forest-disturbance-etl/internal/region"
	"github.com/couchcryptid/forest-disturbance-etl/internal/retry"
	"github.com/couchcryptid/forest-disturbance-etl/internal/spatial"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

const (
	testEventsTopic  = "test-events"
	testMetricsTopic = "test-metrics"

	gladJan03 = 33656
	raddJan05 = 325005
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka runs a single-node broker and returns its address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("forest-etl-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	ctrl, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

func newConsumer(t *testing.T, broker, topic string) *kafkago.Reader {
	t.Helper()
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       topic,
		GroupID:     fmt.Sprintf("test-consumer-%s-%d", topic, time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// readMessages reads exactly n messages, failing on timeout.
func readMessages(ctx context.Context, t *testing.T, r *kafkago.Reader, n int) []kafkago.Message {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out := make([]kafkago.Message, 0, n)
	for len(out) < n {
		msg, err := r.ReadMessage(readCtx)
		require.NoError(t, err, "read message %d of %d", len(out)+1, n)
		out = append(out, msg)
	}
	return out
}

func headers(msg kafkago.Message) map[string]string {
	h := make(map[string]string, len(msg.Headers))
	for _, kv := range msg.Headers {
		h[kv.Key] = string(kv.Value)
	}
	return h
}

func testConfig(broker string) *config.Config {
	return &config.Config{
		KafkaEnabled:      true,
		KafkaBrokers:      []string{broker},
		KafkaEventsTopic:  testEventsTopic,
		KafkaMetricsTopic: testMetricsTopic,
	}
}

// TestKafkaWriter verifies that events and metrics round-trip through a real
// broker with their keys, headers and payloads intact.
func TestKafkaWriter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testEventsTopic)
	createTopic(t, broker, testMetricsTopic)

	writer := kafka.NewWriter(testConfig(broker), discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	detected := time.Date(2025, time.January, 3, 0, 0, 0, 0, time.UTC)
	event := domain.FusedEvent{
		ID:       "evt-1",
		RegionID: "r1",
		CellID:   "r0.00025:1:1",
		Records: []domain.Contribution{{
			Record: domain.DisturbanceRecord{Key: "glad-1", RegionID: "r1", Source: domain.SourceGLAD, DetectionDate: detected},
			AreaM2: 625,
		}},
		FirstDetected: detected,
		LastConfirmed: detected,
		Status:        domain.StatusProvisional,
	}
	require.NoError(t, writer.PublishEvents(ctx, []domain.FusedEvent{event}))

	period := domain.TimeWindow{Start: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)}
	metric, err := aggregate.Aggregate("r1", period, []domain.FusedEvent{event}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, writer.PublishMetrics(ctx, []domain.PeriodMetric{metric}))

	evMsg := readMessages(ctx, t, newConsumer(t, broker, testEventsTopic), 1)[0]
	assert.Equal(t, "evt-1", string(evMsg.Key))
	h := headers(evMsg)
	assert.Equal(t, "provisional", h["status"])
	assert.Equal(t, "low", h["tier"])
	_, err = time.Parse(time.RFC3339, h["published_at"])
	assert.NoError(t, err, "published_at should be valid RFC3339")

	var em kafka.EventMessage
	require.NoError(t, json.Unmarshal(evMsg.Value, &em))
	assert.Equal(t, []string{"glad-1"}, em.RecordKeys)
	assert.Equal(t, 625.0, em.AreaM2)

	mMsg := readMessages(ctx, t, newConsumer(t, broker, testMetricsTopic), 1)[0]
	assert.Equal(t, "r1|2025-01-01", string(mMsg.Key))
	want, err := metric.Canonical()
	require.NoError(t, err)
	assert.Equal(t, want, mMsg.Value, "metric payload is the canonical encoding")
}

// stubSource serves a fixed set of alerts for every window. The ingestor drops
// pixels dated outside the window being pulled.
type stubSource struct {
	name   domain.SourceSystem
	alerts []domain.RawAlert
}

func (s stubSource) Name() domain.SourceSystem { return s.name }

func (s stubSource) Pull(context.Context, orb.Bound, domain.TimeWindow) ([]domain.RawAlert, error) {
	return s.alerts, nil
}

func alertAt(packed int64) domain.RawAlert {
	return domain.RawAlert{Lon: -52.500125, Lat: -25.500125, ResolutionDeg: spatial.DefaultCellDeg, Packed: packed}
}

// TestPipelineEndToEnd runs one region through ingestion, fusion, lifecycle,
// aggregation and narration against a sqlite store, publishing to Kafka.
func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testEventsTopic)
	createTopic(t, broker, testMetricsTopic)

	store, err := sqlstore.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "forest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2025, time.March, 1, 6, 0, 0, 0, time.UTC))
	logger := discardLogger()
	metrics := observability.NewMetricsForTesting()

	regions, err := region.Sync(ctx, store, []domain.Region{{
		ID:       "0b6e1c9e-8d5f-4d0f-9a53-1f4cbb2f7f10",
		Name:     "Reserva Norte",
		Geometry: orb.Bound{Min: orb.Point{-53, -26}, Max: orb.Point{-52, -25}},
	}}, clock.Now())
	require.NoError(t, err)

	registry, err := ingest.NewRegistry(
		stubSource{name: domain.SourceGLAD, alerts: []domain.RawAlert{alertAt(gladJan03)}},
		stubSource{name: domain.SourceRADD, alerts: []domain.RawAlert{alertAt(raddJan05)}},
	)
	require.NoError(t, err)
	ingestor := ingest.NewIngestor(registry, store, nil, ingest.Config{
		Start:  time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		Window: 7 * 24 * time.Hour,
		Retry:  retry.Policy{MaxAttempts: 1},
	}, clock, logger, metrics)

	writer := kafka.NewWriter(testConfig(broker), logger)
	t.Cleanup(func() { _ = writer.Close() })

	p := pipeline.New(pipeline.Deps{
		Store:      store,
		Ingestor:   ingestor,
		Aligner:    spatial.NewAligner(spatial.Grid{CellDeg: spatial.DefaultCellDeg}),
		Fuser:      fusion.NewFuser(fusion.DefaultWindow),
		Tracker:    lifecycle.NewTracker(lifecycle.Config{}),
		Recomputer: pipeline.NewRecomputer(store, writer, aggregate.Monthly, logger, metrics),
		Narrator:   grounding.NewPublisher(narrative.NewTemplateGenerator(), grounding.NewValidator(0), 3, clock, logger, metrics),
		Sink:       writer,
	}, regions, pipeline.Config{Parallelism: 1, Interval: time.Hour}, clock, logger, metrics)

	report, err := p.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Regions, 1)
	rr := report.Regions[0]
	assert.Empty(t, rr.Error)
	assert.Equal(t, 2, rr.Records)
	assert.Equal(t, 3, rr.Periods)
	assert.Equal(t, "accepted", rr.Narrative)

	events, err := store.Events(ctx, regions[0].ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.TierHighest, events[0].Tier())
	assert.Equal(t, domain.StatusConfirmed, events[0].Status)

	evMsg := readMessages(ctx, t, newConsumer(t, broker, testEventsTopic), 1)[0]
	assert.Equal(t, events[0].ID, string(evMsg.Key))
	assert.Equal(t, "highest", headers(evMsg)["tier"])

	stored, err := store.PeriodMetrics(ctx, regions[0].ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	byKey := make(map[string]kafkago.Message, 3)
	for _, msg := range readMessages(ctx, t, newConsumer(t, broker, testMetricsTopic), 3) {
		byKey[string(msg.Key)] = msg
	}
	for _, m := range stored {
		msg, ok := byKey[m.RegionID+"|"+m.PeriodStart.Format(time.DateOnly)]
		require.True(t, ok, "no message for %s", m.Period())
		raw, _, err := store.CanonicalMetric(ctx, m.RegionID, m.Period())
		require.NoError(t, err)
		assert.Equal(t, raw, msg.Value)
	}

	// A second run at the same instant changes nothing downstream.
	report, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Regions[0].EventsChanged)
	assert.Equal(t, "skipped", report.Regions[0].Narrative)
}

// Package kafka publishes fused-event updates and period metrics to Kafka
// for downstream consumers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/config"
	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafkago.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer produces event and metric messages. It implements pipeline.Sink.
type Writer struct {
	writer       messageWriter
	eventsTopic  string
	metricsTopic string
	clock        clockwork.Clock
	logger       *slog.Logger
}

// NewWriter creates a Kafka producer for the configured topics. The
// underlying writer has no default topic; every message names its own.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return &Writer{
		writer:       w,
		eventsTopic:  cfg.KafkaEventsTopic,
		metricsTopic: cfg.KafkaMetricsTopic,
		clock:        clockwork.NewRealClock(),
		logger:       logger,
	}
}

// EventMessage is the wire form of a fused event. Tier, area and sources are
// derived from the records at publish time.
type EventMessage struct {
	ID            string                `json:"id"`
	RegionID      string                `json:"region_id"`
	CellID        domain.CellID         `json:"cell_id"`
	Status        domain.Status         `json:"status"`
	Tier          domain.ConfidenceTier `json:"tier"`
	Unconfirmed   bool                  `json:"unconfirmed"`
	AreaM2        float64               `json:"area_m2"`
	Sources       []domain.SourceSystem `json:"sources"`
	RecordKeys    []string              `json:"record_keys"`
	FirstDetected time.Time             `json:"first_detected"`
	LastConfirmed time.Time             `json:"last_confirmed"`
}

// PublishEvents writes one message per event, keyed by event ID so every
// update of an event lands on the same partition.
func (w *Writer) PublishEvents(ctx context.Context, events []domain.FusedEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := w.clock.Now().UTC()
	msgs := make([]kafkago.Message, len(events))
	for i := range events {
		msg, err := eventToMessage(events[i], now)
		if err != nil {
			return err
		}
		msg.Topic = w.eventsTopic
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d events: %w", len(msgs), err)
	}
	w.logger.Debug("events published", "topic", w.eventsTopic, "count", len(msgs))
	return nil
}

// PublishMetrics writes the canonical encoding of each metric, keyed by
// region and period start.
func (w *Writer) PublishMetrics(ctx context.Context, metrics []domain.PeriodMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	now := w.clock.Now().UTC()
	msgs := make([]kafkago.Message, len(metrics))
	for i := range metrics {
		msg, err := metricToMessage(metrics[i], now)
		if err != nil {
			return err
		}
		msg.Topic = w.metricsTopic
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d metrics: %w", len(msgs), err)
	}
	w.logger.Debug("metrics published", "topic", w.metricsTopic, "count", len(msgs))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

func eventToMessage(e domain.FusedEvent, publishedAt time.Time) (kafkago.Message, error) {
	keys := make([]string, len(e.Records))
	for i, c := range e.Records {
		keys[i] = c.Record.Key
	}
	tier := e.Tier()
	data, err := json.Marshal(EventMessage{
		ID:            e.ID,
		RegionID:      e.RegionID,
		CellID:        e.CellID,
		Status:        e.Status,
		Tier:          tier,
		Unconfirmed:   e.Unconfirmed,
		AreaM2:        e.AreaM2(),
		Sources:       e.Sources(),
		RecordKeys:    keys,
		FirstDetected: e.FirstDetected.UTC(),
		LastConfirmed: e.LastConfirmed.UTC(),
	})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize event %s: %w", e.ID, err)
	}
	return kafkago.Message{
		Key:   []byte(e.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "status", Value: []byte(e.Status)},
			{Key: "tier", Value: []byte(tier)},
			{Key: "published_at", Value: []byte(publishedAt.Format(time.RFC3339))},
		},
	}, nil
}

func metricToMessage(m domain.PeriodMetric, publishedAt time.Time) (kafkago.Message, error) {
	data, err := m.Canonical()
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize metric %s %s: %w", m.RegionID, m.Period(), err)
	}
	return kafkago.Message{
		Key:   []byte(m.RegionID + "|" + m.PeriodStart.UTC().Format(time.DateOnly)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "region_id", Value: []byte(m.RegionID)},
			{Key: "period", Value: []byte(m.Period().String())},
			{Key: "published_at", Value: []byte(publishedAt.Format(time.RFC3339))},
		},
	}, nil
}

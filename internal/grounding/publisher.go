package grounding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/observability"
	"github.com/jonboulle/clockwork"
)

// DefaultMaxAttempts bounds generate -> validate rounds per narrative.
const DefaultMaxAttempts = 3

// NarrativeRequest is what a Generator is asked to write about. Hints carry
// the claims that failed on the previous attempt.
type NarrativeRequest struct {
	Region  domain.Region
	Metric  domain.PeriodMetric
	Facts   map[string]domain.Fact
	Hints   []domain.ClaimFailure
	Attempt int
}

// Generator drafts narrative text with inline metric references.
type Generator interface {
	Generate(ctx context.Context, req NarrativeRequest) (string, error)
}

// Narrative is verified text ready to store.
type Narrative struct {
	RegionID    string    `json:"region_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Text        string    `json:"text"`
	Claims      int       `json:"claims"`
	Attempts    int       `json:"attempts"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Publisher drives the bounded regenerate loop. Nothing unverified leaves
// Publish.
type Publisher struct {
	gen         Generator
	validator   *Validator
	maxAttempts int
	clock       clockwork.Clock
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewPublisher creates a Publisher. maxAttempts below 1 uses the default.
func NewPublisher(gen Generator, validator *Validator, maxAttempts int, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Publisher {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Publisher{
		gen:         gen,
		validator:   validator,
		maxAttempts: maxAttempts,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
	}
}

// Publish generates a narrative for the metric and returns it once every
// claim verifies. After maxAttempts rejected drafts it returns
// *domain.FactGroundingFailure carrying the last attempt's failures. A
// generator error aborts immediately.
func (p *Publisher) Publish(ctx context.Context, region domain.Region, metric domain.PeriodMetric) (Narrative, error) {
	facts := metric.Facts()
	var hints []domain.ClaimFailure

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Narrative{}, err
		}
		text, err := p.gen.Generate(ctx, NarrativeRequest{
			Region:  region,
			Metric:  metric,
			Facts:   facts,
			Hints:   hints,
			Attempt: attempt,
		})
		if err != nil {
			p.metrics.NarrativeAttempts.WithLabelValues("error").Inc()
			return Narrative{}, fmt.Errorf("generate narrative for %s %s: %w", region.ID, metric.Period(), err)
		}

		res := p.validator.Validate(text, facts)
		if res.OK() {
			p.metrics.NarrativeAttempts.WithLabelValues("accepted").Inc()
			return Narrative{
				RegionID:    region.ID,
				PeriodStart: metric.PeriodStart,
				PeriodEnd:   metric.PeriodEnd,
				Text:        text,
				Claims:      len(res.Claims),
				Attempts:    attempt,
				GeneratedAt: p.clock.Now().UTC(),
			}, nil
		}

		p.metrics.NarrativeAttempts.WithLabelValues("rejected").Inc()
		p.logger.Warn("narrative rejected",
			"region_id", region.ID,
			"period_start", metric.PeriodStart,
			"attempt", attempt,
			"failures", len(res.Failures),
		)
		hints = res.Failures
	}
	return Narrative{}, &domain.FactGroundingFailure{Attempts: p.maxAttempts, Failures: hints}
}

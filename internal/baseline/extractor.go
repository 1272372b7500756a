package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/retry"
	"github.com/jonboulle/clockwork"
)

// Annual loss years covered by the lossyear band: code 1 = 2001.
const (
	FirstLossYear = 2001
	LastLossYear  = 2024
)

// LossSource computes areas from an annual tree cover loss dataset.
type LossSource interface {
	// CoverAreaM2 is the year-2000 area with canopy cover at or above threshold.
	CoverAreaM2(ctx context.Context, region domain.Region, threshold int) (float64, error)
	// LossAreaM2 is the area whose lossyear band equals yearCode.
	LossAreaM2(ctx context.Context, region domain.Region, yearCode, threshold int) (float64, error)
	DatasetVersion() string
}

// AnnualStore persists extracted rows keyed by (region, year).
type AnnualStore interface {
	UpsertAnnualBaselines(ctx context.Context, rows []domain.AnnualBaseline) error
}

// ExtractRequest selects the region and year range to extract.
type ExtractRequest struct {
	Region    domain.Region
	StartYear int
	EndYear   int
	Threshold *int // nil uses the region's threshold
}

// Extractor pulls year-2000 cover once and loss per year, converting m² to
// km² and retrying transient dataset failures.
type Extractor struct {
	source LossSource
	policy retry.Policy
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(source LossSource, policy retry.Policy, clock clockwork.Clock, logger *slog.Logger) *Extractor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if policy.Retryable == nil {
		policy.Retryable = func(err error) bool { return errors.Is(err, domain.ErrProviderUnavailable) }
	}
	return &Extractor{source: source, policy: policy, clock: clock, logger: logger}
}

func (r ExtractRequest) threshold() int {
	if r.Threshold != nil {
		return *r.Threshold
	}
	return r.Region.Threshold()
}

// Validate checks the year range and threshold.
func (r ExtractRequest) Validate() error {
	if r.StartYear < FirstLossYear || r.EndYear > LastLossYear || r.StartYear > r.EndYear {
		return fmt.Errorf("invalid year range %d-%d: must be within %d-%d", r.StartYear, r.EndYear, FirstLossYear, LastLossYear)
	}
	if t := r.threshold(); t < 0 || t > 100 {
		return fmt.Errorf("tree cover threshold must be 0-100, got %d", t)
	}
	return nil
}

// Extract returns one AnnualBaseline per year in the request.
func (e *Extractor) Extract(ctx context.Context, req ExtractRequest) ([]domain.AnnualBaseline, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	threshold := req.threshold()

	var coverM2 float64
	if err := e.call(ctx, "treecover2000", func(ctx context.Context) error {
		var err error
		coverM2, err = e.source.CoverAreaM2(ctx, req.Region, threshold)
		return err
	}); err != nil {
		return nil, err
	}
	coverKm2 := coverM2 / 1e6
	e.logger.Info("baseline cover extracted", "region_id", req.Region.ID, "cover_km2", coverKm2, "threshold", threshold)

	now := e.clock.Now().UTC()
	rows := make([]domain.AnnualBaseline, 0, req.EndYear-req.StartYear+1)
	for year := req.StartYear; year <= req.EndYear; year++ {
		var lossM2 float64
		if err := e.call(ctx, fmt.Sprintf("lossyear %d", year), func(ctx context.Context) error {
			var err error
			lossM2, err = e.source.LossAreaM2(ctx, req.Region, year-2000, threshold)
			return err
		}); err != nil {
			return nil, err
		}
		rows = append(rows, domain.AnnualBaseline{
			RegionID:           req.Region.ID,
			Year:               year,
			LossAreaKm2:        lossM2 / 1e6,
			BaselineCoverKm2:   coverKm2,
			TreeCoverThreshold: threshold,
			DatasetVersion:     e.source.DatasetVersion(),
			ExtractedAt:        now,
		})
	}

	s := Summarize(rows)
	e.logger.Info("annual baseline extracted",
		"region_id", req.Region.ID,
		"years", len(rows),
		"total_loss_km2", s.TotalLossKm2,
		"loss_rate_pct", s.LossRatePct,
		"dataset_version", e.source.DatasetVersion(),
	)
	return rows, nil
}

func (e *Extractor) call(ctx context.Context, band string, fn func(context.Context) error) error {
	attempts, err := retry.Do(ctx, e.clock, e.policy, func(ctx context.Context, attempt int) error {
		err := fn(ctx)
		if err != nil && attempt < e.policy.MaxAttempts {
			e.logger.Warn("dataset request failed, retrying", "band", band, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("compute %s after %d attempts: %w", band, attempts, err)
	}
	return nil
}

// Summary totals an extraction.
type Summary struct {
	Years            int
	BaselineCoverKm2 float64
	TotalLossKm2     float64
	LossRatePct      float64
}

// Summarize totals loss and expresses it as a percent of the year-2000 cover.
func Summarize(rows []domain.AnnualBaseline) Summary {
	var s Summary
	s.Years = len(rows)
	for _, r := range rows {
		s.TotalLossKm2 += r.LossAreaKm2
		s.BaselineCoverKm2 = r.BaselineCoverKm2
	}
	if s.BaselineCoverKm2 > 0 {
		s.LossRatePct = s.TotalLossKm2 / s.BaselineCoverKm2 * 100
	}
	return s
}

// SnapshotFromAnnual derives the forest extent at the start of the year
// after throughYear: year-2000 cover minus cumulative loss up to and
// including throughYear.
func SnapshotFromAnnual(rows []domain.AnnualBaseline, throughYear int) (domain.BaselineSnapshot, error) {
	if len(rows) == 0 {
		return domain.BaselineSnapshot{}, errors.New("snapshot from annual baseline: no rows")
	}
	coverKm2 := rows[0].BaselineCoverKm2
	var lossKm2 float64
	for _, r := range rows {
		if r.Year <= throughYear {
			lossKm2 += r.LossAreaKm2
		}
	}
	remaining := coverKm2 - lossKm2
	if remaining < 0 {
		remaining = 0
	}
	return domain.BaselineSnapshot{
		RegionID:       rows[0].RegionID,
		EffectiveDate:  time.Date(throughYear+1, time.January, 1, 0, 0, 0, 0, time.UTC),
		CoverAreaM2:    remaining * 1e6,
		DatasetVersion: rows[0].DatasetVersion,
	}, nil
}

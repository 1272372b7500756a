// Command validate checks the integrity of a populated store: stored period
// metrics must reproduce byte-identically from the stored events and
// baselines, fused events must satisfy their structural rules, every stored
// narrative must still verify against its metric, and baseline versions must
// be contiguous.
//
// Usage:
//
//	DATABASE_DRIVER=sqlite DATABASE_URL=forest.db go run ./cmd/validate
//	go run ./cmd/validate -region 0b6e1c9e-8d5f-4d0f-9a53-1f4cbb2f7f10
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/couchcryptid/forest-disturbance-etl/internal/adapter/sqlstore"
	"github.com/couchcryptid/forest-disturbance-etl/internal/aggregate"
	"github.com/couchcryptid/forest-disturbance-etl/internal/baseline"
	"github.com/couchcryptid/forest-disturbance-etl/internal/config"
	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/grounding"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// regionData is everything stored for one region.
type regionData struct {
	region     domain.Region
	events     []domain.FusedEvent
	baselines  []domain.BaselineSnapshot
	metrics    []domain.PeriodMetric
	canonical  map[domain.TimeWindow][]byte
	narratives map[domain.TimeWindow]string
}

func main() {
	regionID := flag.String("region", "", "validate only this region id")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}
	os.Exit(run(context.Background(), cfg, *regionID))
}

func run(ctx context.Context, cfg *config.Config, regionID string) int {
	store, err := sqlstore.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: open store: %v\n", err)
		return 1
	}
	defer store.Close()

	fmt.Println("=== Forest Disturbance Store Validation ===")
	fmt.Println()

	data, err := loadAll(ctx, store, regionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}

	// ── Run validation phases ──
	phases := []*phase{
		validateMetricReproduction(data),
		validateEventInvariants(data),
		validateNarratives(data, grounding.NewValidator(cfg.Tuning.FloatTolerance)),
		validateBaselineVersions(data),
	}

	// ── Report results ──
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	var events, metrics, narratives int
	for _, d := range data {
		events += len(d.events)
		metrics += len(d.metrics)
		narratives += len(d.narratives)
	}
	fmt.Println()
	fmt.Printf("Regions: %d, events: %d, period metrics: %d, narratives: %d\n", len(data), events, metrics, narratives)

	// Print detailed errors.
	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Data loading ──

func loadAll(ctx context.Context, store *sqlstore.Store, regionID string) ([]regionData, error) {
	var regions []domain.Region
	if regionID != "" {
		r, err := store.Region(ctx, regionID)
		if err != nil {
			return nil, err
		}
		regions = []domain.Region{r}
	} else {
		var err error
		if regions, err = store.Regions(ctx); err != nil {
			return nil, err
		}
	}

	out := make([]regionData, 0, len(regions))
	for _, r := range regions {
		d := regionData{
			region:     r,
			canonical:  map[domain.TimeWindow][]byte{},
			narratives: map[domain.TimeWindow]string{},
		}
		var err error
		if d.events, err = store.Events(ctx, r.ID); err != nil {
			return nil, err
		}
		if d.baselines, err = store.History(ctx, r.ID); err != nil {
			return nil, err
		}
		if d.metrics, err = store.PeriodMetrics(ctx, r.ID); err != nil {
			return nil, err
		}
		for _, m := range d.metrics {
			raw, _, err := store.CanonicalMetric(ctx, r.ID, m.Period())
			if err != nil {
				return nil, err
			}
			d.canonical[m.Period()] = raw
			text, ok, err := store.Narrative(ctx, r.ID, m.Period())
			if err != nil {
				return nil, err
			}
			if ok {
				d.narratives[m.Period()] = text
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// ── Phase 1: metric reproduction ──

func validateMetricReproduction(data []regionData) *phase {
	p := &phase{name: "Period metrics reproduce byte-identically"}
	for _, d := range data {
		byEnd := make(map[int64]*domain.PeriodMetric, len(d.metrics))
		for i := range d.metrics {
			byEnd[d.metrics[i].PeriodEnd.UnixMilli()] = &d.metrics[i]
		}
		for _, stored := range d.metrics {
			previous := byEnd[stored.PeriodStart.UnixMilli()]
			history := baseline.Pinned(d.baselines, stored.BaselineVersion)
			recomputed, err := aggregate.Aggregate(d.region.ID, stored.Period(), d.events, history, previous)
			if err != nil {
				p.errorf("%s %s: recompute: %v", d.region.ID, stored.Period(), err)
				continue
			}
			got, err := recomputed.Canonical()
			if err != nil {
				p.errorf("%s %s: encode: %v", d.region.ID, stored.Period(), err)
				continue
			}
			if want := d.canonical[stored.Period()]; string(got) != string(want) {
				p.errorf("%s %s: stored metric differs from recomputation", d.region.ID, stored.Period())
			}
		}
	}
	return p
}

// ── Phase 2: fused event invariants ──

func validateEventInvariants(data []regionData) *phase {
	p := &phase{name: "Fused event invariants"}
	for _, d := range data {
		for _, e := range d.events {
			if len(e.Records) == 0 {
				p.errorf("%s: no contributing records", e.ID)
				continue
			}
			if e.Tier().Rank() == 0 {
				p.errorf("%s: no confidence tier", e.ID)
			}
			if e.Status.Rank() == 0 {
				p.errorf("%s: unknown status %q", e.ID, e.Status)
			}
			if e.LastConfirmed.Before(e.FirstDetected) {
				p.errorf("%s: last confirmed %s before first detected %s", e.ID, e.LastConfirmed, e.FirstDetected)
			}
			seen := make(map[string]bool, len(e.Records))
			for _, c := range e.Records {
				if seen[c.Record.Key] {
					p.errorf("%s: record %s contributes twice", e.ID, c.Record.Key)
				}
				seen[c.Record.Key] = true
				if c.Record.DetectionDate.Before(e.FirstDetected) || c.Record.DetectionDate.After(e.LastConfirmed) {
					p.errorf("%s: record %s detected outside the event span", e.ID, c.Record.Key)
				}
				if c.AreaM2 <= 0 {
					p.errorf("%s: record %s has non-positive area", e.ID, c.Record.Key)
				}
			}
		}
	}
	return p
}

// ── Phase 3: narratives ──

func validateNarratives(data []regionData, validator *grounding.Validator) *phase {
	p := &phase{name: "Narratives verify against metrics"}
	for _, d := range data {
		for _, m := range d.metrics {
			text, ok := d.narratives[m.Period()]
			if !ok {
				continue
			}
			res := validator.Validate(text, m.Facts())
			for _, f := range res.Failures {
				p.errorf("%s %s: claim %q: %s", d.region.ID, m.Period(), f.Claim.Raw, f.Reason)
			}
		}
	}
	return p
}

// ── Phase 4: baseline versions ──

func validateBaselineVersions(data []regionData) *phase {
	p := &phase{name: "Baseline versions contiguous and valid"}
	for _, d := range data {
		for i, snap := range d.baselines {
			if snap.Version != i+1 {
				p.errorf("%s: version %d at position %d", d.region.ID, snap.Version, i+1)
			}
			if err := baseline.Validate(snap); err != nil {
				p.errorf("%s v%d: %v", d.region.ID, snap.Version, err)
			}
		}
	}
	return p
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/observability"
	"github.com/couchcryptid/forest-disturbance-etl/internal/retry"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// GLAD packed values: conf 3, 2025-01-03 and 2025-01-10.
const (
	gladJan03 = 33656
	gladJan10 = 33663
)

var (
	jan1  = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	jan15 = time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)
)

// --- Mocks ---

type mockSource struct {
	name  domain.SourceSystem
	mu    sync.Mutex
	calls int
	pull  func(call int, w domain.TimeWindow) ([]domain.RawAlert, error)
}

func (m *mockSource) Name() domain.SourceSystem { return m.name }

func (m *mockSource) Pull(_ context.Context, _ orb.Bound, w domain.TimeWindow) ([]domain.RawAlert, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	return m.pull(call, w)
}

// stallingSource holds every pull until its context ends, like a provider
// connection that never answers.
type stallingSource struct {
	name  domain.SourceSystem
	mu    sync.Mutex
	calls int
}

func (s *stallingSource) Name() domain.SourceSystem { return s.name }

func (s *stallingSource) Pull(ctx context.Context, _ orb.Bound, _ domain.TimeWindow) ([]domain.RawAlert, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

type windowRow struct {
	status WindowStatus
	end    time.Time
}

type memStore struct {
	mu      sync.Mutex
	records map[string]domain.DisturbanceRecord
	windows map[WindowKey]windowRow
	failOn  error
}

func newMemStore() *memStore {
	return &memStore{records: map[string]domain.DisturbanceRecord{}, windows: map[WindowKey]windowRow{}}
}

func (s *memStore) CommitWindow(_ context.Context, c Commit) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != nil {
		return 0, s.failOn
	}
	inserted := 0
	for _, r := range c.Records {
		if _, ok := s.records[r.Key]; ok {
			continue
		}
		s.records[r.Key] = r
		inserted++
	}
	s.windows[c.Key] = windowRow{status: WindowCommitted, end: c.Key.Window.End}
	return inserted, nil
}

func (s *memStore) MarkWindowFailed(_ context.Context, key WindowKey, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[key] = windowRow{status: WindowFailed, end: key.Window.End}
	return nil
}

func (s *memStore) FailedWindows(_ context.Context, regionID string, source domain.SourceSystem) ([]domain.TimeWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TimeWindow
	for k, row := range s.windows {
		if k.RegionID == regionID && k.Source == source && row.status == WindowFailed {
			out = append(out, k.Window)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *memStore) Frontier(_ context.Context, regionID string, source domain.SourceSystem) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var end time.Time
	found := false
	for k, row := range s.windows {
		if k.RegionID == regionID && k.Source == source && row.end.After(end) {
			end, found = row.end, true
		}
	}
	return end, found, nil
}

func (s *memStore) forgetWindows() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = map[WindowKey]windowRow{}
}

type mockArchiver struct {
	keys []WindowKey
	err  error
}

func (m *mockArchiver) Archive(_ context.Context, key WindowKey, _ []domain.DisturbanceRecord) error {
	m.keys = append(m.keys, key)
	return m.err
}

// --- Helpers ---

func testRegion() domain.Region {
	return domain.Region{
		ID:       "region-1",
		Geometry: orb.Bound{Min: orb.Point{-53, -26}, Max: orb.Point{-52, -25}},
	}
}

func testConfig() Config {
	return Config{Start: jan1, Window: 7 * 24 * time.Hour, ProviderTimeout: time.Second, Retry: retry.Policy{MaxAttempts: 3}}
}

func newTestIngestor(t *testing.T, store WindowStore, archive Archiver, sources ...Source) (*Ingestor, *observability.Metrics) {
	t.Helper()
	reg, err := NewRegistry(sources...)
	require.NoError(t, err)
	metrics := observability.NewMetricsForTesting()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewIngestor(reg, store, archive, testConfig(), nil, logger, metrics), metrics
}

func gladPixels(w domain.TimeWindow) []domain.RawAlert {
	if w.Contains(time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)) {
		return []domain.RawAlert{
			{Lon: -52.5, Lat: -25.5, ResolutionDeg: 0.00025, Packed: gladJan03},
			{Lon: -52.4, Lat: -25.4, ResolutionDeg: 0.00025, Packed: gladJan03},
		}
	}
	return []domain.RawAlert{{Lon: -52.3, Lat: -25.3, ResolutionDeg: 0.00025, Packed: gladJan10}}
}

// --- Tests ---

func TestPlan_FromStartWithoutHistory(t *testing.T) {
	ing, _ := newTestIngestor(t, newMemStore(), nil)

	plan, err := ing.Plan(context.Background(), "region-1", domain.SourceGLAD, jan15.Add(12*time.Hour))

	require.NoError(t, err)
	require.Len(t, plan, 3)
	assert.Equal(t, jan1, plan[0].Start)
	assert.Equal(t, jan15.Add(12*time.Hour), plan[2].End, "last window truncated at as-of")
}

func TestIngest_CommitsEveryWindow(t *testing.T) {
	store := newMemStore()
	archive := &mockArchiver{}
	src := &mockSource{name: domain.SourceGLAD, pull: func(_ int, w domain.TimeWindow) ([]domain.RawAlert, error) {
		return gladPixels(w), nil
	}}
	ing, metrics := newTestIngestor(t, store, archive, src)

	results, err := ing.Ingest(context.Background(), testRegion(), "run-1", jan15)

	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, WindowCommitted, r.Status)
	}
	assert.Equal(t, 2, results[0].Inserted)
	assert.Equal(t, 1, results[1].Inserted)
	assert.Len(t, store.records, 3)
	assert.Len(t, archive.keys, 2)
	assert.InDelta(t, 3, testutil.ToFloat64(metrics.RecordsIngested.WithLabelValues("glad")), 0)

	for _, rec := range store.records {
		assert.Equal(t, "run-1", rec.RunID)
	}

	// Nothing left to plan at the same as-of.
	again, err := ing.Ingest(context.Background(), testRegion(), "run-2", jan15)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestIngest_IdempotentOnReplay(t *testing.T) {
	store := newMemStore()
	src := &mockSource{name: domain.SourceGLAD, pull: func(_ int, w domain.TimeWindow) ([]domain.RawAlert, error) {
		return gladPixels(w), nil
	}}
	ing, _ := newTestIngestor(t, store, nil, src)

	_, err := ing.Ingest(context.Background(), testRegion(), "run-1", jan15)
	require.NoError(t, err)

	store.forgetWindows()
	results, err := ing.Ingest(context.Background(), testRegion(), "run-2", jan15)

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].Inserted+results[1].Inserted)
	assert.Equal(t, 3, results[0].Duplicates+results[1].Duplicates)
	assert.Len(t, store.records, 3)
}

func TestIngest_RetriesTransientFailure(t *testing.T) {
	src := &mockSource{name: domain.SourceGLAD, pull: func(call int, w domain.TimeWindow) ([]domain.RawAlert, error) {
		if call == 1 {
			return nil, fmt.Errorf("503: %w", domain.ErrProviderUnavailable)
		}
		return gladPixels(w), nil
	}}
	ing, metrics := newTestIngestor(t, newMemStore(), nil, src)

	results, err := ing.Ingest(context.Background(), testRegion(), "run-1", jan1.AddDate(0, 0, 7))

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, WindowCommitted, results[0].Status)
	assert.Equal(t, 2, results[0].Attempts)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.ProviderRequests.WithLabelValues("glad", "error")), 0)
}

func TestIngest_ExhaustedWindowRetriedNextRun(t *testing.T) {
	store := newMemStore()
	down := true
	src := &mockSource{name: domain.SourceGLAD, pull: func(_ int, w domain.TimeWindow) ([]domain.RawAlert, error) {
		if down && w.Start.Equal(jan1) {
			return nil, domain.ErrProviderUnavailable
		}
		return gladPixels(w), nil
	}}
	ing, _ := newTestIngestor(t, store, nil, src)

	results, err := ing.Ingest(context.Background(), testRegion(), "run-1", jan15)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, WindowFailed, results[0].Status)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Contains(t, results[0].Error, "provider unavailable")
	assert.Equal(t, WindowCommitted, results[1].Status)

	down = false
	results, err = ing.Ingest(context.Background(), testRegion(), "run-2", jan15)
	require.NoError(t, err)
	require.Len(t, results, 1, "only the failed window is replanned")
	assert.Equal(t, jan1, results[0].Window.Start)
	assert.Equal(t, WindowCommitted, results[0].Status)

	failed, err := store.FailedWindows(context.Background(), "region-1", domain.SourceGLAD)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestIngest_NonTransientErrorIsNotRetried(t *testing.T) {
	src := &mockSource{name: domain.SourceRADD, pull: func(int, domain.TimeWindow) ([]domain.RawAlert, error) {
		return nil, errors.New("400 bad geometry")
	}}
	ing, _ := newTestIngestor(t, newMemStore(), nil, src)

	results, err := ing.Ingest(context.Background(), testRegion(), "run-1", jan1.AddDate(0, 0, 7))

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, WindowFailed, results[0].Status)
	assert.Equal(t, 1, results[0].Attempts)
}

func TestIngest_CommitFailureLeavesWindowFailed(t *testing.T) {
	store := newMemStore()
	store.failOn = errors.New("disk full")
	src := &mockSource{name: domain.SourceGLAD, pull: func(_ int, w domain.TimeWindow) ([]domain.RawAlert, error) {
		return gladPixels(w), nil
	}}
	ing, _ := newTestIngestor(t, store, nil, src)

	results, err := ing.Ingest(context.Background(), testRegion(), "run-1", jan1.AddDate(0, 0, 7))

	require.NoError(t, err)
	assert.Equal(t, WindowFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "disk full")
	assert.Empty(t, store.records)
}

func TestIngest_RejectsAndBatchDuplicates(t *testing.T) {
	src := &mockSource{name: domain.SourceGLAD, pull: func(int, domain.TimeWindow) ([]domain.RawAlert, error) {
		return []domain.RawAlert{
			{Lon: -52.5, Lat: -25.5, ResolutionDeg: 0.00025, Packed: gladJan03},
			{Lon: -52.5, Lat: -25.5, ResolutionDeg: 0.00025, Packed: gladJan03}, // same pixel again
			{Lon: -52.5, Lat: -25.5, ResolutionDeg: 0.00025, Packed: 99},        // undecodable
			{Lon: -52.5, Lat: -25.5, ResolutionDeg: 0.00025, Packed: gladJan10}, // outside window
		}, nil
	}}
	ing, _ := newTestIngestor(t, newMemStore(), nil, src)

	results, err := ing.Ingest(context.Background(), testRegion(), "run-1", jan1.AddDate(0, 0, 7))

	require.NoError(t, err)
	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, 4, r.Fetched)
	assert.Equal(t, 1, r.Inserted)
	assert.Equal(t, 1, r.Duplicates)
	assert.Equal(t, 2, r.Rejected)
}

func TestIngest_CancelledRunReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &mockSource{name: domain.SourceGLAD, pull: func(int, domain.TimeWindow) ([]domain.RawAlert, error) {
		cancel()
		return nil, context.Canceled
	}}
	store := newMemStore()
	ing, _ := newTestIngestor(t, store, nil, src)

	_, err := ing.Ingest(ctx, testRegion(), "run-1", jan15)

	assert.ErrorIs(t, err, context.Canceled)
	_, ok, ferr := store.Frontier(context.Background(), "region-1", domain.SourceGLAD)
	require.NoError(t, ferr)
	assert.False(t, ok, "cancelled window is not recorded")
}

func TestIngest_ProviderTimeoutFailsWindow(t *testing.T) {
	store := newMemStore()
	src := &stallingSource{name: domain.SourceGLAD}
	reg, err := NewRegistry(src)
	require.NoError(t, err)
	cfg := testConfig()
	cfg.ProviderTimeout = 20 * time.Millisecond
	cfg.Retry = retry.Policy{MaxAttempts: 2}
	ing := NewIngestor(reg, store, nil, cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting())
	window := domain.TimeWindow{Start: jan1, End: jan1.AddDate(0, 0, 7)}

	results, err := ing.Ingest(context.Background(), testRegion(), "run-1", window.End)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, WindowFailed, results[0].Status)
	assert.Equal(t, 2, results[0].Attempts, "a timed-out call is retried")
	assert.Contains(t, results[0].Error, context.DeadlineExceeded.Error())
	assert.Equal(t, 2, src.calls)
	assert.Empty(t, store.records, "nothing is committed for a timed-out window")

	failed, err := store.FailedWindows(context.Background(), "region-1", domain.SourceGLAD)
	require.NoError(t, err)
	assert.Equal(t, []domain.TimeWindow{window}, failed)

	plan, err := ing.Plan(context.Background(), "region-1", domain.SourceGLAD, window.End)
	require.NoError(t, err)
	require.NotEmpty(t, plan)
	assert.Equal(t, window, plan[0], "the failed window is planned first next run")
}

func TestPlan_LookbackRepullsBehindFrontier(t *testing.T) {
	store := newMemStore()
	src := &mockSource{name: domain.SourceGLAD, pull: func(_ int, w domain.TimeWindow) ([]domain.RawAlert, error) {
		return gladPixels(w), nil
	}}
	reg, err := NewRegistry(src)
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Lookback = 7 * 24 * time.Hour
	ing := NewIngestor(reg, store, nil, cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting())

	_, err = ing.Ingest(context.Background(), testRegion(), "run-1", jan15)
	require.NoError(t, err)
	require.Len(t, store.records, 3)

	// The provider publishes a Jan 10 alert after the window was committed.
	late := domain.RawAlert{Lon: -52.1, Lat: -25.1, ResolutionDeg: 0.00025, Packed: gladJan10}
	src.pull = func(_ int, w domain.TimeWindow) ([]domain.RawAlert, error) {
		return append(gladPixels(w), late), nil
	}

	plan, err := ing.Plan(context.Background(), "region-1", domain.SourceGLAD, jan15)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, jan15.AddDate(0, 0, -7), plan[0].Start)

	results, err := ing.Ingest(context.Background(), testRegion(), "run-2", jan15)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Inserted, "the late alert is pulled")
	assert.Equal(t, 1, results[0].Duplicates, "the stored alert is absorbed")
	assert.Len(t, store.records, 4)
}

func TestPlan_LookbackNeverBeforeStart(t *testing.T) {
	store := newMemStore()
	key := WindowKey{RegionID: "region-1", Source: domain.SourceGLAD, Window: domain.TimeWindow{Start: jan1, End: jan1.AddDate(0, 0, 2)}}
	_, err := store.CommitWindow(context.Background(), Commit{Key: key})
	require.NoError(t, err)
	reg, err := NewRegistry()
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Lookback = 30 * 24 * time.Hour
	ing := NewIngestor(reg, store, nil, cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting())

	plan, err := ing.Plan(context.Background(), "region-1", domain.SourceGLAD, jan15)

	require.NoError(t, err)
	require.NotEmpty(t, plan)
	assert.Equal(t, jan1, plan[0].Start)
}

func TestRegistry_RejectsDuplicateSource(t *testing.T) {
	a := &mockSource{name: domain.SourceGLAD}
	b := &mockSource{name: domain.SourceGLAD}
	_, err := NewRegistry(a, b)
	assert.ErrorContains(t, err, "already registered")
}

func TestRegistry_SourcesSorted(t *testing.T) {
	reg, err := NewRegistry(&mockSource{name: domain.SourceRADD}, &mockSource{name: domain.SourceDISTAlert}, &mockSource{name: domain.SourceGLAD})
	require.NoError(t, err)

	var names []domain.SourceSystem
	for _, s := range reg.Sources() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []domain.SourceSystem{domain.SourceDISTAlert, domain.SourceGLAD, domain.SourceRADD}, names)
	assert.Equal(t, 3, reg.Len())
}

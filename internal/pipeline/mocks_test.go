package pipeline_test

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/grounding"
	"github.com/couchcryptid/forest-disturbance-etl/internal/ingest"
	"github.com/couchcryptid/forest-disturbance-etl/internal/lifecycle"
	"github.com/couchcryptid/forest-disturbance-etl/internal/lock"
	"github.com/jonboulle/clockwork"
)

// --- store ---

type storedMetric struct {
	metric    domain.PeriodMetric
	canonical []byte
}

type memStore struct {
	mu         sync.Mutex
	records    map[string]domain.DisturbanceRecord
	processed  map[string]bool
	events     map[string]domain.FusedEvent
	baselines  map[string][]domain.BaselineSnapshot
	metrics    map[string]map[domain.TimeWindow]storedMetric
	narratives map[string]map[domain.TimeWindow]grounding.Narrative
	upserts    int
	pingErr    error
}

func newMemStore() *memStore {
	return &memStore{
		records:    map[string]domain.DisturbanceRecord{},
		processed:  map[string]bool{},
		events:     map[string]domain.FusedEvent{},
		baselines:  map[string][]domain.BaselineSnapshot{},
		metrics:    map[string]map[domain.TimeWindow]storedMetric{},
		narratives: map[string]map[domain.TimeWindow]grounding.Narrative{},
	}
}

func (s *memStore) insert(recs []domain.DisturbanceRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range recs {
		if _, ok := s.records[r.Key]; ok {
			continue
		}
		s.records[r.Key] = r
		n++
	}
	return n
}

func (s *memStore) addBaseline(regionID string, snap domain.BaselineSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.RegionID = regionID
	snap.Version = len(s.baselines[regionID]) + 1
	s.baselines[regionID] = append(s.baselines[regionID], snap)
}

func (s *memStore) UnprocessedRecords(_ context.Context, regionID string) ([]domain.DisturbanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DisturbanceRecord
	for key, r := range s.records {
		if r.RegionID == regionID && !s.processed[key] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *memStore) Events(_ context.Context, regionID string) ([]domain.FusedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FusedEvent
	for _, e := range s.events {
		if e.RegionID == regionID {
			e.Records = append([]domain.Contribution(nil), e.Records...)
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) SaveEvents(_ context.Context, events []domain.FusedEvent, processed []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if stored, ok := s.events[e.ID]; ok {
			if err := lifecycle.CheckForward(e.ID, stored.Status, e.Status); err != nil {
				return err
			}
		}
	}
	for _, e := range events {
		s.events[e.ID] = e
	}
	for _, key := range processed {
		s.processed[key] = true
	}
	return nil
}

func (s *memStore) History(_ context.Context, regionID string) ([]domain.BaselineSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.BaselineSnapshot(nil), s.baselines[regionID]...), nil
}

func (s *memStore) UpsertPeriodMetrics(_ context.Context, metrics []domain.PeriodMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range metrics {
		canonical, err := m.Canonical()
		if err != nil {
			return err
		}
		if s.metrics[m.RegionID] == nil {
			s.metrics[m.RegionID] = map[domain.TimeWindow]storedMetric{}
		}
		s.metrics[m.RegionID][m.Period()] = storedMetric{metric: m, canonical: canonical}
		s.upserts++
	}
	return nil
}

func (s *memStore) PeriodMetrics(_ context.Context, regionID string) ([]domain.PeriodMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PeriodMetric, 0, len(s.metrics[regionID]))
	for _, sm := range s.metrics[regionID] {
		out = append(out, sm.metric)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out, nil
}

func (s *memStore) MetricEndingAt(_ context.Context, regionID string, end time.Time) (*domain.PeriodMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, sm := range s.metrics[regionID] {
		if p.End.Equal(end) {
			m := sm.metric
			return &m, nil
		}
	}
	return nil, nil
}

func (s *memStore) CanonicalMetric(_ context.Context, regionID string, period domain.TimeWindow) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.metrics[regionID][period]
	return sm.canonical, ok, nil
}

func (s *memStore) metric(regionID string, period domain.TimeWindow) (domain.PeriodMetric, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.metrics[regionID][period]
	return sm.metric, ok
}

func (s *memStore) SaveNarrative(_ context.Context, n grounding.Narrative) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.narratives[n.RegionID] == nil {
		s.narratives[n.RegionID] = map[domain.TimeWindow]grounding.Narrative{}
	}
	s.narratives[n.RegionID][domain.TimeWindow{Start: n.PeriodStart, End: n.PeriodEnd}] = n
	return nil
}

func (s *memStore) Narrative(_ context.Context, regionID string, period domain.TimeWindow) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.narratives[regionID][period]
	return n.Text, ok, nil
}

func (s *memStore) Ping(context.Context) error { return s.pingErr }

// --- ingestor ---

// fakeIngestor commits whatever pull returns for the region, stamping the
// run id and ingestion time the way the real ingestor does.
type fakeIngestor struct {
	store *memStore
	clock clockwork.Clock
	mu    sync.Mutex
	calls map[string]int
	pull  func(regionID string, call int) ([]domain.DisturbanceRecord, error)
}

func newFakeIngestor(store *memStore, clock clockwork.Clock, pull func(regionID string, call int) ([]domain.DisturbanceRecord, error)) *fakeIngestor {
	return &fakeIngestor{store: store, clock: clock, calls: map[string]int{}, pull: pull}
}

func (f *fakeIngestor) Ingest(_ context.Context, region domain.Region, runID string, asOf time.Time) ([]ingest.WindowResult, error) {
	f.mu.Lock()
	f.calls[region.ID]++
	call := f.calls[region.ID]
	f.mu.Unlock()

	recs, err := f.pull(region.ID, call)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].RunID = runID
		recs[i].IngestedAt = f.clock.Now().UTC()
	}
	inserted := f.store.insert(recs)
	return []ingest.WindowResult{{
		Source:     domain.SourceGLAD,
		Window:     domain.TimeWindow{Start: asOf.Add(-7 * 24 * time.Hour), End: asOf},
		Status:     ingest.WindowCommitted,
		Attempts:   1,
		Fetched:    len(recs),
		Inserted:   inserted,
		Duplicates: len(recs) - inserted,
	}}, nil
}

// --- narrator ---

type fakeNarrator struct {
	mu    sync.Mutex
	calls int
	err   error
	clock clockwork.Clock
}

func (f *fakeNarrator) Publish(_ context.Context, region domain.Region, metric domain.PeriodMetric) (grounding.Narrative, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return grounding.Narrative{}, f.err
	}
	return grounding.Narrative{
		RegionID:    region.ID,
		PeriodStart: metric.PeriodStart,
		PeriodEnd:   metric.PeriodEnd,
		Text:        "[[event_count: " + strconv.Itoa(metric.EventCount) + "]] events recorded.",
		Claims:      1,
		Attempts:    1,
		GeneratedAt: f.clock.Now(),
	}, nil
}

func (f *fakeNarrator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// --- sink ---

type recordingSink struct {
	mu      sync.Mutex
	events  []domain.FusedEvent
	metrics []domain.PeriodMetric
	err     error
}

func (r *recordingSink) PublishEvents(_ context.Context, events []domain.FusedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingSink) PublishMetrics(_ context.Context, metrics []domain.PeriodMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.metrics = append(r.metrics, metrics...)
	return nil
}

// --- locker ---

// revocableLocker grants every lock and lets a test take the held one away.
type revocableLocker struct {
	mu   sync.Mutex
	lose func()
}

func (l *revocableLocker) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	held, cancel := context.WithCancelCause(ctx)
	l.mu.Lock()
	l.lose = func() { cancel(fmt.Errorf("%w: %s", lock.ErrLockLost, key)) }
	l.mu.Unlock()
	return held, func() { cancel(nil) }, nil
}

func (l *revocableLocker) revoke() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lose()
}

// Package baseline keeps the slow-moving forest extent layer: versioned
// baseline snapshots per region and the annual loss extraction that feeds
// them.
package baseline

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/jonboulle/clockwork"
)

// Store holds every snapshot version per region. Superseding appends; older
// versions stay readable so past periods can be reproduced.
type Store interface {
	Current(ctx context.Context, regionID string) (domain.BaselineSnapshot, error)
	Supersede(ctx context.Context, regionID string, snap domain.BaselineSnapshot) (domain.BaselineSnapshot, error)
	AsOf(ctx context.Context, regionID string, date time.Time) (domain.BaselineSnapshot, error)
	History(ctx context.Context, regionID string) ([]domain.BaselineSnapshot, error)
}

// Validate checks a snapshot before it is stored.
func Validate(snap domain.BaselineSnapshot) error {
	if snap.EffectiveDate.IsZero() {
		return fmt.Errorf("baseline snapshot: effective date is required")
	}
	if snap.CoverAreaM2 < 0 {
		return fmt.Errorf("baseline snapshot: negative cover area %g", snap.CoverAreaM2)
	}
	for id, p := range snap.Cells {
		if p < 0 || p > 1 {
			return fmt.Errorf("baseline snapshot: cell %s cover probability %g outside 0..1", id, p)
		}
	}
	return nil
}

// Select returns the snapshot in effect on date: the latest EffectiveDate at
// or before date, ties broken by the higher version. Snapshots effective
// after date are never returned.
func Select(history []domain.BaselineSnapshot, date time.Time) (domain.BaselineSnapshot, bool) {
	var (
		best  domain.BaselineSnapshot
		found bool
	)
	for _, s := range history {
		if s.EffectiveDate.After(date) {
			continue
		}
		if !found || s.EffectiveDate.After(best.EffectiveDate) ||
			(s.EffectiveDate.Equal(best.EffectiveDate) && s.Version > best.Version) {
			best, found = s, true
		}
	}
	return best, found
}

// Pinned narrows history to the snapshot with the given version, so a period
// already computed against it selects it again. Version 0 pins to no
// baseline.
func Pinned(history []domain.BaselineSnapshot, version int) []domain.BaselineSnapshot {
	for _, s := range history {
		if s.Version == version {
			return []domain.BaselineSnapshot{s}
		}
	}
	return nil
}

// MemoryStore is an in-process Store. Each region's history is an immutable
// slice swapped under the lock, so readers never see a half-written
// supersession.
type MemoryStore struct {
	mu      sync.RWMutex
	history map[string][]domain.BaselineSnapshot
	clock   clockwork.Clock
}

// NewMemoryStore returns an empty store stamping CreatedAt from clock.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{history: make(map[string][]domain.BaselineSnapshot), clock: clock}
}

func (m *MemoryStore) Current(ctx context.Context, regionID string) (domain.BaselineSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.BaselineSnapshot{}, err
	}
	m.mu.RLock()
	h := m.history[regionID]
	m.mu.RUnlock()
	if len(h) == 0 {
		return domain.BaselineSnapshot{}, fmt.Errorf("current baseline for %s: %w", regionID, domain.ErrNoBaseline)
	}
	return cloneSnapshot(h[len(h)-1]), nil
}

// Supersede stores snap as the region's next version and returns it with
// Version and CreatedAt assigned.
func (m *MemoryStore) Supersede(ctx context.Context, regionID string, snap domain.BaselineSnapshot) (domain.BaselineSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.BaselineSnapshot{}, err
	}
	if err := Validate(snap); err != nil {
		return domain.BaselineSnapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.history[regionID]
	snap = cloneSnapshot(snap)
	snap.RegionID = regionID
	snap.Version = len(old) + 1
	snap.CreatedAt = m.clock.Now().UTC()

	next := make([]domain.BaselineSnapshot, len(old), len(old)+1)
	copy(next, old)
	m.history[regionID] = append(next, snap)
	return cloneSnapshot(snap), nil
}

func (m *MemoryStore) AsOf(ctx context.Context, regionID string, date time.Time) (domain.BaselineSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.BaselineSnapshot{}, err
	}
	m.mu.RLock()
	h := m.history[regionID]
	m.mu.RUnlock()
	snap, ok := Select(h, date)
	if !ok {
		return domain.BaselineSnapshot{}, fmt.Errorf("baseline for %s as of %s: %w", regionID, date.Format(time.DateOnly), domain.ErrNoBaseline)
	}
	return cloneSnapshot(snap), nil
}

// History returns all versions, oldest first.
func (m *MemoryStore) History(ctx context.Context, regionID string) ([]domain.BaselineSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	h := m.history[regionID]
	m.mu.RUnlock()
	out := make([]domain.BaselineSnapshot, len(h))
	for i, s := range h {
		out[i] = cloneSnapshot(s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func cloneSnapshot(s domain.BaselineSnapshot) domain.BaselineSnapshot {
	if s.Cells != nil {
		s.Cells = maps.Clone(s.Cells)
	}
	return s
}

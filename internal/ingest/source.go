// Package ingest pulls raw alerts from every registered provider, decodes
// them into disturbance records and commits them window by window.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/paulmach/orb"
)

// Source is one alert provider. Pull returns every pixel detected inside
// bbox during window. Transient failures wrap domain.ErrProviderUnavailable.
type Source interface {
	Name() domain.SourceSystem
	Pull(ctx context.Context, bbox orb.Bound, window domain.TimeWindow) ([]domain.RawAlert, error)
}

// Registry holds the sources a run pulls from.
type Registry struct {
	mu      sync.RWMutex
	sources map[domain.SourceSystem]Source
}

// NewRegistry returns a registry holding the given sources.
func NewRegistry(sources ...Source) (*Registry, error) {
	r := &Registry{sources: make(map[domain.SourceSystem]Source)}
	for _, s := range sources {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a source. Registering the same source system twice fails.
func (r *Registry) Register(s Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := s.Name()
	if _, ok := r.sources[name]; ok {
		return fmt.Errorf("source %q already registered", name)
	}
	r.sources[name] = s
	return nil
}

// Sources returns the registered sources ordered by name.
func (r *Registry) Sources() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len reports the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

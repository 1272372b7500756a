package gfw

import (
	"context"
	"fmt"

	"github.com/couchcryptid/forest-disturbance-etl/internal/baseline"
	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedLossSource wraps a LossSource with an in-memory LRU cache. Loss
// areas for a released dataset never change, so repeated extractions over
// the same region and threshold are served locally.
type CachedLossSource struct {
	inner baseline.LossSource
	cache *lru.Cache[string, float64]
}

// NewCachedLossSource creates a cache decorator around a loss source holding
// at most maxEntries areas.
func NewCachedLossSource(inner baseline.LossSource, maxEntries int) *CachedLossSource {
	if maxEntries < 1 {
		maxEntries = 1
	}
	cache, _ := lru.New[string, float64](maxEntries) // only fails for a non-positive size
	return &CachedLossSource{inner: inner, cache: cache}
}

func (c *CachedLossSource) DatasetVersion() string { return c.inner.DatasetVersion() }

func (c *CachedLossSource) CoverAreaM2(ctx context.Context, region domain.Region, threshold int) (float64, error) {
	key := fmt.Sprintf("cover:%s|%s|%d", c.inner.DatasetVersion(), region.ID, threshold)
	return c.load(key, func() (float64, error) {
		return c.inner.CoverAreaM2(ctx, region, threshold)
	})
}

func (c *CachedLossSource) LossAreaM2(ctx context.Context, region domain.Region, yearCode, threshold int) (float64, error) {
	key := fmt.Sprintf("loss:%s|%s|%d|%d", c.inner.DatasetVersion(), region.ID, yearCode, threshold)
	return c.load(key, func() (float64, error) {
		return c.inner.LossAreaM2(ctx, region, yearCode, threshold)
	})
}

// load serves key from the cache or calls fetch. Errors are not cached.
func (c *CachedLossSource) load(key string, fetch func() (float64, error)) (float64, error) {
	if area, ok := c.cache.Get(key); ok {
		return area, nil
	}
	area, err := fetch()
	if err != nil {
		return area, err
	}
	c.cache.Add(key, area)
	return area, nil
}

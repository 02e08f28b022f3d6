package eta

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/openhail/dispatch/core/geo"
)

// CachedEstimator memoises an Estimator with a TTL cache. Keys are
// quantised to a ~10m grid so nearby lookups share entries.
type CachedEstimator struct {
	inner Estimator
	cache *gocache.Cache
}

// NewCached wraps inner with a cache holding entries for ttl.
func NewCached(inner Estimator, ttl time.Duration) *CachedEstimator {
	return &CachedEstimator{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (c *CachedEstimator) ETA(ctx context.Context, from, to geo.Point) (time.Duration, error) {
	key := cacheKey(from, to)
	if v, ok := c.cache.Get(key); ok {
		return v.(time.Duration), nil
	}
	d, err := c.inner.ETA(ctx, from, to)
	if err != nil {
		return 0, err
	}
	c.cache.SetDefault(key, d)
	return d, nil
}

func cacheKey(a, b geo.Point) string {
	return fmt.Sprintf("%.4f,%.4f>%.4f,%.4f", a.Lat, a.Lon, b.Lat, b.Lon)
}

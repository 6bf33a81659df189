package enrich

import (
	"context"
	"time"

	"callbot/internal/ttlcache"
)

type cached struct {
	info  Info
	found bool
}

// Cached fronts a Gateway with a bounded expiring cache. Ids the inner
// gateway answered without a name are cached as "not found" so they are not
// asked for again until they expire.
type Cached struct {
	inner Gateway
	cache *ttlcache.Cache[string, cached]
}

// NewCached wraps inner. Defaults: ttl 12h, max 100 entries.
func NewCached(inner Gateway, ttl time.Duration, max int) *Cached {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	if max <= 0 {
		max = 100
	}
	return &Cached{inner: inner, cache: ttlcache.New[string, cached](ttl, max)}
}

// WithClock replaces the time source. Intended for tests.
func (c *Cached) WithClock(now func() time.Time) *Cached {
	c.cache.WithClock(now)
	return c
}

func (c *Cached) Lookup(ctx context.Context, ids []string) Result {
	ids = uniqueSorted(ids)
	names := make(map[string]Info, len(ids))
	var missing []string
	for _, id := range ids {
		e, ok := c.cache.Get(id)
		switch {
		case !ok:
			missing = append(missing, id)
		case e.found:
			names[id] = e.info
		}
	}
	if len(missing) == 0 {
		return Result{Status: StatusOK, Names: names}
	}

	res := c.inner.Lookup(ctx, missing)
	if res.Status != StatusOK {
		return Result{Status: res.Status, Names: names, Err: res.Err}
	}
	for _, id := range missing {
		if info, ok := res.Names[id]; ok && info.Label() != "" {
			c.cache.Set(id, cached{info: info, found: true})
			names[id] = info
			continue
		}
		c.cache.Set(id, cached{})
	}
	return Result{Status: StatusOK, Names: names}
}

package pipeline

import (
	"context"
	"time"

	"callbot/internal/storage"
	"callbot/internal/ttlcache"
	logx "callbot/pkg/logx"
)

const dedupKeyPrefix = "call:"

type dedupWrite struct {
	key   string
	until time.Time
}

// Dedup is a time-expiring set of event ids.
//
// The in-memory cache is authoritative. When a store is attached, ids are
// also checked against it (bounded by a short timeout) and written behind by
// Run, so a restart inside the retention window does not repost.
type Dedup struct {
	cache *ttlcache.Cache[string, struct{}]
	now   func() time.Time

	store  storage.Store
	writes chan dedupWrite
	log    logx.Logger
}

// NewDedup returns a cache that remembers ids for retention, holding at most max live ids.
func NewDedup(retention time.Duration, max int) *Dedup {
	return &Dedup{
		cache: ttlcache.New[string, struct{}](retention, max),
		now:   time.Now,
		log:   logx.Nop(),
	}
}

// WithClock replaces the time source. Intended for tests.
func (d *Dedup) WithClock(now func() time.Time) *Dedup {
	d.now = now
	d.cache.WithClock(now)
	return d
}

// WithStore enables best-effort persistence. Run must be started to flush writes.
func (d *Dedup) WithStore(st storage.Store, log logx.Logger) *Dedup {
	if st == nil {
		return d
	}
	d.store = st
	d.writes = make(chan dedupWrite, 64)
	if !log.IsZero() {
		d.log = log
	}
	return d
}

// SetRetention changes the window for ids remembered from now on.
func (d *Dedup) SetRetention(ttl time.Duration) { d.cache.SetTTL(ttl) }

// Seen reports whether id was remembered within the retention window.
func (d *Dedup) Seen(ctx context.Context, id string) bool {
	if d.cache.Has(id) {
		return true
	}
	if d.store == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
	until, ok, err := d.store.GetDedup(cctx, dedupKeyPrefix+id)
	cancel()
	if err != nil || !ok || !d.now().Before(until) {
		return false
	}
	d.cache.SetUntil(id, struct{}{}, until)
	return true
}

// Remember marks id as seen for the retention window.
func (d *Dedup) Remember(id string) {
	until := d.cache.Set(id, struct{}{})
	if d.writes == nil {
		return
	}
	select {
	case d.writes <- dedupWrite{key: dedupKeyPrefix + id, until: until}:
	default:
		d.log.Debug("dedup write dropped (queue full)", logx.String("id", id))
	}
}

// Len reports the number of live ids.
func (d *Dedup) Len() int { return d.cache.Len() }

// Run flushes remembered ids to the store until ctx is canceled.
func (d *Dedup) Run(ctx context.Context) {
	if d.store == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-d.writes:
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := d.store.PutDedup(cctx, w.key, w.until); err != nil {
				d.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

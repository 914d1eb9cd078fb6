// Package geo enriches visits with a best-effort approximate location.
// Enrichment never fails ingestion: any lookup error resolves to "no geo".
package geo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pagewatch/pagewatch/internal/metrics"
	"github.com/pagewatch/pagewatch/internal/visit"
)

// DefaultTTL is how long a cached lookup stays valid.
const DefaultTTL = 6 * time.Hour

// DefaultTimeout bounds one outbound lookup.
const DefaultTimeout = 4 * time.Second

// Provider performs one IP→location lookup.
type Provider interface {
	Lookup(ctx context.Context, ip string) (*visit.Geo, error)
}

type cacheEntry struct {
	geo      *visit.Geo
	cachedAt time.Time
}

// Resolver caches provider lookups by normalized IP. Entries expire lazily
// on the next lookup past the TTL; nothing sweeps the map, so it grows with
// distinct-IP cardinality. Entries are small and cardinality is low at this
// scale, which is the only reason unbounded growth is acceptable.
//
// Two concurrent lookups for the same uncached IP may both call the
// provider; the result is idempotent and the cache converges, so no
// deduplication.
type Resolver struct {
	provider Provider
	ttl      time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewResolver wraps provider with a TTL cache and per-lookup timeout.
// Zero ttl/timeout take the defaults.
func NewResolver(provider Provider, ttl, timeout time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		provider: provider,
		ttl:      ttl,
		timeout:  timeout,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
}

// Resolve returns the location for ip, or nil when the address is private,
// the provider fails, or the lookup times out. It never returns an error.
func (r *Resolver) Resolve(ctx context.Context, ip string) *visit.Geo {
	if r == nil || r.provider == nil {
		return nil
	}
	if visit.IsPrivate(ip) {
		return nil
	}
	key := visit.NormalizeIP(ip)

	r.mu.Lock()
	if e, ok := r.cache[key]; ok {
		if r.now().Sub(e.cachedAt) < r.ttl {
			r.mu.Unlock()
			metrics.GeoCacheHits.Inc()
			return e.geo
		}
		delete(r.cache, key)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	g, err := r.provider.Lookup(ctx, key)
	if err != nil {
		metrics.GeoLookups.WithLabelValues("error").Inc()
		slog.Debug("geo lookup failed", "ip", key, "err", err)
		return nil
	}
	metrics.GeoLookups.WithLabelValues("ok").Inc()

	r.mu.Lock()
	r.cache[key] = cacheEntry{geo: g, cachedAt: r.now()}
	r.mu.Unlock()
	return g
}

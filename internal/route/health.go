package route

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// HealthCache is a TTL-based cache of provider health with
// stale-while-revalidate reads. Lookups never block on a probe once a value
// exists; a cold miss triggers a synchronous probe bounded by probeTimeout
// rather than blocking indefinitely. Concurrent cold misses for the same
// provider are collapsed into a single probe.
type HealthCache struct {
	store        sync.Map // map[string]*healthEntry
	ttl          time.Duration
	probeTimeout time.Duration
	group        singleflight.Group
}

type healthEntry struct {
	health     Health
	expiresAt  time.Time
	refreshing atomic.Bool
}

// NewHealthCache creates a cache with the given TTL and probe timeout.
func NewHealthCache(ttl, probeTimeout time.Duration) *HealthCache {
	return &HealthCache{ttl: ttl, probeTimeout: probeTimeout}
}

// Get returns the provider's health, probing on a cold miss. Stale entries
// are served immediately while a single background goroutine refreshes them,
// so the staleness window is bounded by the TTL, never unbounded.
func (c *HealthCache) Get(ctx context.Context, p Provider) Health {
	if v, ok := c.store.Load(p.ID()); ok {
		entry := v.(*healthEntry)
		if time.Now().Before(entry.expiresAt) {
			return entry.health
		}
		// Stale hit: only the CAS winner refreshes.
		if entry.refreshing.CompareAndSwap(false, true) {
			go c.refresh(p)
		}
		return entry.health
	}

	// Cold miss: synchronous probe under the short timeout, deduplicated so
	// a thundering herd of first lookups costs one probe.
	v, _, _ := c.group.Do(p.ID(), func() (any, error) {
		return c.probe(ctx, p), nil
	})
	return v.(Health)
}

// Set overrides the cached health. The router uses this to mark a provider
// DEGRADED after an execution failure without waiting for the next probe.
func (c *HealthCache) Set(providerID string, h Health) {
	c.store.Store(providerID, &healthEntry{
		health:    h,
		expiresAt: time.Now().Add(c.ttl),
	})
}

func (c *HealthCache) refresh(p Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), c.probeTimeout)
	defer cancel()
	c.Set(p.ID(), p.Health(ctx))
}

func (c *HealthCache) probe(ctx context.Context, p Provider) Health {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	h := p.Health(probeCtx)
	c.Set(p.ID(), h)
	return h
}

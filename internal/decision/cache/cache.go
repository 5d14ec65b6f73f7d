// Package cache memoizes terminal decisions keyed by action fingerprint.
//
// Concurrent callers with the same fingerprint share a single in-flight
// computation via singleflight; entries expire on TTL and the whole cache is
// invalidated atomically when the ruleset version changes.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"charter/internal/domain"
)

// ComputeFunc produces a decision on cache miss. It runs at most once per
// fingerprint per generation, regardless of concurrent callers.
type ComputeFunc func(ctx context.Context) (*domain.Decision, error)

// Observer receives cache outcomes. Satisfied by the decision metrics.
type Observer interface {
	IncCacheHit()
	IncCacheMiss()
}

type entry struct {
	decision *domain.Decision
	expires  time.Time
}

// Cache is the single shared mutable structure on the decision path. All
// mutation goes through GetOrCompute and Invalidate.
type Cache struct {
	ttl      time.Duration
	group    singleflight.Group
	observer Observer

	gen atomic.Uint64

	mu      sync.RWMutex
	entries map[string]entry
}

// New creates a cache with the given TTL. A zero observer is allowed.
func New(ttl time.Duration, observer Observer) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Cache{
		ttl:      ttl,
		observer: observer,
		entries:  make(map[string]entry),
	}
}

// GetOrCompute returns the cached decision for the fingerprint, or runs
// compute under the single-flight guarantee. Decisions suspended for human
// review are shared with concurrent waiters but never stored. The bool
// return reports a cache hit.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, compute ComputeFunc) (*domain.Decision, bool, error) {
	gen := c.gen.Load()
	key := flightKey(gen, fingerprint)

	if d, ok := c.lookup(key); ok {
		if c.observer != nil {
			c.observer.IncCacheHit()
		}
		return d, true, nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have stored
		// the entry between our lookup and Do.
		if d, ok := c.lookup(key); ok {
			return d, nil
		}
		d, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if d.Status == domain.StatusResolved && c.gen.Load() == gen {
			c.store(key, d)
		}
		return d, nil
	})
	if err != nil {
		return nil, false, err
	}

	if c.observer != nil {
		if shared {
			c.observer.IncCacheHit()
		} else {
			c.observer.IncCacheMiss()
		}
	}
	return v.(*domain.Decision), shared, nil
}

// Invalidate drops all entries atomically. Called on ruleset version bump;
// the generation counter also fences any computation still in flight against
// the old snapshot.
func (c *Cache) Invalidate() {
	c.gen.Add(1)
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Len reports the number of live entries, counting expired ones not yet
// swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Run sweeps expired entries until the context is cancelled.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}

func (c *Cache) lookup(key string) (*domain.Decision, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.decision, true
}

func (c *Cache) store(key string, d *domain.Decision) {
	c.mu.Lock()
	c.entries[key] = entry{decision: d, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func flightKey(gen uint64, fingerprint string) string {
	return fmt.Sprintf("%d/%s", gen, fingerprint)
}

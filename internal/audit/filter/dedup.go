package filter

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupStore suppresses repeated event content within a rolling window.
// Best-effort: a store error or eviction pressure may let a duplicate
// through, never the reverse.
type DedupStore interface {
	// Seen marks the hash and reports whether it was already present
	// inside the window.
	Seen(ctx context.Context, hash string, window time.Duration) (bool, error)
}

// MemoryDedup is an in-process dedup window backed by a TTL map.
type MemoryDedup struct {
	mu      sync.Mutex
	entries map[string]time.Time
	// sweepEvery bounds how often expired entries are collected.
	sweepEvery int
	writes     int
}

// NewMemoryDedup creates an empty dedup window.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{
		entries:    make(map[string]time.Time),
		sweepEvery: 1024,
	}
}

// Seen marks the hash and reports whether it was seen within the window.
func (d *MemoryDedup) Seen(_ context.Context, hash string, window time.Duration) (bool, error) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if expiry, ok := d.entries[hash]; ok && now.Before(expiry) {
		return true, nil
	}
	d.entries[hash] = now.Add(window)

	d.writes++
	if d.writes >= d.sweepEvery {
		d.writes = 0
		for k, expiry := range d.entries {
			if now.After(expiry) {
				delete(d.entries, k)
			}
		}
	}
	return false, nil
}

const redisDedupPrefix = "charter:dedup:"

// RedisDedup shares the dedup window across nodes via SET NX with expiry.
type RedisDedup struct {
	client redis.UniversalClient
}

// NewRedisDedup creates a redis-backed dedup window.
func NewRedisDedup(client redis.UniversalClient) *RedisDedup {
	return &RedisDedup{client: client}
}

// Seen marks the hash via SET NX; a failed set means it was already present.
func (d *RedisDedup) Seen(ctx context.Context, hash string, window time.Duration) (bool, error) {
	set, err := d.client.SetNX(ctx, redisDedupPrefix+hash, 1, window).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"charter/internal/domain"
)

const keyPrefix = "charter:pending:"

// RedisStore persists pending tickets in redis so they survive process
// restart. Keys expire shortly after the review deadline; the orchestrator's
// watchdog resolves the decision to deny before expiry.
type RedisStore struct {
	client redis.UniversalClient
	// grace keeps the key alive past the deadline so a slow watchdog can
	// still record the timeout denial.
	grace time.Duration
}

// NewRedisStore creates a redis-backed pending store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, grace: time.Minute}
}

// Put stores the ticket with a TTL derived from its deadline.
func (s *RedisStore) Put(ctx context.Context, t Ticket) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal pending ticket: %w", err)
	}
	ttl := time.Until(t.Deadline) + s.grace
	if ttl <= 0 {
		ttl = s.grace
	}
	if err := s.client.Set(ctx, keyPrefix+t.Token, data, ttl).Err(); err != nil {
		return fmt.Errorf("store pending ticket: %w", err)
	}
	return nil
}

// Take atomically removes and returns the ticket via GETDEL, so concurrent
// resolvers cannot both claim the same review.
func (s *RedisStore) Take(ctx context.Context, token string) (*Ticket, error) {
	data, err := s.client.GetDel(ctx, keyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrPendingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take pending ticket: %w", err)
	}
	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal pending ticket: %w", err)
	}
	return &t, nil
}

// List scans all pending tickets. Used on startup to re-arm review timeouts.
func (s *RedisStore) List(ctx context.Context) ([]Ticket, error) {
	var out []Ticket
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list pending tickets: %w", err)
		}
		var t Ticket
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("unmarshal pending ticket: %w", err)
		}
		out = append(out, t)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan pending tickets: %w", err)
	}
	return out, nil
}

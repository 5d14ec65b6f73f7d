// Package pending stores decisions suspended for human review.
//
// The redis-backed store survives process restart so pending reviews are not
// lost; the memory store serves tests and single-node development.
package pending

import (
	"context"
	"sync"
	"time"

	"charter/internal/domain"
)

// Ticket is the suspended state of one tier-4 decision.
type Ticket struct {
	Token     string          `json:"token"`
	Action    domain.Action   `json:"action"`
	Decision  domain.Decision `json:"decision"`
	CreatedAt time.Time       `json:"created_at"`
	Deadline  time.Time       `json:"deadline"`
}

// Store persists pending review tickets. Take removes the ticket so a review
// resolves exactly once.
type Store interface {
	Put(ctx context.Context, t Ticket) error
	Take(ctx context.Context, token string) (*Ticket, error)
	List(ctx context.Context) ([]Ticket, error)
}

// MemoryStore is an in-process Store. Pending state does not survive restart;
// use the redis store where that matters.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[string]Ticket
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string]Ticket)}
}

// Put stores a ticket keyed by token.
func (s *MemoryStore) Put(_ context.Context, t Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.Token] = t
	return nil
}

// Take removes and returns the ticket, or ErrPendingNotFound.
func (s *MemoryStore) Take(_ context.Context, token string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[token]
	if !ok {
		return nil, domain.ErrPendingNotFound
	}
	delete(s.tickets, token)
	return &t, nil
}

// List returns all stored tickets.
func (s *MemoryStore) List(_ context.Context) ([]Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		out = append(out, t)
	}
	return out, nil
}

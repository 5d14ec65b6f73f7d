package filter

import "hash/fnv"

// Sampler keeps 1-in-N events, decided deterministically from the event ID
// so a given event samples the same way on every node.
type Sampler struct {
	every uint64
}

// NewSampler creates a sampler keeping one event in every n. n <= 1 keeps
// everything.
func NewSampler(n int) *Sampler {
	if n < 1 {
		n = 1
	}
	return &Sampler{every: uint64(n)}
}

// Keep reports whether the event with this ID falls into the kept bucket.
func (s *Sampler) Keep(eventID string) bool {
	if s.every <= 1 {
		return true
	}
	h := fnv.New64a()
	h.Write([]byte(eventID))
	return h.Sum64()%s.every == 0
}

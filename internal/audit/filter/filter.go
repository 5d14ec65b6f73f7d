// Package filter decides which classified events are worth forwarding and
// suppresses duplicates within a rolling window.
package filter

import (
	"context"
	"log/slog"
	"time"

	"charter/internal/audit"
)

// routineScoreFloor marks successful audit-trail events as routine noise.
const routineScoreFloor = 0.95

// Config carries the filter tunables.
type Config struct {
	// SampleEvery keeps 1-in-N policy evaluation events (default 5).
	SampleEvery int
	// DedupWindow is the rolling suppression window (default 3600s).
	DedupWindow time.Duration
}

// DefaultConfig returns the standard sampling rate and dedup window.
func DefaultConfig() Config {
	return Config{
		SampleEvery: 5,
		DedupWindow: time.Hour,
	}
}

// Filter is the quality gate between classification and scrubbing.
type Filter struct {
	sampler *Sampler
	dedup   DedupStore
	window  time.Duration
	logger  *slog.Logger
}

// New creates a filter. The dedup store may be shared across nodes (redis)
// or in-process.
func New(cfg Config, dedup DedupStore, logger *slog.Logger) *Filter {
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = DefaultConfig().SampleEvery
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultConfig().DedupWindow
	}
	return &Filter{
		sampler: NewSampler(cfg.SampleEvery),
		dedup:   dedup,
		window:  cfg.DedupWindow,
		logger:  logger,
	}
}

// ShouldForward applies category policy first, then deduplication:
// violations and optimization triggers always pass the category gate,
// policy evaluations are sampled, and routine successful audit-trail events
// are dropped.
func (f *Filter) ShouldForward(ctx context.Context, ev *audit.Event) bool {
	if !f.categoryGate(ev) {
		return false
	}

	seen, err := f.dedup.Seen(ctx, ev.ContentHash(), f.window)
	if err != nil {
		// Best-effort dedup: on store error forward rather than lose the
		// event.
		f.logger.WarnContext(ctx, "dedup store error, forwarding unchecked",
			"event_id", ev.ID,
			"error", err,
		)
		return true
	}
	return !seen
}

func (f *Filter) categoryGate(ev *audit.Event) bool {
	switch ev.Category {
	case audit.CategoryViolation, audit.CategoryOptimizationTrigger:
		return true
	case audit.CategoryPolicyEvaluation:
		return f.sampler.Keep(ev.ID)
	case audit.CategoryAuditTrail:
		if ev.Allow && ev.Score > routineScoreFloor {
			return false
		}
		return true
	}
	return true
}

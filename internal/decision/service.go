// Package decision orchestrates cache lookup, rule evaluation, and tier
// escalation to produce compliance decisions.
package decision

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"charter/internal/audit"
	"charter/internal/decision/cache"
	"charter/internal/decision/metrics"
	"charter/internal/domain"
	"charter/internal/evaluator"
	"charter/internal/platform/middleware"
	"charter/internal/ruleset"
	"charter/internal/tier"
)

// TelemetrySink receives one raw event per decision. Implemented by the
// audit pipeline; a failure to consume telemetry never affects the decision
// already made.
type TelemetrySink interface {
	Emit(ev audit.RawEvent)
}

// Service is the compliance decision entry point.
type Service struct {
	rules     *ruleset.Provider
	cache     *cache.Cache
	eval      *evaluator.Evaluator
	tiers     *tier.Orchestrator
	telemetry TelemetrySink
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New wires the decision service. A nil cache puts the service in degraded
// mode: every action evaluates directly. The service registers itself as the
// orchestrator's resolution sink so asynchronously resolved reviews flow
// into telemetry.
func New(
	rules *ruleset.Provider,
	c *cache.Cache,
	eval *evaluator.Evaluator,
	tiers *tier.Orchestrator,
	telemetry TelemetrySink,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Service {
	s := &Service{
		rules:     rules,
		cache:     c,
		eval:      eval,
		tiers:     tiers,
		telemetry: telemetry,
		logger:    logger,
		metrics:   m,
	}
	tiers.SetResolutionSink(s.recordResolution)
	if c != nil {
		rules.OnSwap(func(string) { c.Invalidate() })
	}
	return s
}

// Decide evaluates an action and returns a resolved decision, or a pending
// decision carrying a review token when tier 4 suspends it. Malformed input
// is the only error surfaced to callers; evaluation-path failures resolve to
// deny.
func (s *Service) Decide(ctx context.Context, action domain.Action) (*domain.Decision, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	snap := s.rules.Current()
	fingerprint := Fingerprint(action, snap.Version)

	compute := func(ctx context.Context) (*domain.Decision, error) {
		result := s.eval.Evaluate(action, snap)
		d, err := s.tiers.Run(ctx, action, result, snap)
		if err != nil {
			return nil, err
		}
		d.LatencyMS = float64(time.Since(start).Microseconds()) / 1000.0
		return d, nil
	}

	var (
		d   *domain.Decision
		hit bool
		err error
	)
	if s.cache != nil {
		d, hit, err = s.cache.GetOrCompute(ctx, fingerprint, compute)
	} else {
		s.logger.WarnContext(ctx, "decision cache unavailable, evaluating directly",
			"action_id", action.ID,
			"error", domain.ErrCacheUnavailable,
		)
		d, err = compute(ctx)
	}
	if err != nil {
		// Fail closed: internal evaluation errors deny, never fail open.
		s.logger.ErrorContext(ctx, "evaluation error, denying",
			"action_id", action.ID,
			"error", err,
		)
		d = &domain.Decision{
			ActionID:       action.ID,
			RulesetVersion: snap.Version,
			Allow:          false,
			Score:          0,
			TierReached:    domain.TierStandard,
			Status:         domain.StatusResolved,
			LatencyMS:      float64(time.Since(start).Microseconds()) / 1000.0,
		}
	}

	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	s.record(ctx, action, d, hit, elapsed)
	return d, nil
}

// Resolve applies a human verdict to a suspended decision.
func (s *Service) Resolve(ctx context.Context, token string, allow bool, reviewer string) (*domain.Decision, error) {
	return s.tiers.Resolve(ctx, token, allow, reviewer)
}

// RulesetVersion reports the active ruleset version for health checks.
func (s *Service) RulesetVersion() string {
	return s.rules.Version()
}

// record emits metrics and the raw telemetry record for a decision produced
// on the synchronous path. latencyMS is the elapsed time of this request;
// on a cache hit it reflects the lookup, not the original computation.
func (s *Service) record(ctx context.Context, action domain.Action, d *domain.Decision, cacheHit bool, latencyMS float64) {
	if d.Status == domain.StatusPending {
		s.metrics.IncEvaluation("pending", d.TierReached.String())
	} else {
		s.metrics.IncEvaluation(result(d.Allow), d.TierReached.String())
	}
	s.metrics.ObserveDecisionLatency(latencyMS)
	if !cacheHit {
		for _, v := range d.Violations {
			s.metrics.IncViolation(v.Kind, string(v.Severity))
		}
	}
	s.emit(action, d, audit.SourceDecision, middleware.GetRequestID(ctx))
}

// recordResolution is the orchestrator's sink for asynchronously resolved
// reviews (verdicts and timeouts).
func (s *Service) recordResolution(action domain.Action, d *domain.Decision) {
	source := audit.SourceHumanReview
	if d.ResolvedBy == "system:timeout" {
		source = audit.SourceReviewTimeout
	}
	s.metrics.IncEvaluation(result(d.Allow), d.TierReached.String())
	s.emit(action, d, source, "")
}

func (s *Service) emit(action domain.Action, d *domain.Decision, source audit.Source, requestID string) {
	if s.telemetry == nil {
		return
	}
	s.telemetry.Emit(audit.RawEvent{
		ID:             uuid.NewString(),
		Source:         source,
		Tagged:         action.HasTag(domain.TagPolicyEvaluation),
		Timestamp:      time.Now(),
		ActionID:       action.ID,
		Actor:          action.Actor,
		RequestID:      requestID,
		RulesetVersion: d.RulesetVersion,
		Allow:          d.Allow,
		Score:          d.Score,
		Tier:           d.TierReached,
		Violations:     d.Violations,
		Payload:        action.Payload,
	})
}

func result(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}

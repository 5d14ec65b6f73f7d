// Package tier routes decisions through the four-stage escalation pipeline:
// standard, enhanced validation, multi-model consensus, human review.
//
// Transitions are strictly forward. Tiers 1-3 resolve synchronously within
// their time budgets; tier 4 suspends the decision in the pending store and
// resolves through a reviewer callback or a timeout watchdog (deny).
package tier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"charter/internal/decision/metrics"
	"charter/internal/domain"
	"charter/internal/evaluator"
	"charter/internal/ruleset"
	"charter/internal/tier/pending"
)

// Evaluator is one independent evaluation instance. The enhanced and
// consensus tiers run instances against the expanded (primary + secondary)
// ruleset; implementations must be safe for concurrent use.
type Evaluator interface {
	EvaluateExpanded(action domain.Action, snap *ruleset.Snapshot) evaluator.Result
}

// Config carries the tier thresholds and budgets.
type Config struct {
	// ComplianceThreshold gates tier 1 (default 0.95).
	ComplianceThreshold float64
	// EnhancedThreshold gates tier 2 (default 0.90).
	EnhancedThreshold float64
	// ConsensusSize is the number of tier-3 evaluator instances.
	ConsensusSize int
	// ConsensusTimeout bounds each tier-3 instance; late results are
	// discarded.
	ConsensusTimeout time.Duration
	// ReviewTimeout bounds tier-4 suspension; on expiry the decision
	// resolves to deny.
	ReviewTimeout time.Duration
	// MaxRevisions caps the tier-2 re-evaluation loop.
	MaxRevisions int
}

// DefaultConfig returns the standard thresholds and budgets.
func DefaultConfig() Config {
	return Config{
		ComplianceThreshold: 0.95,
		EnhancedThreshold:   0.90,
		ConsensusSize:       3,
		ConsensusTimeout:    200 * time.Millisecond,
		ReviewTimeout:       300 * time.Second,
		MaxRevisions:        2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ComplianceThreshold <= 0 {
		c.ComplianceThreshold = d.ComplianceThreshold
	}
	if c.EnhancedThreshold <= 0 {
		c.EnhancedThreshold = d.EnhancedThreshold
	}
	if c.ConsensusSize <= 0 {
		c.ConsensusSize = d.ConsensusSize
	}
	if c.ConsensusTimeout <= 0 {
		c.ConsensusTimeout = d.ConsensusTimeout
	}
	if c.ReviewTimeout <= 0 {
		c.ReviewTimeout = d.ReviewTimeout
	}
	if c.MaxRevisions <= 0 {
		c.MaxRevisions = d.MaxRevisions
	}
	return c
}

// ResolutionSink receives decisions that resolve asynchronously (reviewer
// verdicts and review timeouts). The decision service registers itself here
// so async resolutions flow into telemetry like synchronous ones.
type ResolutionSink func(action domain.Action, d *domain.Decision)

// Orchestrator is the tier state machine.
type Orchestrator struct {
	enhanced  Evaluator
	instances []Evaluator
	store     pending.Store
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics

	sink ResolutionSink

	mu        sync.Mutex
	watchdogs map[string]*time.Timer
}

// New builds an orchestrator from a base evaluator. Consensus instances are
// derived variants with distinct rule weightings around the standard scale.
func New(base *evaluator.Evaluator, store pending.Store, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	cfg = cfg.withDefaults()

	instances := make([]Evaluator, cfg.ConsensusSize)
	for i := range instances {
		// 0.9, 1.0, 1.1, ... one instance per weighting.
		scale := 0.9 + 0.1*float64(i)
		instances[i] = base.Variant(scale)
	}
	return NewWithEvaluators(base, instances, store, cfg, logger, m)
}

// NewWithEvaluators builds an orchestrator with explicit enhanced and
// consensus evaluation instances. Model-backed implementations plug in here.
func NewWithEvaluators(enhanced Evaluator, instances []Evaluator, store pending.Store, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		enhanced:  enhanced,
		instances: instances,
		store:     store,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		metrics:   m,
		watchdogs: make(map[string]*time.Timer),
	}
}

// SetResolutionSink registers the sink for asynchronously resolved
// decisions. Must be called before the first tier-4 suspension.
func (o *Orchestrator) SetResolutionSink(sink ResolutionSink) {
	o.sink = sink
}

// Run routes a freshly evaluated decision through the tiers. The returned
// decision is either resolved (tiers 1-3) or pending with a review token
// (tier 4). Evaluation-path failures resolve to deny, never to an error.
func (o *Orchestrator) Run(ctx context.Context, action domain.Action, initial evaluator.Result, snap *ruleset.Snapshot) (*domain.Decision, error) {
	d := &domain.Decision{
		ActionID:       action.ID,
		RulesetVersion: snap.Version,
		Score:          initial.Score,
		Violations:     initial.Violations,
		TierReached:    domain.TierStandard,
		Status:         domain.StatusResolved,
	}

	// Tier 1: standard. A critical violation is terminal immediately:
	// fail closed, no escalation.
	if d.HasCritical() {
		d.Allow = false
		return d, nil
	}
	if d.Score >= o.cfg.ComplianceThreshold && action.RiskLevel == domain.RiskLow {
		d.Allow = true
		return d, nil
	}

	// Tier 2: enhanced validation against the expanded ruleset. Bounded
	// re-evaluation with best-score tracking; model-backed evaluator
	// implementations may improve across iterations.
	d.TierReached = domain.TierEnhanced
	best := o.enhanced.EvaluateExpanded(action, snap)
	for i := 1; i < o.cfg.MaxRevisions; i++ {
		if r := o.enhanced.EvaluateExpanded(action, snap); r.Score > best.Score {
			best = r
		}
	}
	d.Score = best.Score
	d.Violations = best.Violations
	if d.HasCritical() {
		d.Allow = false
		return d, nil
	}
	if d.Score >= o.cfg.EnhancedThreshold && !d.HasSeverity(domain.SeverityHigh) {
		d.Allow = true
		return d, nil
	}

	// Tier 3: multi-model consensus.
	d.TierReached = domain.TierConsensus
	verdict := o.consensus(ctx, action, snap)
	switch verdict.state {
	case consensusDeny:
		d.Score = verdict.score
		d.Violations = verdict.violations
		d.Allow = false
		return d, nil
	case consensusAllow:
		d.Score = verdict.score
		d.Violations = verdict.violations
		d.Allow = true
		return d, nil
	case consensusTimeout:
		// Insufficient quorum within budget: deny.
		o.logger.WarnContext(ctx, "consensus timeout, denying",
			"action_id", action.ID,
			"responses", verdict.responses,
			"error", domain.ErrConsensusTimeout,
		)
		d.Allow = false
		return d, nil
	}

	// Tier 4: human review. Suspend without blocking the caller.
	if verdict.responses > 0 {
		d.Score = verdict.score
		d.Violations = verdict.violations
	}
	return o.suspend(ctx, action, d)
}

type consensusState int

const (
	consensusAllow consensusState = iota
	consensusDeny
	consensusTimeout
	consensusEscalate
)

type consensusVerdict struct {
	state      consensusState
	score      float64
	violations []domain.Violation
	responses  int
}

// consensus runs the configured evaluator instances in parallel and applies
// quorum rules: any critical violation denies, a majority of allow votes
// allows, too few responses within budget denies, and a complete but
// non-allowing round escalates to human review. Stragglers past the per-
// instance budget are discarded.
func (o *Orchestrator) consensus(ctx context.Context, action domain.Action, snap *ruleset.Snapshot) consensusVerdict {
	n := len(o.instances)
	results := make(chan evaluator.Result, n)
	for _, inst := range o.instances {
		inst := inst
		go func() {
			results <- inst.EvaluateExpanded(action, snap)
		}()
	}

	deadline := time.NewTimer(o.cfg.ConsensusTimeout)
	defer deadline.Stop()

	var received []evaluator.Result
collect:
	for len(received) < n {
		select {
		case r := <-results:
			received = append(received, r)
		case <-deadline.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	verdict := consensusVerdict{responses: len(received)}
	if len(received) == 0 {
		verdict.state = consensusTimeout
		return verdict
	}

	quorum := n/2 + 1
	allows := 0
	seen := make(map[string]struct{})
	var sum float64
	for _, r := range received {
		sum += r.Score
		// Instances evaluate the same ruleset, so several of them flagging
		// one rule must not repeat its violation in the verdict.
		for _, v := range r.Violations {
			key := string(v.Severity) + ":" + v.Kind
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			verdict.violations = append(verdict.violations, v)
		}
		if hasCritical(r) {
			verdict.state = consensusDeny
			verdict.score = r.Score
			return verdict
		}
		if r.Score >= o.cfg.EnhancedThreshold {
			allows++
		}
	}
	verdict.score = sum / float64(len(received))

	switch {
	case allows >= quorum:
		verdict.state = consensusAllow
	case len(received) < quorum:
		verdict.state = consensusTimeout
	default:
		verdict.state = consensusEscalate
	}
	return verdict
}

// suspend parks the decision in the pending store and arms the timeout
// watchdog. The caller receives a pending decision carrying the review token.
func (o *Orchestrator) suspend(ctx context.Context, action domain.Action, d *domain.Decision) (*domain.Decision, error) {
	d.TierReached = domain.TierHumanReview
	d.Status = domain.StatusPending
	d.Allow = false
	d.ReviewToken = uuid.NewString()

	now := time.Now()
	ticket := pending.Ticket{
		Token:     d.ReviewToken,
		Action:    action,
		Decision:  *d,
		CreatedAt: now,
		Deadline:  now.Add(o.cfg.ReviewTimeout),
	}
	if err := o.store.Put(ctx, ticket); err != nil {
		// Fail closed: if the review cannot be suspended durably, deny now.
		o.logger.ErrorContext(ctx, "pending store unavailable, denying",
			"action_id", action.ID,
			"error", err,
		)
		d.Status = domain.StatusResolved
		d.ReviewToken = ""
		d.ResolvedBy = "system:suspend_failure"
		d.ResolvedAt = now
		return d, nil
	}

	o.armWatchdog(d.ReviewToken, o.cfg.ReviewTimeout)
	o.metrics.AddPending(1)
	o.logger.InfoContext(ctx, "decision suspended for human review",
		"action_id", action.ID,
		"token", d.ReviewToken,
		"deadline", ticket.Deadline,
	)
	return d, nil
}

// Resolve applies a reviewer verdict to a suspended decision. A critical
// violation still forces deny regardless of the verdict.
func (o *Orchestrator) Resolve(ctx context.Context, token string, allow bool, reviewer string) (*domain.Decision, error) {
	ticket, err := o.store.Take(ctx, token)
	if err != nil {
		return nil, err
	}
	o.disarmWatchdog(token)
	o.metrics.AddPending(-1)

	d := ticket.Decision
	d.Status = domain.StatusResolved
	d.ReviewToken = ""
	d.Allow = allow && !d.HasCritical()
	d.ResolvedBy = reviewer
	d.ResolvedAt = time.Now()

	if o.sink != nil {
		o.sink(ticket.Action, &d)
	}
	return &d, nil
}

// ResumePending re-arms watchdogs for reviews that survived a restart.
// Reviews already past their deadline resolve to deny immediately.
func (o *Orchestrator) ResumePending(ctx context.Context) error {
	tickets, err := o.store.List(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, t := range tickets {
		o.metrics.AddPending(1)
		remaining := t.Deadline.Sub(now)
		if remaining <= 0 {
			o.expire(t.Token)
			continue
		}
		o.armWatchdog(t.Token, remaining)
	}
	return nil
}

// Close stops all armed watchdogs. Pending tickets stay in the store for the
// next process to resume.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for token, timer := range o.watchdogs {
		timer.Stop()
		delete(o.watchdogs, token)
	}
}

func (o *Orchestrator) armWatchdog(token string, after time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.watchdogs[token] = time.AfterFunc(after, func() {
		o.expire(token)
	})
}

func (o *Orchestrator) disarmWatchdog(token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if timer, ok := o.watchdogs[token]; ok {
		timer.Stop()
		delete(o.watchdogs, token)
	}
}

// expire resolves a timed-out review to deny.
func (o *Orchestrator) expire(token string) {
	ctx := context.Background()
	ticket, err := o.store.Take(ctx, token)
	if err != nil {
		// Already resolved by a reviewer.
		return
	}
	o.disarmWatchdog(token)
	o.metrics.AddPending(-1)

	d := ticket.Decision
	d.Status = domain.StatusResolved
	d.ReviewToken = ""
	d.Allow = false
	d.ResolvedBy = "system:timeout"
	d.ResolvedAt = time.Now()

	o.logger.Warn("human review timed out, denying",
		"action_id", d.ActionID,
		"token", token,
		"error", domain.ErrReviewTimeout,
	)
	if o.sink != nil {
		o.sink(ticket.Action, &d)
	}
}

func hasCritical(r evaluator.Result) bool {
	for _, v := range r.Violations {
		if v.Severity == domain.SeverityCritical {
			return true
		}
	}
	return false
}

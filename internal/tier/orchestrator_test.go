package tier

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charter/internal/domain"
	"charter/internal/evaluator"
	"charter/internal/ruleset"
	"charter/internal/tier/pending"
)

// stubEval returns canned results, counting invocations.
type stubEval struct {
	calls  atomic.Int64
	result func() evaluator.Result
}

func (s *stubEval) EvaluateExpanded(domain.Action, *ruleset.Snapshot) evaluator.Result {
	s.calls.Add(1)
	return s.result()
}

func fixed(score float64, violations ...domain.Violation) func() evaluator.Result {
	return func() evaluator.Result {
		return evaluator.Result{Score: score, Violations: violations}
	}
}

type recordedResolution struct {
	action   domain.Action
	decision *domain.Decision
}

// resolutionRecorder captures sink callbacks from watchdog goroutines.
type resolutionRecorder struct {
	mu       sync.Mutex
	resolved []recordedResolution
	notify   chan struct{}
}

func newResolutionRecorder() *resolutionRecorder {
	return &resolutionRecorder{notify: make(chan struct{}, 8)}
}

func (r *resolutionRecorder) sink(action domain.Action, d *domain.Decision) {
	r.mu.Lock()
	r.resolved = append(r.resolved, recordedResolution{action: action, decision: d})
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *resolutionRecorder) last(t *testing.T) recordedResolution {
	t.Helper()
	select {
	case <-r.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("no resolution recorded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved[len(r.resolved)-1]
}

func testSnapshot(t *testing.T) *ruleset.Snapshot {
	t.Helper()
	snap, err := ruleset.Compile("v1", nil, nil)
	require.NoError(t, err)
	return snap
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestOrchestrator(enhanced Evaluator, instances []Evaluator, store pending.Store, cfg Config) *Orchestrator {
	if store == nil {
		store = pending.NewMemoryStore()
	}
	return NewWithEvaluators(enhanced, instances, store, cfg, testLogger(), nil)
}

func highRiskAction() domain.Action {
	return domain.Action{
		ID:        "act-1",
		Actor:     "svc-deploy",
		Payload:   map[string]any{"operation": "delete"},
		RiskLevel: domain.RiskHigh,
	}
}

func TestTier1AllowsCompliantLowRiskAction(t *testing.T) {
	enhanced := &stubEval{result: fixed(0.5)}
	o := newTestOrchestrator(enhanced, nil, nil, Config{})

	action := highRiskAction()
	action.RiskLevel = domain.RiskLow
	d, err := o.Run(context.Background(), action, evaluator.Result{Score: 1.0}, testSnapshot(t))
	require.NoError(t, err)

	assert.True(t, d.Allow)
	assert.Equal(t, domain.TierStandard, d.TierReached)
	assert.Equal(t, domain.StatusResolved, d.Status)
	assert.Equal(t, int64(0), enhanced.calls.Load(), "tier 1 allow must not escalate")
}

func TestTier1CriticalViolationDeniesImmediately(t *testing.T) {
	enhanced := &stubEval{result: fixed(0.99)}
	o := newTestOrchestrator(enhanced, nil, nil, Config{})

	initial := evaluator.Result{
		Score: 0.99,
		Violations: []domain.Violation{
			{Kind: "destructive_operation", Severity: domain.SeverityCritical},
		},
	}
	d, err := o.Run(context.Background(), highRiskAction(), initial, testSnapshot(t))
	require.NoError(t, err)

	assert.False(t, d.Allow)
	assert.Equal(t, domain.TierStandard, d.TierReached)
	assert.Equal(t, int64(0), enhanced.calls.Load())
}

func TestTier2AllowsAfterEnhancedValidation(t *testing.T) {
	enhanced := &stubEval{result: fixed(0.93)}
	o := newTestOrchestrator(enhanced, nil, nil, Config{MaxRevisions: 2})

	// High risk blocks the tier-1 allow even at a perfect score.
	d, err := o.Run(context.Background(), highRiskAction(), evaluator.Result{Score: 1.0}, testSnapshot(t))
	require.NoError(t, err)

	assert.True(t, d.Allow)
	assert.Equal(t, domain.TierEnhanced, d.TierReached)
	assert.Equal(t, 0.93, d.Score)
	assert.Equal(t, int64(2), enhanced.calls.Load(), "revision loop runs MaxRevisions passes")
}

func TestTier2KeepsBestRevisionScore(t *testing.T) {
	scores := []float64{0.85, 0.92}
	var i atomic.Int64
	enhanced := &stubEval{result: func() evaluator.Result {
		return evaluator.Result{Score: scores[i.Add(1)-1]}
	}}
	o := newTestOrchestrator(enhanced, nil, nil, Config{MaxRevisions: 2})

	d, err := o.Run(context.Background(), highRiskAction(), evaluator.Result{Score: 0.9}, testSnapshot(t))
	require.NoError(t, err)

	assert.True(t, d.Allow)
	assert.Equal(t, 0.92, d.Score)
}

func TestTier2CriticalViolationDenies(t *testing.T) {
	enhanced := &stubEval{result: fixed(0.93, domain.Violation{
		Kind: "policy_breach", Severity: domain.SeverityCritical,
	})}
	o := newTestOrchestrator(enhanced, nil, nil, Config{})

	d, err := o.Run(context.Background(), highRiskAction(), evaluator.Result{Score: 0.9}, testSnapshot(t))
	require.NoError(t, err)

	assert.False(t, d.Allow)
	assert.Equal(t, domain.TierEnhanced, d.TierReached)
}

func TestTier2HighSeverityBlocksAllowAndEscalates(t *testing.T) {
	enhanced := &stubEval{result: fixed(0.93, domain.Violation{
		Kind: "elevated_access", Severity: domain.SeverityHigh,
	})}
	instances := []Evaluator{
		&stubEval{result: fixed(0.96)},
		&stubEval{result: fixed(0.97)},
		&stubEval{result: fixed(0.95)},
	}
	o := newTestOrchestrator(enhanced, instances, nil, Config{})

	d, err := o.Run(context.Background(), highRiskAction(), evaluator.Result{Score: 0.9}, testSnapshot(t))
	require.NoError(t, err)

	// Score cleared the enhanced threshold but the high-severity violation
	// forced consensus, which then allowed.
	assert.True(t, d.Allow)
	assert.Equal(t, domain.TierConsensus, d.TierReached)
	assert.InDelta(t, 0.96, d.Score, 1e-9)
}

func TestTier3ConsensusCriticalDenies(t *testing.T) {
	enhanced := &stubEval{result: fixed(0.85)}
	instances := []Evaluator{
		&stubEval{result: fixed(0.96)},
		&stubEval{result: fixed(0.2, domain.Violation{Kind: "policy_breach", Severity: domain.SeverityCritical})},
		&stubEval{result: fixed(0.96)},
	}
	o := newTestOrchestrator(enhanced, instances, nil, Config{})

	d, err := o.Run(context.Background(), highRiskAction(), evaluator.Result{Score: 0.9}, testSnapshot(t))
	require.NoError(t, err)

	assert.False(t, d.Allow)
	assert.Equal(t, domain.TierConsensus, d.TierReached)
	assert.Equal(t, domain.StatusResolved, d.Status)
}

func TestTier3ConsensusMixedVotesQuorumAllows(t *testing.T) {
	enhanced := &stubEval{result: fixed(0.85)}
	instances := []Evaluator{
		&stubEval{result: fixed(0.96)},
		&stubEval{result: fixed(0.96)},
		&stubEval{result: fixed(0.5)},
	}
	o := newTestOrchestrator(enhanced, instances, nil, Config{})

	d, err := o.Run(context.Background(), highRiskAction(), evaluator.Result{Score: 0.9}, testSnapshot(t))
	require.NoError(t, err)

	// Two of three instances clear the threshold: quorum allows despite the
	// dissenting instance, and the verdict score is the round's mean.
	assert.True(t, d.Allow)
	assert.Equal(t, domain.TierConsensus, d.TierReached)
	assert.Equal(t, domain.StatusResolved, d.Status)
	assert.InDelta(t, (0.96+0.96+0.5)/3, d.Score, 1e-9)
}

func TestTier3ConsensusDeduplicatesSharedViolations(t *testing.T) {
	v := domain.Violation{Kind: "elevated_risk", Severity: domain.SeverityMedium}
	enhanced := &stubEval{result: fixed(0.85)}
	instances := []Evaluator{
		&stubEval{result: fixed(0.92, v)},
		&stubEval{result: fixed(0.92, v)},
		&stubEval{result: fixed(0.92, v)},
	}
	o := newTestOrchestrator(enhanced, instances, nil, Config{})

	d, err := o.Run(context.Background(), highRiskAction(), evaluator.Result{Score: 0.9}, testSnapshot(t))
	require.NoError(t, err)

	assert.True(t, d.Allow)
	require.Len(t, d.Violations, 1)
	assert.Equal(t, "elevated_risk", d.Violations[0].Kind)
}

func TestTier3ConsensusTimeoutDenies(t *testing.T) {
	enhanced := &stubEval{result: fixed(0.85)}
	slow := func() evaluator.Result {
		time.Sleep(500 * time.Millisecond)
		return evaluator.Result{Score: 0.99}
	}
	instances := []Evaluator{
		&stubEval{result: slow},
		&stubEval{result: slow},
		&stubEval{result: slow},
	}
	o := newTestOrchestrator(enhanced, instances, nil, Config{ConsensusTimeout: 20 * time.Millisecond})

	d, err := o.Run(context.Background(), highRiskAction(), evaluator.Result{Score: 0.9}, testSnapshot(t))
	require.NoError(t, err)

	assert.False(t, d.Allow)
	assert.Equal(t, domain.TierConsensus, d.TierReached)
	assert.Equal(t, domain.StatusResolved, d.Status)
}

func TestTier4SuspendsForHumanReview(t *testing.T) {
	enhanced := &stubEval{result: fixed(0.85)}
	instances := []Evaluator{
		&stubEval{result: fixed(0.6)},
		&stubEval{result: fixed(0.7)},
		&stubEval{result: fixed(0.65)},
	}
	store := pending.NewMemoryStore()
	o := newTestOrchestrator(enhanced, instances, store, Config{})
	defer o.Close()

	d, err := o.Run(context.Background(), highRiskAction(), evaluator.Result{Score: 0.9}, testSnapshot(t))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, d.Status)
	assert.Equal(t, domain.TierHumanReview, d.TierReached)
	assert.False(t, d.Allow)
	require.NotEmpty(t, d.ReviewToken)
	assert.InDelta(t, 0.65, d.Score, 1e-9)

	tickets, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, d.ReviewToken, tickets[0].Token)
	assert.Equal(t, "act-1", tickets[0].Action.ID)
}

func TestResolveAppliesReviewerVerdict(t *testing.T) {
	recorder := newResolutionRecorder()
	store := pending.NewMemoryStore()
	o := newTestOrchestrator(&stubEval{result: fixed(0.85)}, []Evaluator{&stubEval{result: fixed(0.5)}}, store, Config{})
	o.SetResolutionSink(recorder.sink)
	defer o.Close()

	d, err := o.Run(context.Background(), highRiskAction(), evaluator.Result{Score: 0.9}, testSnapshot(t))
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, d.Status)

	resolved, err := o.Resolve(context.Background(), d.ReviewToken, true, "reviewer:alice")
	require.NoError(t, err)

	assert.True(t, resolved.Allow)
	assert.Equal(t, domain.StatusResolved, resolved.Status)
	assert.Equal(t, "reviewer:alice", resolved.ResolvedBy)
	assert.Empty(t, resolved.ReviewToken)

	got := recorder.last(t)
	assert.Equal(t, "act-1", got.action.ID)
	assert.True(t, got.decision.Allow)

	// One-shot: a second resolution of the same token fails.
	_, err = o.Resolve(context.Background(), d.ReviewToken, false, "reviewer:bob")
	assert.ErrorIs(t, err, domain.ErrPendingNotFound)
}

func TestResolveCriticalViolationOverridesAllowVerdict(t *testing.T) {
	store := pending.NewMemoryStore()
	o := newTestOrchestrator(&stubEval{result: fixed(0.85)}, nil, store, Config{})
	defer o.Close()

	ticket := pending.Ticket{
		Token:  "tok-critical",
		Action: highRiskAction(),
		Decision: domain.Decision{
			ActionID:    "act-1",
			Status:      domain.StatusPending,
			TierReached: domain.TierHumanReview,
			Violations: []domain.Violation{
				{Kind: "policy_breach", Severity: domain.SeverityCritical},
			},
		},
		CreatedAt: time.Now(),
		Deadline:  time.Now().Add(time.Minute),
	}
	require.NoError(t, store.Put(context.Background(), ticket))

	resolved, err := o.Resolve(context.Background(), "tok-critical", true, "reviewer:alice")
	require.NoError(t, err)
	assert.False(t, resolved.Allow, "critical violations deny regardless of verdict")
}

func TestResolveUnknownToken(t *testing.T) {
	o := newTestOrchestrator(&stubEval{result: fixed(0.85)}, nil, nil, Config{})
	_, err := o.Resolve(context.Background(), "no-such-token", true, "reviewer:alice")
	assert.ErrorIs(t, err, domain.ErrPendingNotFound)
}

func TestReviewTimeoutDenies(t *testing.T) {
	recorder := newResolutionRecorder()
	store := pending.NewMemoryStore()
	o := newTestOrchestrator(
		&stubEval{result: fixed(0.85)},
		[]Evaluator{&stubEval{result: fixed(0.5)}},
		store,
		Config{ReviewTimeout: 30 * time.Millisecond},
	)
	o.SetResolutionSink(recorder.sink)
	defer o.Close()

	d, err := o.Run(context.Background(), highRiskAction(), evaluator.Result{Score: 0.9}, testSnapshot(t))
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, d.Status)

	got := recorder.last(t)
	assert.False(t, got.decision.Allow)
	assert.Equal(t, "system:timeout", got.decision.ResolvedBy)
	assert.Equal(t, domain.StatusResolved, got.decision.Status)

	_, err = o.Resolve(context.Background(), d.ReviewToken, true, "reviewer:late")
	assert.ErrorIs(t, err, domain.ErrPendingNotFound)
}

func TestResumePendingReArmsAndExpires(t *testing.T) {
	recorder := newResolutionRecorder()
	store := pending.NewMemoryStore()

	now := time.Now()
	stale := pending.Ticket{
		Token:    "tok-stale",
		Action:   domain.Action{ID: "act-stale", RiskLevel: domain.RiskHigh},
		Decision: domain.Decision{ActionID: "act-stale", Status: domain.StatusPending},
		Deadline: now.Add(-time.Minute),
	}
	live := pending.Ticket{
		Token:    "tok-live",
		Action:   domain.Action{ID: "act-live", RiskLevel: domain.RiskHigh},
		Decision: domain.Decision{ActionID: "act-live", Status: domain.StatusPending},
		Deadline: now.Add(time.Hour),
	}
	require.NoError(t, store.Put(context.Background(), stale))
	require.NoError(t, store.Put(context.Background(), live))

	o := newTestOrchestrator(&stubEval{result: fixed(0.85)}, nil, store, Config{})
	o.SetResolutionSink(recorder.sink)
	defer o.Close()

	require.NoError(t, o.ResumePending(context.Background()))

	got := recorder.last(t)
	assert.Equal(t, "act-stale", got.action.ID)
	assert.False(t, got.decision.Allow)
	assert.Equal(t, "system:timeout", got.decision.ResolvedBy)

	// The live ticket is still pending and resolvable.
	resolved, err := o.Resolve(context.Background(), "tok-live", true, "reviewer:alice")
	require.NoError(t, err)
	assert.True(t, resolved.Allow)
}

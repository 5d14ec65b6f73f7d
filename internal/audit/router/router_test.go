package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charter/internal/audit"
	"charter/internal/audit/spillover"
	"charter/internal/domain"
)

type published struct {
	topic string
	key   string
	value []byte
}

// fakePublisher fails the first failures calls, then succeeds.
type fakePublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	records  []published
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return errors.New("broker unavailable")
	}
	p.records = append(p.records, published{topic: topic, key: key, value: value})
	return nil
}

func fastRouter(p Publisher, spill *spillover.Store) *Router {
	r := New(p, spill, slog.New(slog.DiscardHandler), nil)
	r.backoff = time.Millisecond
	return r
}

func sampleEvent(category audit.Category) *audit.Event {
	return &audit.Event{
		RawEvent: audit.RawEvent{
			ID:             "ev-1",
			Source:         audit.SourceDecision,
			Timestamp:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			ActionID:       "act-1",
			Actor:          "svc-orders",
			RequestID:      "req-1",
			RulesetVersion: "v1",
			Allow:          false,
			Score:          0.4,
			Tier:           domain.TierConsensus,
			Violations: []domain.Violation{
				{Kind: "destructive_operation", Severity: domain.SeverityCritical, Detail: "rule no-delete triggered"},
			},
			Payload: map[string]any{"operation": "[REDACTED:email]"},
		},
		Category: category,
		Priority: audit.PriorityCritical,
	}
}

func TestTopicFor(t *testing.T) {
	assert.Equal(t, TopicViolations, TopicFor(audit.CategoryViolation))
	assert.Equal(t, TopicOptimizationTriggers, TopicFor(audit.CategoryOptimizationTrigger))
	assert.Equal(t, TopicHumanFeedback, TopicFor(audit.CategoryHumanFeedback))
	assert.Equal(t, TopicPolicyEvaluations, TopicFor(audit.CategoryPolicyEvaluation))
	assert.Equal(t, TopicAuditTrail, TopicFor(audit.CategoryAuditTrail))
	assert.Equal(t, TopicAuditTrail, TopicFor(audit.Category("unknown")))
}

func TestRoutePublishesWireEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	r := fastRouter(pub, nil)

	err := r.Route(context.Background(), sampleEvent(audit.CategoryViolation))
	require.NoError(t, err)
	require.Len(t, pub.records, 1)

	rec := pub.records[0]
	assert.Equal(t, TopicViolations, rec.topic)
	assert.Equal(t, "act-1", rec.key, "partition key is the action id")

	var wire map[string]any
	require.NoError(t, json.Unmarshal(rec.value, &wire))
	assert.Equal(t, "ev-1", wire["id"])
	assert.Equal(t, "violation", wire["category"])
	assert.Equal(t, "critical", wire["priority"])
	assert.Equal(t, "act-1", wire["action_id"])
	assert.Equal(t, "req-1", wire["request_id"])
	assert.Equal(t, "v1", wire["ruleset_version"])
	assert.Equal(t, false, wire["allow"])
	assert.Equal(t, 0.4, wire["score"])
	assert.Equal(t, "multi_model_consensus", wire["tier"])
	assert.Equal(t, "decision", wire["source"])

	violations := wire["violations"].([]any)
	require.Len(t, violations, 1)
	v := violations[0].(map[string]any)
	assert.Equal(t, "destructive_operation", v["kind"])
	assert.Equal(t, "critical", v["severity"])
}

func TestRouteRetriesWithBackoff(t *testing.T) {
	pub := &fakePublisher{failures: 2}
	r := fastRouter(pub, nil)

	err := r.Route(context.Background(), sampleEvent(audit.CategoryAuditTrail))
	require.NoError(t, err)
	assert.Equal(t, 3, pub.calls)
	assert.Len(t, pub.records, 1)
}

func TestRouteSpillsAfterRetryExhaustion(t *testing.T) {
	spill, err := spillover.Open(filepath.Join(t.TempDir(), "spill.db"))
	require.NoError(t, err)
	defer spill.Close()

	pub := &fakePublisher{failures: 100}
	r := fastRouter(pub, spill)

	err = r.Route(context.Background(), sampleEvent(audit.CategoryViolation))
	require.NoError(t, err, "spilled events are not an error")
	assert.Equal(t, 3, pub.calls)

	depth, err := spill.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestRouteViolationUndeliverableWithoutSpilloverErrors(t *testing.T) {
	pub := &fakePublisher{failures: 100}
	r := fastRouter(pub, nil)

	err := r.Route(context.Background(), sampleEvent(audit.CategoryViolation))
	assert.ErrorIs(t, err, domain.ErrPublishFailure)
}

func TestRouteNonViolationUndeliverableWithoutSpilloverDrops(t *testing.T) {
	pub := &fakePublisher{failures: 100}
	r := fastRouter(pub, nil)

	err := r.Route(context.Background(), sampleEvent(audit.CategoryAuditTrail))
	assert.NoError(t, err)
}

func TestReplaySpillover(t *testing.T) {
	spill, err := spillover.Open(filepath.Join(t.TempDir(), "spill.db"))
	require.NoError(t, err)
	defer spill.Close()

	// Broker down: two events spill.
	down := &fakePublisher{failures: 100}
	r := fastRouter(down, spill)
	require.NoError(t, r.Route(context.Background(), sampleEvent(audit.CategoryViolation)))
	ev2 := sampleEvent(audit.CategoryHumanFeedback)
	ev2.ID = "ev-2"
	require.NoError(t, r.Route(context.Background(), ev2))

	depth, err := spill.Depth(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, depth)

	// Broker back: replay drains through the healthy transport.
	up := &fakePublisher{}
	r2 := fastRouter(up, spill)
	n, err := r2.ReplaySpillover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, TopicViolations, up.records[0].topic)
	assert.Equal(t, TopicHumanFeedback, up.records[1].topic)

	depth, err = spill.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

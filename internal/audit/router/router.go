// Package router publishes scrubbed, classified events to the external
// transport topics, with bounded retry and local spillover on exhaustion.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"charter/internal/audit"
	"charter/internal/audit/metrics"
	"charter/internal/audit/spillover"
	"charter/internal/domain"
)

// Fixed transport topics, one per category.
const (
	TopicViolations           = "constitutional-violations"
	TopicPolicyEvaluations    = "policy-evaluations"
	TopicOptimizationTriggers = "model-optimization-triggers"
	TopicHumanFeedback        = "human-feedback-loops"
	TopicAuditTrail           = "audit-trail-events"
)

// TopicFor maps a category to its transport topic.
func TopicFor(c audit.Category) string {
	switch c {
	case audit.CategoryViolation:
		return TopicViolations
	case audit.CategoryOptimizationTrigger:
		return TopicOptimizationTriggers
	case audit.CategoryHumanFeedback:
		return TopicHumanFeedback
	case audit.CategoryPolicyEvaluation:
		return TopicPolicyEvaluations
	}
	return TopicAuditTrail
}

// Publisher is the transport the router hands events to.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// wireEvent is the JSON envelope published downstream.
type wireEvent struct {
	ID             string             `json:"id"`
	Category       audit.Category     `json:"category"`
	Priority       audit.Priority     `json:"priority"`
	Timestamp      time.Time          `json:"timestamp"`
	ActionID       string             `json:"action_id"`
	Actor          string             `json:"actor"`
	RequestID      string             `json:"request_id,omitempty"`
	RulesetVersion string             `json:"ruleset_version"`
	Allow          bool               `json:"allow"`
	Score          float64            `json:"score"`
	Tier           string             `json:"tier"`
	Violations     []wireViolation    `json:"violations,omitempty"`
	Payload        map[string]any     `json:"payload,omitempty"`
	Source         audit.Source       `json:"source"`
}

type wireViolation struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Detail   string `json:"detail,omitempty"`
}

// Router enriches and publishes events.
type Router struct {
	publisher Publisher
	spill     *spillover.Store
	logger    *slog.Logger
	metrics   *metrics.Metrics

	attempts int
	backoff  time.Duration
}

// New creates a router. The spillover store may be nil, in which case
// undeliverable non-violation events are dropped with a counter; violation
// events always require a spillover store or a healthy transport.
func New(publisher Publisher, spill *spillover.Store, logger *slog.Logger, m *metrics.Metrics) *Router {
	return &Router{
		publisher: publisher,
		spill:     spill,
		logger:    logger,
		metrics:   m,
		attempts:  3,
		backoff:   100 * time.Millisecond,
	}
}

// Route publishes one scrubbed event to its topic. Publish failures retry
// with exponential backoff; after exhaustion the event spills to the local
// durable queue rather than being lost.
func (r *Router) Route(ctx context.Context, ev *audit.Event) error {
	topic := TopicFor(ev.Category)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	payload, err := json.Marshal(toWire(ev))
	if err != nil {
		return fmt.Errorf("encode audit event %s: %w", ev.ID, err)
	}

	if err := r.publish(ctx, topic, ev.ActionID, payload); err == nil {
		r.metrics.IncForwarded(topic)
		return nil
	}

	if r.spill != nil {
		if serr := r.spill.Enqueue(ctx, topic, ev.ActionID, payload); serr == nil {
			r.metrics.IncSpilled()
			r.logger.WarnContext(ctx, "publish exhausted retries, spilled to local queue",
				"event_id", ev.ID,
				"topic", topic,
			)
			return nil
		}
	}
	// No spillover available. Violation-class events are never silently
	// dropped; surface the failure.
	r.metrics.IncDropped("publish_failure")
	if ev.Category == audit.CategoryViolation {
		return fmt.Errorf("%w: violation event %s undeliverable", domain.ErrPublishFailure, ev.ID)
	}
	r.logger.ErrorContext(ctx, "audit event dropped after retry and spill failure",
		"event_id", ev.ID,
		"topic", topic,
	)
	return nil
}

// ReplaySpillover drains the spillover queue through the transport.
func (r *Router) ReplaySpillover(ctx context.Context) (int, error) {
	if r.spill == nil {
		return 0, nil
	}
	n, err := r.spill.Replay(ctx, r.publisher.Publish)
	for i := 0; i < n; i++ {
		r.metrics.IncReplayed()
	}
	return n, err
}

func (r *Router) publish(ctx context.Context, topic, key string, payload []byte) error {
	var err error
	delay := r.backoff
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			r.metrics.IncRetry()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = r.publisher.Publish(ctx, topic, key, payload); err == nil {
			return nil
		}
	}
	return err
}

func toWire(ev *audit.Event) wireEvent {
	w := wireEvent{
		ID:             ev.ID,
		Category:       ev.Category,
		Priority:       ev.Priority,
		Timestamp:      ev.Timestamp,
		ActionID:       ev.ActionID,
		Actor:          ev.Actor,
		RequestID:      ev.RequestID,
		RulesetVersion: ev.RulesetVersion,
		Allow:          ev.Allow,
		Score:          ev.Score,
		Tier:           ev.Tier.String(),
		Payload:        ev.Payload,
		Source:         ev.Source,
	}
	for _, v := range ev.Violations {
		w.Violations = append(w.Violations, wireViolation{
			Kind:     v.Kind,
			Severity: string(v.Severity),
			Detail:   v.Detail,
		})
	}
	return w
}

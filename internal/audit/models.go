// Package audit defines the telemetry event model and the pipeline that
// classifies, filters, scrubs, and routes events to the external transport.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"charter/internal/domain"
)

// Source tags where a raw event originated. The classifier uses it to
// recognize human-resolved decisions.
type Source string

const (
	SourceDecision      Source = "decision"
	SourceHumanReview   Source = "human_review"
	SourceReviewTimeout Source = "review_timeout"
)

// Category is the audit topic classification.
type Category string

const (
	CategoryViolation           Category = "violation"
	CategoryOptimizationTrigger Category = "optimization_trigger"
	CategoryHumanFeedback       Category = "human_feedback"
	CategoryPolicyEvaluation    Category = "policy_evaluation"
	CategoryAuditTrail          Category = "audit_trail"
)

// Priority orders downstream handling; derived from category.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// RawEvent is the telemetry record the decision service emits for every
// decision, terminal or pending, regardless of outcome.
type RawEvent struct {
	ID        string
	Source    Source
	Tagged    bool // explicitly tagged as a policy evaluation
	Timestamp time.Time

	ActionID       string
	Actor          string
	RequestID      string
	RulesetVersion string

	Allow      bool
	Score      float64
	Tier       domain.Tier
	Violations []domain.Violation

	// Payload is the action payload; it carries raw PII until the
	// scrubber rewrites it.
	Payload map[string]any
}

// Event is a classified audit event moving through the pipeline. Created by
// the classifier, marked by the quality filter, rewritten by the scrubber,
// and released after the router hands it to the transport.
type Event struct {
	RawEvent
	Category Category
	Priority Priority
	Dropped  bool
}

// ContentHash fingerprints the event content for deduplication. Identical
// decisions for the same action within the dedup window hash equal.
func (e *Event) ContentHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%t|%.6f|%d", e.Category, e.ActionID, e.RulesetVersion, e.Allow, e.Score, e.Tier)
	kinds := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		kinds = append(kinds, string(v.Severity)+":"+v.Kind)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		h.Write([]byte{0})
		h.Write([]byte(k))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Package classifier assigns raw telemetry events to audit categories.
package classifier

import "charter/internal/audit"

// scoreOptimizationFloor is the score below which a clean event still
// signals an optimization opportunity.
const scoreOptimizationFloor = 0.8

// Classify assigns a category and derived priority. Precedence is fixed and
// evaluated in order, first match wins:
// violation, optimization trigger, human feedback, tagged policy evaluation,
// audit trail.
func Classify(raw audit.RawEvent) audit.Event {
	ev := audit.Event{RawEvent: raw}

	switch {
	case len(raw.Violations) > 0:
		ev.Category = audit.CategoryViolation
	case raw.Score < scoreOptimizationFloor:
		ev.Category = audit.CategoryOptimizationTrigger
	case raw.Source == audit.SourceHumanReview:
		ev.Category = audit.CategoryHumanFeedback
	case raw.Tagged:
		ev.Category = audit.CategoryPolicyEvaluation
	default:
		ev.Category = audit.CategoryAuditTrail
	}

	ev.Priority = priorityFor(ev.Category)
	return ev
}

func priorityFor(c audit.Category) audit.Priority {
	switch c {
	case audit.CategoryViolation:
		return audit.PriorityCritical
	case audit.CategoryOptimizationTrigger:
		return audit.PriorityHigh
	case audit.CategoryHumanFeedback:
		return audit.PriorityMedium
	case audit.CategoryPolicyEvaluation:
		return audit.PriorityMedium
	}
	return audit.PriorityLow
}

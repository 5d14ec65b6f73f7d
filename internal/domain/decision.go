package domain

import "time"

// Tier is one of the four escalation stages of the review pipeline.
// Transitions are strictly forward; a decision never returns to a lower tier.
type Tier int

const (
	TierStandard    Tier = 1
	TierEnhanced    Tier = 2
	TierConsensus   Tier = 3
	TierHumanReview Tier = 4
)

func (t Tier) String() string {
	switch t {
	case TierStandard:
		return "standard"
	case TierEnhanced:
		return "enhanced_validation"
	case TierConsensus:
		return "multi_model_consensus"
	case TierHumanReview:
		return "human_review"
	}
	return "unknown"
}

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight maps severity onto the score deduction scale. Critical carries the
// full weight of its rule.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 0.25
	case SeverityMedium:
		return 0.5
	case SeverityHigh:
		return 0.75
	case SeverityCritical:
		return 1.0
	}
	// Unknown severity is treated as critical: fail closed.
	return 1.0
}

// Violation records a single triggered rule.
type Violation struct {
	Kind     string
	Severity Severity
	Detail   string
}

// DecisionStatus distinguishes resolved decisions from decisions suspended
// for human review.
type DecisionStatus string

const (
	StatusResolved DecisionStatus = "resolved"
	StatusPending  DecisionStatus = "pending"
)

// Decision is the outcome of evaluating one action against one ruleset
// snapshot. The tier orchestrator mutates it while escalation is in
// progress; once Status is resolved it must be treated as frozen.
type Decision struct {
	ActionID       string
	RulesetVersion string
	Allow          bool
	Score          float64
	Violations     []Violation
	TierReached    Tier
	Status         DecisionStatus
	LatencyMS      float64
	ResolvedBy     string
	ResolvedAt     time.Time

	// ReviewToken is set only while Status is pending; callers use it to
	// resolve the decision through the human-review interface.
	ReviewToken string
}

// HasSeverity reports whether any violation carries at least the given
// severity.
func (d *Decision) HasSeverity(min Severity) bool {
	for _, v := range d.Violations {
		if v.Severity.Weight() >= min.Weight() {
			return true
		}
	}
	return false
}

// HasCritical reports whether any violation is critical. A decision carrying
// a critical violation is never allowed, regardless of tier.
func (d *Decision) HasCritical() bool {
	return d.HasSeverity(SeverityCritical)
}

package domain

import (
	"fmt"
	"time"
)

// RiskLevel classifies the context an action arrives in. It participates in
// tier entry criteria and in the cache fingerprint.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether the risk level is one of the known values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// rank orders risk levels for at-least comparisons. Unknown levels rank
// highest so a bad input never weakens a rule.
func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return 4
}

// AtLeast reports whether r is at or above the given level.
func (r RiskLevel) AtLeast(min RiskLevel) bool {
	return r.rank() >= min.rank()
}

// TagPolicyEvaluation marks a submission as an explicit policy evaluation
// for audit classification.
const TagPolicyEvaluation = "policy_evaluation"

// Action is the unit under evaluation. Immutable once submitted; the payload
// is an opaque document the rule predicates inspect.
type Action struct {
	ID        string
	Actor     string
	Payload   map[string]any
	RiskLevel RiskLevel
	Timestamp time.Time

	// Tags are caller-supplied markers. They never influence the decision,
	// only downstream audit classification.
	Tags []string
}

// HasTag reports whether the action carries the given tag.
func (a Action) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Validate rejects actions missing required fields. Malformed input is
// rejected before evaluation and is distinct from denial.
func (a Action) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: missing action id", ErrMalformedAction)
	}
	if a.Actor == "" {
		return fmt.Errorf("%w: missing actor", ErrMalformedAction)
	}
	if a.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrMalformedAction)
	}
	if !a.RiskLevel.Valid() {
		return fmt.Errorf("%w: unknown risk level %q", ErrMalformedAction, a.RiskLevel)
	}
	return nil
}

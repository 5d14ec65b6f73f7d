// Package evaluator applies compliance rule predicates to actions and
// computes a weighted compliance score.
//
// Evaluation is pure: no I/O, deterministic given an action and a ruleset
// snapshot. Any predicate fault (error or panic) is recorded as a critical
// violation; the evaluator never silently passes on internal error.
package evaluator

import (
	"fmt"

	"charter/internal/domain"
	"charter/internal/ruleset"
)

// FaultViolationKind tags violations synthesized from predicate faults.
const FaultViolationKind = "evaluator_fault"

// Result is the outcome of one evaluator pass.
type Result struct {
	Score      float64
	Violations []domain.Violation
}

// Evaluator runs rule predicates against actions. WeightScale derives
// consensus variants with distinct rule weightings from one shared snapshot.
type Evaluator struct {
	weightScale float64
}

// New creates an evaluator with the standard weighting.
func New() *Evaluator {
	return &Evaluator{weightScale: 1.0}
}

// Variant returns an evaluator whose rule weights are scaled by the given
// factor. Used by tier-3 consensus to run independent instances.
func (e *Evaluator) Variant(scale float64) *Evaluator {
	if scale <= 0 {
		scale = 1.0
	}
	return &Evaluator{weightScale: scale}
}

// Evaluate runs the primary rules of the snapshot.
func (e *Evaluator) Evaluate(action domain.Action, snap *ruleset.Snapshot) Result {
	return e.run(action, snap.Primary)
}

// EvaluateExpanded runs primary plus secondary rules. Used from tier 2
// upward for enhanced validation.
func (e *Evaluator) EvaluateExpanded(action domain.Action, snap *ruleset.Snapshot) Result {
	rules := make([]ruleset.CompiledRule, 0, len(snap.Primary)+len(snap.Secondary))
	rules = append(rules, snap.Primary...)
	rules = append(rules, snap.Secondary...)
	return e.run(action, rules)
}

func (e *Evaluator) run(action domain.Action, rules []ruleset.CompiledRule) Result {
	result := Result{Score: 1.0}
	deduction := 0.0

	for i := range rules {
		rule := &rules[i]
		triggered, err := matchRule(rule, action)
		if err != nil {
			// Fail closed: an internal rule fault is a critical violation.
			result.Violations = append(result.Violations, domain.Violation{
				Kind:     FaultViolationKind,
				Severity: domain.SeverityCritical,
				Detail:   fmt.Sprintf("rule %s: %v", rule.ID, err),
			})
			deduction += 1.0
			continue
		}
		if !triggered {
			continue
		}
		result.Violations = append(result.Violations, domain.Violation{
			Kind:     rule.ViolationKind,
			Severity: rule.Severity,
			Detail:   fmt.Sprintf("rule %s triggered", rule.ID),
		})
		deduction += rule.Weight * e.weightScale * rule.Severity.Weight()
	}

	result.Score = clamp(1.0 - deduction)
	return result
}

// matchRule isolates predicate panics so one faulty rule cannot take down
// the evaluation; a panic is reported as an error and handled fail-closed.
func matchRule(rule *ruleset.CompiledRule, action domain.Action) (triggered bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			triggered = false
			err = fmt.Errorf("predicate panic: %v", r)
		}
	}()
	return rule.Match(action)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

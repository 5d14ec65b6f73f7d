package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charter/internal/domain"
	"charter/internal/ruleset"
)

func mustCompile(t *testing.T, version string, primary, secondary []ruleset.Rule) *ruleset.Snapshot {
	t.Helper()
	snap, err := ruleset.Compile(version, primary, secondary)
	require.NoError(t, err)
	return snap
}

func rule(id string, kind ruleset.PredicateKind, params map[string]any, weight float64, severity domain.Severity) ruleset.Rule {
	return ruleset.Rule{
		ID:            id,
		Kind:          kind,
		Params:        params,
		Weight:        weight,
		ViolationKind: id + "_violation",
		Severity:      severity,
	}
}

func TestEvaluateCleanAction(t *testing.T) {
	snap := mustCompile(t, "v1",
		[]ruleset.Rule{
			rule("delete-guard", ruleset.KindEquals, map[string]any{"field": "operation", "value": "delete"}, 0.8, domain.SeverityCritical),
		}, nil)

	res := New().Evaluate(domain.Action{
		ID:        "a1",
		Actor:     "svc-reports",
		Payload:   map[string]any{"operation": "read"},
		RiskLevel: domain.RiskLow,
	}, snap)

	assert.Equal(t, 1.0, res.Score)
	assert.Empty(t, res.Violations)
}

func TestEvaluateWeightedDeduction(t *testing.T) {
	// weight 0.4, high severity (0.75) -> deduction 0.3
	snap := mustCompile(t, "v1",
		[]ruleset.Rule{
			rule("amount-cap", ruleset.KindThreshold, map[string]any{"field": "amount", "op": "gt", "value": 1000.0}, 0.4, domain.SeverityHigh),
		}, nil)

	res := New().Evaluate(domain.Action{
		Payload:   map[string]any{"amount": 5000.0},
		RiskLevel: domain.RiskMedium,
	}, snap)

	assert.InDelta(t, 0.7, res.Score, 1e-9)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "amount-cap_violation", res.Violations[0].Kind)
	assert.Equal(t, domain.SeverityHigh, res.Violations[0].Severity)
}

func TestEvaluateScoreClampsAtZero(t *testing.T) {
	rules := []ruleset.Rule{
		rule("r1", ruleset.KindRiskAtLeast, map[string]any{"level": "low"}, 1.0, domain.SeverityCritical),
		rule("r2", ruleset.KindRiskAtLeast, map[string]any{"level": "low"}, 1.0, domain.SeverityCritical),
	}
	snap := mustCompile(t, "v1", rules, nil)

	res := New().Evaluate(domain.Action{RiskLevel: domain.RiskHigh}, snap)
	assert.Equal(t, 0.0, res.Score)
	assert.Len(t, res.Violations, 2)
}

func TestEvaluatePredicateFaultIsCritical(t *testing.T) {
	// Threshold against a non-numeric payload field errors at eval time.
	snap := mustCompile(t, "v1",
		[]ruleset.Rule{
			rule("amount-cap", ruleset.KindThreshold, map[string]any{"field": "amount", "op": "gt", "value": 10.0}, 0.1, domain.SeverityLow),
		}, nil)

	res := New().Evaluate(domain.Action{
		Payload:   map[string]any{"amount": "a lot"},
		RiskLevel: domain.RiskLow,
	}, snap)

	require.Len(t, res.Violations, 1)
	assert.Equal(t, FaultViolationKind, res.Violations[0].Kind)
	assert.Equal(t, domain.SeverityCritical, res.Violations[0].Severity)
	assert.Equal(t, 0.0, res.Score)
}

func TestEvaluateExpandedIncludesSecondaryRules(t *testing.T) {
	primary := []ruleset.Rule{
		rule("p1", ruleset.KindEquals, map[string]any{"field": "operation", "value": "delete"}, 0.2, domain.SeverityMedium),
	}
	secondary := []ruleset.Rule{
		rule("s1", ruleset.KindContains, map[string]any{"field": "target", "value": "/etc"}, 0.2, domain.SeverityMedium),
	}
	snap := mustCompile(t, "v1", primary, secondary)

	action := domain.Action{
		Payload:   map[string]any{"operation": "delete", "target": "/etc/passwd"},
		RiskLevel: domain.RiskHigh,
	}

	base := New().Evaluate(action, snap)
	expanded := New().EvaluateExpanded(action, snap)

	assert.Len(t, base.Violations, 1)
	assert.Len(t, expanded.Violations, 2)
	assert.Less(t, expanded.Score, base.Score)
}

func TestVariantScalesWeights(t *testing.T) {
	snap := mustCompile(t, "v1",
		[]ruleset.Rule{
			rule("r1", ruleset.KindRiskAtLeast, map[string]any{"level": "medium"}, 0.4, domain.SeverityCritical),
		}, nil)

	action := domain.Action{RiskLevel: domain.RiskHigh}

	strict := New().Variant(1.1).Evaluate(action, snap)
	lenient := New().Variant(0.9).Evaluate(action, snap)

	// Same violation, different deduction.
	assert.InDelta(t, 1.0-0.4*1.1, strict.Score, 1e-9)
	assert.InDelta(t, 1.0-0.4*0.9, lenient.Score, 1e-9)
}

func TestVariantRejectsNonPositiveScale(t *testing.T) {
	snap := mustCompile(t, "v1",
		[]ruleset.Rule{
			rule("r1", ruleset.KindRiskAtLeast, map[string]any{"level": "low"}, 0.5, domain.SeverityCritical),
		}, nil)

	res := New().Variant(0).Evaluate(domain.Action{RiskLevel: domain.RiskLow}, snap)
	assert.InDelta(t, 0.5, res.Score, 1e-9)
}

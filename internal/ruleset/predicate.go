package ruleset

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"

	"charter/internal/domain"
)

// PredicateKind enumerates the supported predicate variants. Predicates are
// a closed set of interpreted checks plus CEL expressions compiled against a
// fixed, side-effect-free environment; no arbitrary code runs at evaluation
// time.
type PredicateKind string

const (
	KindEquals      PredicateKind = "equals"
	KindNotEquals   PredicateKind = "not_equals"
	KindContains    PredicateKind = "contains"
	KindMatches     PredicateKind = "matches"
	KindThreshold   PredicateKind = "threshold"
	KindRiskAtLeast PredicateKind = "risk_at_least"
	KindCEL         PredicateKind = "cel"
)

// Predicate is a compiled rule condition. Eval returns true when the rule is
// violated by the action. Eval must be safe for concurrent use.
type Predicate interface {
	Eval(action domain.Action) (bool, error)
}

// celEnv is built once; all CEL predicates compile against the same
// restricted environment.
var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("actor", cel.StringType),
		cel.Variable("risk", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("ruleset: cel environment: %v", err))
	}
	return env
}()

// CompilePredicate builds a predicate from its kind and parameters.
func CompilePredicate(kind PredicateKind, params map[string]any) (Predicate, error) {
	switch kind {
	case KindEquals, KindNotEquals:
		field, err := stringParam(params, "field")
		if err != nil {
			return nil, err
		}
		value, ok := params["value"]
		if !ok {
			return nil, fmt.Errorf("missing param %q", "value")
		}
		return &equalsPredicate{field: field, value: value, negate: kind == KindNotEquals}, nil

	case KindContains:
		field, err := stringParam(params, "field")
		if err != nil {
			return nil, err
		}
		value, err := stringParam(params, "value")
		if err != nil {
			return nil, err
		}
		return &containsPredicate{field: field, value: value}, nil

	case KindMatches:
		field, err := stringParam(params, "field")
		if err != nil {
			return nil, err
		}
		pattern, err := stringParam(params, "pattern")
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		return &matchesPredicate{field: field, re: re}, nil

	case KindThreshold:
		field, err := stringParam(params, "field")
		if err != nil {
			return nil, err
		}
		op, err := stringParam(params, "op")
		if err != nil {
			return nil, err
		}
		switch op {
		case "gt", "ge", "lt", "le", "eq":
		default:
			return nil, fmt.Errorf("unknown threshold op %q", op)
		}
		value, ok := floatValue(params["value"])
		if !ok {
			return nil, fmt.Errorf("threshold value must be numeric")
		}
		return &thresholdPredicate{field: field, op: op, value: value}, nil

	case KindRiskAtLeast:
		level, err := stringParam(params, "level")
		if err != nil {
			return nil, err
		}
		rl := domain.RiskLevel(level)
		if !rl.Valid() {
			return nil, fmt.Errorf("unknown risk level %q", level)
		}
		return &riskPredicate{min: rl}, nil

	case KindCEL:
		expr, err := stringParam(params, "expr")
		if err != nil {
			return nil, err
		}
		ast, iss := celEnv.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("cel compile: %w", iss.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("cel expression must produce bool, got %v", ast.OutputType())
		}
		prg, err := celEnv.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("cel program: %w", err)
		}
		return &celPredicate{prg: prg}, nil
	}

	return nil, fmt.Errorf("unknown predicate kind %q", kind)
}

type equalsPredicate struct {
	field  string
	value  any
	negate bool
}

func (p *equalsPredicate) Eval(action domain.Action) (bool, error) {
	got, ok := lookupField(action, p.field)
	if !ok {
		return p.negate, nil
	}
	eq := valuesEqual(got, p.value)
	if p.negate {
		return !eq, nil
	}
	return eq, nil
}

type containsPredicate struct {
	field string
	value string
}

func (p *containsPredicate) Eval(action domain.Action) (bool, error) {
	got, ok := lookupField(action, p.field)
	if !ok {
		return false, nil
	}
	switch v := got.(type) {
	case string:
		return strings.Contains(v, p.value), nil
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == p.value {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

type matchesPredicate struct {
	field string
	re    *regexp.Regexp
}

func (p *matchesPredicate) Eval(action domain.Action) (bool, error) {
	got, ok := lookupField(action, p.field)
	if !ok {
		return false, nil
	}
	s, ok := got.(string)
	if !ok {
		return false, nil
	}
	return p.re.MatchString(s), nil
}

type thresholdPredicate struct {
	field string
	op    string
	value float64
}

func (p *thresholdPredicate) Eval(action domain.Action) (bool, error) {
	got, ok := lookupField(action, p.field)
	if !ok {
		return false, nil
	}
	n, ok := floatValue(got)
	if !ok {
		return false, fmt.Errorf("field %q is not numeric", p.field)
	}
	switch p.op {
	case "gt":
		return n > p.value, nil
	case "ge":
		return n >= p.value, nil
	case "lt":
		return n < p.value, nil
	case "le":
		return n <= p.value, nil
	case "eq":
		return n == p.value, nil
	}
	return false, fmt.Errorf("unknown threshold op %q", p.op)
}

type riskPredicate struct {
	min domain.RiskLevel
}

func (p *riskPredicate) Eval(action domain.Action) (bool, error) {
	return action.RiskLevel.AtLeast(p.min), nil
}

type celPredicate struct {
	prg cel.Program
}

func (p *celPredicate) Eval(action domain.Action) (bool, error) {
	out, _, err := p.prg.Eval(map[string]any{
		"payload": action.Payload,
		"actor":   action.Actor,
		"risk":    string(action.RiskLevel),
	})
	if err != nil {
		return false, fmt.Errorf("cel eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel eval: non-bool result %T", out.Value())
	}
	return b, nil
}

// lookupField resolves a dot-separated path inside the action. The reserved
// prefixes "actor" and "risk" address action metadata; everything else
// addresses the payload document.
func lookupField(action domain.Action, path string) (any, bool) {
	switch path {
	case "actor":
		return action.Actor, true
	case "risk":
		return string(action.RiskLevel), true
	}
	var current any = action.Payload
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func valuesEqual(a, b any) bool {
	if af, ok := floatValue(a); ok {
		if bf, ok := floatValue(b); ok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing param %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("param %q must be a non-empty string", key)
	}
	return s, nil
}

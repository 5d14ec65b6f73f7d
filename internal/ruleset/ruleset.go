// Package ruleset manages versioned, immutable compliance rule snapshots.
//
// A snapshot is compiled once at load time and swapped atomically; in-flight
// evaluations keep the snapshot they started with, so a hot swap never
// affects a running evaluation. Subscribers (the decision cache) are notified
// after a swap so stale entries are dropped.
package ruleset

import (
	"fmt"
	"sync"
	"sync/atomic"

	"charter/internal/domain"
)

// Rule is the source form of a single compliance rule.
type Rule struct {
	ID            string         `yaml:"id"`
	Kind          PredicateKind  `yaml:"kind"`
	Params        map[string]any `yaml:"params"`
	Weight        float64        `yaml:"weight"`
	ViolationKind string         `yaml:"violation_kind"`
	Severity      domain.Severity `yaml:"severity"`
}

// CompiledRule pairs a rule with its compiled predicate. Predicates are
// compiled at load time; evaluation never compiles anything.
type CompiledRule struct {
	Rule
	predicate Predicate
}

// Match runs the compiled predicate against an action. A true result means
// the rule is violated.
func (r *CompiledRule) Match(action domain.Action) (bool, error) {
	return r.predicate.Eval(action)
}

// Snapshot is an immutable, versioned ruleset. Primary rules run at every
// tier; secondary rules are the expanded checks added at tier 2 and above.
type Snapshot struct {
	Version   string
	Primary   []CompiledRule
	Secondary []CompiledRule
}

// Compile validates and compiles a raw ruleset into a snapshot. A compile
// error in any rule rejects the whole snapshot: a ruleset loads atomically
// or not at all.
func Compile(version string, primary, secondary []Rule) (*Snapshot, error) {
	if version == "" {
		return nil, fmt.Errorf("ruleset version is required")
	}
	snap := &Snapshot{Version: version}
	var err error
	if snap.Primary, err = compileRules(primary); err != nil {
		return nil, fmt.Errorf("primary rules: %w", err)
	}
	if snap.Secondary, err = compileRules(secondary); err != nil {
		return nil, fmt.Errorf("secondary rules: %w", err)
	}
	return snap, nil
}

func compileRules(rules []Rule) ([]CompiledRule, error) {
	compiled := make([]CompiledRule, 0, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule without id")
		}
		if r.Weight <= 0 || r.Weight > 1 {
			return nil, fmt.Errorf("rule %s: weight must be in (0,1], got %v", r.ID, r.Weight)
		}
		if r.ViolationKind == "" {
			return nil, fmt.Errorf("rule %s: violation_kind is required", r.ID)
		}
		pred, err := CompilePredicate(r.Kind, r.Params)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		compiled = append(compiled, CompiledRule{Rule: r, predicate: pred})
	}
	return compiled, nil
}

// Provider holds the current snapshot behind an atomic pointer. Multiple
// readers, single writer on update, no reader blocking.
type Provider struct {
	current atomic.Pointer[Snapshot]

	mu          sync.Mutex
	subscribers []func(version string)
}

// NewProvider creates a provider seeded with an initial snapshot.
func NewProvider(initial *Snapshot) *Provider {
	p := &Provider{}
	p.current.Store(initial)
	return p
}

// Current returns the active snapshot. Callers bind to the returned snapshot
// for the lifetime of one evaluation.
func (p *Provider) Current() *Snapshot {
	return p.current.Load()
}

// Version returns the active ruleset version.
func (p *Provider) Version() string {
	return p.current.Load().Version
}

// Swap atomically replaces the active snapshot and notifies subscribers.
// In-flight evaluations complete against their originally bound snapshot.
func (p *Provider) Swap(next *Snapshot) {
	p.current.Store(next)

	p.mu.Lock()
	subs := make([]func(string), len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.Unlock()

	for _, fn := range subs {
		fn(next.Version)
	}
}

// OnSwap registers a callback invoked after every snapshot swap. The decision
// cache uses this to invalidate immediately on a version bump.
func (p *Provider) OnSwap(fn func(version string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, fn)
}

// Package policy evaluates classified requests against an ordered rule table.
//
// A Table is built once at startup and never mutated, so it is safe to share
// between request goroutines without locking. Evaluate is a pure function of
// its inputs: the first rule whose mode and matcher fit the request wins.
// When nothing matches, reverse mode yields NotFound and forward mode yields
// Deny.
package policy

import (
	"fmt"
	"path"
	"strings"

	"policy-proxy-go/internal/config"
	"policy-proxy-go/internal/hostname"
	"policy-proxy-go/internal/model"
)

// Table is an ordered, immutable sequence of policy rules.
type Table struct {
	rules []model.PolicyRule
}

// NewTable copies rules into a Table. Matchers are normalized the same way
// the classifier normalizes routing keys.
func NewTable(rules []model.PolicyRule) (*Table, error) {
	t := &Table{rules: make([]model.PolicyRule, 0, len(rules))}
	for i, r := range rules {
		switch r.Mode {
		case model.ModeReverse:
			r.Match = normalizePrefix(r.Match)
		case model.ModeForward:
			h, err := hostname.Normalize(r.Match)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			r.Match = h
		default:
			return nil, fmt.Errorf("rule %d: unknown mode %d", i, r.Mode)
		}
		t.rules = append(t.rules, r)
	}
	return t, nil
}

// FromConfig builds the Table from the [[policy]] entries in declared order.
func FromConfig(cfg *config.Config) (*Table, error) {
	rules := make([]model.PolicyRule, 0, len(cfg.Policies))
	for i, p := range cfg.Policies {
		mode, err := model.ParseMode(p.Mode)
		if err != nil {
			return nil, fmt.Errorf("policy[%d]: %w", i, err)
		}
		action, err := model.ParseAction(p.Action)
		if err != nil {
			return nil, fmt.Errorf("policy[%d]: %w", i, err)
		}
		rules = append(rules, model.PolicyRule{
			Mode:     mode,
			Match:    p.Match,
			Action:   action,
			Upstream: p.Upstream,
		})
	}
	return NewTable(rules)
}

// Len returns the number of rules.
func (t *Table) Len() int {
	return len(t.rules)
}

// Count returns the number of rules for mode.
func (t *Table) Count(mode model.Mode) int {
	n := 0
	for _, r := range t.rules {
		if r.Mode == mode {
			n++
		}
	}
	return n
}

// Rule returns a copy of the rule at index i.
func (t *Table) Rule(i int) model.PolicyRule {
	return t.rules[i]
}

// Evaluate scans the table in order and returns the verdict of the first
// rule matching d. It never mutates t or d.
func Evaluate(d *model.RequestDescriptor, t *Table) model.Verdict {
	for i, r := range t.rules {
		if r.Mode != d.Mode || !matches(r, d.RoutingKey) {
			continue
		}
		if r.Action == model.ActionDeny {
			return model.Verdict{Decision: model.DecisionDeny, Rule: i}
		}
		return model.Verdict{Decision: model.DecisionAllow, Upstream: r.Upstream, Rule: i}
	}

	if d.Mode == model.ModeReverse {
		return model.Verdict{Decision: model.DecisionNotFound, Rule: -1}
	}
	return model.Verdict{Decision: model.DecisionDeny, Rule: -1}
}

func matches(r model.PolicyRule, key string) bool {
	if r.Mode == model.ModeReverse {
		return MatchPath(r.Match, key)
	}
	return MatchHost(r.Match, key)
}

// MatchPath reports whether p falls under prefix on a segment boundary:
// "/api/allowed" matches "/api/allowed" and "/api/allowed/x" but not
// "/api/allowedx".
func MatchPath(prefix, p string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// MatchHost reports whether host equals the rule host. Both sides are
// expected to be normalized.
func MatchHost(ruleHost, host string) bool {
	return ruleHost == host
}

func normalizePrefix(p string) string {
	if p == "" {
		return "/"
	}
	trailing := strings.HasSuffix(p, "/")
	p = path.Clean(p)
	if trailing && p != "/" {
		p += "/"
	}
	return p
}

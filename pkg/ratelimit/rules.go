// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// WildcardTool matches any tool in a RuleSet.
const WildcardTool = "*"

// Rule is a per-tool rate-limit rule. An inactive rule is skipped during
// selection as if it did not exist.
type Rule struct {
	Tool   string        `json:"tool"`
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
	Active bool          `json:"active"`
}

// RuleSet selects a rule by exact tool name, falling back to the wildcard
// rule, then to the process default. Subjects are indexed as "key:tool" so
// each key gets an independent window per tool.
type RuleSet struct {
	mu      sync.RWMutex
	rules   map[string]Rule
	def     Rule
	counter Counter
}

// NewRuleSet creates a rule set over the given counter with a process-wide
// default rule.
func NewRuleSet(counter Counter, defaultLimit int, defaultWindow time.Duration) *RuleSet {
	return &RuleSet{
		rules:   make(map[string]Rule),
		def:     Rule{Tool: WildcardTool, Limit: defaultLimit, Window: defaultWindow, Active: true},
		counter: counter,
	}
}

// SetRule installs or replaces the rule for a tool.
func (rs *RuleSet) SetRule(rule Rule) {
	rs.mu.Lock()
	rs.rules[rule.Tool] = rule
	rs.mu.Unlock()
}

// DeleteRule removes the rule for a tool.
func (rs *RuleSet) DeleteRule(tool string) {
	rs.mu.Lock()
	delete(rs.rules, tool)
	rs.mu.Unlock()
}

// Rules returns a copy of the installed rules.
func (rs *RuleSet) Rules() []Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]Rule, 0, len(rs.rules))
	for _, r := range rs.rules {
		out = append(out, r)
	}
	return out
}

// ruleFor picks the effective rule for a tool: exact match, then wildcard,
// then the default. Inactive rules are skipped.
func (rs *RuleSet) ruleFor(tool string) Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if r, ok := rs.rules[tool]; ok && r.Active {
		return r
	}
	if r, ok := rs.rules[WildcardTool]; ok && r.Active {
		return r
	}
	return rs.def
}

// Check reports whether a call against key:tool would be admitted.
func (rs *RuleSet) Check(ctx context.Context, key, tool string) Result {
	rule := rs.ruleFor(tool)
	if rule.Limit <= 0 {
		return Result{Allowed: true, Remaining: Unlimited}
	}
	res, err := rs.counter.Check(ctx, subjectFor(key, tool), rule.Limit, rule.Window)
	if err != nil {
		return Result{Allowed: true, Remaining: Unlimited}
	}
	return res
}

// Record appends a hit for key:tool.
func (rs *RuleSet) Record(ctx context.Context, key, tool string) {
	rule := rs.ruleFor(tool)
	if rule.Limit <= 0 {
		return
	}
	//nolint:errcheck // fail-open
	_ = rs.counter.Record(ctx, subjectFor(key, tool), rule.Window)
}

func subjectFor(key, tool string) string {
	return key + ":" + tool
}

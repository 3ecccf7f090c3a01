// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package policy evaluates operator-defined routing rules. Rules are loaded
// from configuration, carry an expr condition over the routing context, and
// can force a tier, deny escalation, or switch the cost/quality mode before
// the cascade starts.
package policy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	log "github.com/sirupsen/logrus"
)

// RoutingContext is the expr evaluation environment. Field names are the
// identifiers available inside rule conditions.
type RoutingContext struct {
	Complexity    float64 `expr:"complexity"`
	Level         string  `expr:"level"`
	HasAttachment bool    `expr:"has_attachment"`
	UserPlan      string  `expr:"user_plan"`
	Hour          int     `expr:"hour"`
	PriorFailures int     `expr:"prior_failures"`
	QueryLength   int     `expr:"query_length"`
}

// Rule is one routing policy entry.
type Rule struct {
	Name      string `yaml:"name"`
	Condition string `yaml:"condition"`
	// ForceTier pins the starting tier (0 means no override).
	ForceTier int `yaml:"force_tier"`
	// DenyEscalation keeps the request on its starting tier.
	DenyEscalation bool `yaml:"deny_escalation"`
	// Mode switches the analyzer into "cost" or "quality" mode.
	Mode     string `yaml:"mode"`
	Priority int    `yaml:"priority"`
}

// Outcome is the merged effect of every matching rule.
type Outcome struct {
	ForceTier      int
	DenyEscalation bool
	Mode           string
	Matched        []string
}

// Engine evaluates rules against routing contexts. Compiled programs are
// cached per condition.
type Engine struct {
	mu       sync.RWMutex
	rules    []Rule
	programs map[string]*vm.Program
}

// NewEngine compiles the given rules. Rules with invalid conditions are
// rejected up front rather than failing at request time.
func NewEngine(rules []Rule) (*Engine, error) {
	e := &Engine{programs: make(map[string]*vm.Program)}
	if err := e.Reload(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload swaps in a new rule set, recompiling conditions. Used by the
// config hot-reload path.
func (e *Engine) Reload(rules []Rule) error {
	programs := make(map[string]*vm.Program, len(rules))
	for _, r := range rules {
		if r.Condition == "" || r.Condition == "true" {
			continue
		}
		if _, ok := programs[r.Condition]; ok {
			continue
		}
		program, err := expr.Compile(r.Condition, expr.Env(RoutingContext{}))
		if err != nil {
			return fmt.Errorf("policy: failed to compile rule %q: %w", r.Name, err)
		}
		programs[r.Condition] = program
	}

	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	// Higher priority evaluated last so it wins conflicting overrides.
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	e.mu.Lock()
	e.rules = sorted
	e.programs = programs
	e.mu.Unlock()

	log.Infof("Policy engine loaded %d rules", len(rules))
	return nil
}

// Evaluate runs every rule against ctx and merges the effects of the
// matches. A rule that errors at runtime is skipped with a warning.
func (e *Engine) Evaluate(ctx RoutingContext) Outcome {
	e.mu.RLock()
	rules := e.rules
	programs := e.programs
	e.mu.RUnlock()

	var out Outcome
	for _, r := range rules {
		matched, err := e.matches(r, programs, ctx)
		if err != nil {
			log.Warnf("Policy rule %q failed to evaluate: %v", r.Name, err)
			continue
		}
		if !matched {
			continue
		}

		out.Matched = append(out.Matched, r.Name)
		if r.ForceTier >= 1 && r.ForceTier <= 3 {
			out.ForceTier = r.ForceTier
		}
		if r.DenyEscalation {
			out.DenyEscalation = true
		}
		if r.Mode != "" {
			out.Mode = r.Mode
		}
	}
	return out
}

func (e *Engine) matches(r Rule, programs map[string]*vm.Program, ctx RoutingContext) (bool, error) {
	if r.Condition == "" || r.Condition == "true" {
		return true, nil
	}
	program, ok := programs[r.Condition]
	if !ok {
		return false, fmt.Errorf("condition not compiled: %s", r.Condition)
	}

	output, err := expr.Run(program, ctx)
	if err != nil {
		return false, err
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return a boolean", r.Condition)
	}
	return result, nil
}

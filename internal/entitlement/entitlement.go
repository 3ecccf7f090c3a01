// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package entitlement decides which model tiers a user may reach. The
// router consults it before every escalation; a denial ends the cascade
// with the best result produced so far.
package entitlement

import (
	"strings"

	"github.com/modelpilot/modelpilot/internal/tier"
)

// Checker gates tier access per user.
type Checker interface {
	// CanUseTier reports whether the user may run requests on t.
	CanUseTier(userID, plan string, t tier.Tier) bool
}

// PlanChecker maps subscription plans to their highest reachable tier.
// Unknown plans get the default plan's ceiling.
type PlanChecker struct {
	ceilings    map[string]tier.Tier
	defaultPlan string
}

// DefaultPlans is the standard plan ladder.
func DefaultPlans() map[string]tier.Tier {
	return map[string]tier.Tier{
		"free":       tier.Tier1,
		"pro":        tier.Tier2,
		"enterprise": tier.Tier3,
	}
}

// NewPlanChecker builds a checker from a plan-to-ceiling table. A nil table
// selects DefaultPlans; defaultPlan is used for unknown plans and defaults
// to "free".
func NewPlanChecker(ceilings map[string]tier.Tier, defaultPlan string) *PlanChecker {
	if ceilings == nil {
		ceilings = DefaultPlans()
	}
	if defaultPlan == "" {
		defaultPlan = "free"
	}
	return &PlanChecker{ceilings: ceilings, defaultPlan: defaultPlan}
}

func (c *PlanChecker) CanUseTier(_, plan string, t tier.Tier) bool {
	ceiling, ok := c.ceilings[strings.ToLower(plan)]
	if !ok {
		ceiling = c.ceilings[c.defaultPlan]
	}
	return t <= ceiling
}

// AllowAll grants every tier to every user. Used when entitlement gating is
// disabled in configuration.
type AllowAll struct{}

func (AllowAll) CanUseTier(_, _ string, _ tier.Tier) bool { return true }

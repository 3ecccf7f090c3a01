// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tier defines the model tier ladder and the registry resolving
// each tier to its provider client and confidence threshold. The registry
// is assembled once at startup and read-only afterwards.
package tier

import (
	"fmt"
	"sync"

	"github.com/modelpilot/modelpilot/internal/provider"
)

// Tier is a rung on the model ladder. Higher tiers are stronger and more
// expensive.
type Tier int

const (
	Tier1 Tier = 1 // fast, cheap
	Tier2 Tier = 2 // balanced
	Tier3 Tier = 3 // strongest, multimodal
)

// Top is the highest tier in the ladder.
const Top = Tier3

func (t Tier) String() string {
	return fmt.Sprintf("tier%d", int(t))
}

// Valid reports whether t is a known rung.
func (t Tier) Valid() bool {
	return t >= Tier1 && t <= Tier3
}

// Next returns the next rung up, capping at Top.
func (t Tier) Next() Tier {
	if t >= Top {
		return Top
	}
	return t + 1
}

// DefaultThresholds are the per-tier confidence floors: a response below
// its tier's floor triggers escalation.
func DefaultThresholds() map[Tier]float64 {
	return map[Tier]float64{
		Tier1: 0.85,
		Tier2: 0.90,
		Tier3: 0.95,
	}
}

type binding struct {
	client    provider.Client
	threshold float64
}

// Registry maps tiers to provider clients and thresholds.
type Registry struct {
	mu       sync.RWMutex
	bindings map[Tier]binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[Tier]binding)}
}

// Register binds a client and confidence threshold to a tier.
func (r *Registry) Register(t Tier, client provider.Client, threshold float64) error {
	if !t.Valid() {
		return fmt.Errorf("tier: invalid tier %d", int(t))
	}
	if client == nil {
		return fmt.Errorf("tier: nil client for %s", t)
	}
	if threshold <= 0 || threshold > 1 {
		return fmt.Errorf("tier: threshold %v for %s outside (0,1]", threshold, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[t] = binding{client: client, threshold: threshold}
	return nil
}

// Client returns the provider bound to t.
func (r *Registry) Client(t Tier) (provider.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[t]
	if !ok {
		return nil, false
	}
	return b.client, true
}

// Threshold returns the confidence floor for t, falling back to the default
// ladder when the tier was registered without one.
func (r *Registry) Threshold(t Tier) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.bindings[t]; ok && b.threshold > 0 {
		return b.threshold
	}
	return DefaultThresholds()[t]
}

// ServiceName is the circuit-breaker key for a tier's provider.
func (r *Registry) ServiceName(t Tier) string {
	if client, ok := r.Client(t); ok {
		return fmt.Sprintf("%s:%s", t, client.Name())
	}
	return t.String()
}

// Tiers lists the registered tiers in ascending order.
func (r *Registry) Tiers() []Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tier
	for t := Tier1; t <= Top; t++ {
		if _, ok := r.bindings[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

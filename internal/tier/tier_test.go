// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tier

import (
	"context"
	"testing"

	"github.com/modelpilot/modelpilot/internal/provider"
)

type stubClient struct {
	name string
}

func (s *stubClient) Name() string             { return s.name }
func (s *stubClient) Model() string            { return "m" }
func (s *stubClient) CostPer1KTokens() float64 { return 0.01 }
func (s *stubClient) Analyze(context.Context, provider.Request) (*provider.Result, error) {
	return &provider.Result{Text: "ok"}, nil
}

func TestTier_Next(t *testing.T) {
	if Tier1.Next() != Tier2 || Tier2.Next() != Tier3 {
		t.Error("Next should climb one rung")
	}
	if Tier3.Next() != Tier3 {
		t.Error("Next must cap at the top tier")
	}
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(Tier1, &stubClient{name: "nano"}, 0.85); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(Tier2, &stubClient{name: "standard"}, 0.90); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	client, ok := r.Client(Tier1)
	if !ok || client.Name() != "nano" {
		t.Errorf("Client(Tier1) = %v, %v", client, ok)
	}
	if _, ok := r.Client(Tier3); ok {
		t.Error("unregistered tier should not resolve")
	}

	if got := r.Threshold(Tier2); got != 0.90 {
		t.Errorf("Threshold(Tier2) = %v, want 0.90", got)
	}
	// Unregistered tiers fall back to the default ladder.
	if got := r.Threshold(Tier3); got != 0.95 {
		t.Errorf("Threshold(Tier3) = %v, want default 0.95", got)
	}

	if got := r.ServiceName(Tier1); got != "tier1:nano" {
		t.Errorf("ServiceName = %q, want tier1:nano", got)
	}

	tiers := r.Tiers()
	if len(tiers) != 2 || tiers[0] != Tier1 || tiers[1] != Tier2 {
		t.Errorf("Tiers = %v, want [1 2]", tiers)
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(Tier(5), &stubClient{}, 0.9); err == nil {
		t.Error("invalid tier should be rejected")
	}
	if err := r.Register(Tier1, nil, 0.9); err == nil {
		t.Error("nil client should be rejected")
	}
	if err := r.Register(Tier1, &stubClient{}, 1.5); err == nil {
		t.Error("out-of-range threshold should be rejected")
	}
}

// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelpilot/modelpilot/internal/breaker"
	"github.com/modelpilot/modelpilot/internal/cache"
	"github.com/modelpilot/modelpilot/internal/entitlement"
	"github.com/modelpilot/modelpilot/internal/policy"
	"github.com/modelpilot/modelpilot/internal/provider"
	"github.com/modelpilot/modelpilot/internal/tier"
)

// fakeClient scripts provider responses per call.
type fakeClient struct {
	name string
	cost float64

	mu      sync.Mutex
	calls   int
	results []func() (*provider.Result, error)
}

func (f *fakeClient) Name() string             { return f.name }
func (f *fakeClient) Model() string            { return f.name + "-model" }
func (f *fakeClient) CostPer1KTokens() float64 { return f.cost }

func (f *fakeClient) Analyze(_ context.Context, _ provider.Request) (*provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	return f.results[idx]()
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func answer(text string, confidence float64, tokens int) func() (*provider.Result, error) {
	return func() (*provider.Result, error) {
		return &provider.Result{Text: text, Confidence: confidence, TokensUsed: tokens}, nil
	}
}

func failure(status int, msg string) func() (*provider.Result, error) {
	return func() (*provider.Result, error) {
		return nil, &provider.Error{Provider: "fake", StatusCode: status, Message: msg}
	}
}

// fakeCache records Store calls and serves a scripted hit.
type fakeCache struct {
	mu     sync.Mutex
	hit    *cache.Hit
	cached Result
	stores []storedEntry
}

type storedEntry struct {
	query      string
	confidence float64
	tier       int
}

func (f *fakeCache) Lookup(_ string, bypass bool, target interface{}) *cache.Hit {
	if bypass || f.hit == nil {
		return nil
	}
	if r, ok := target.(*Result); ok {
		*r = f.cached
	}
	return f.hit
}

func (f *fakeCache) Store(query string, _ interface{}, confidence float64, _ bool, tierUsed int, _ map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores = append(f.stores, storedEntry{query: query, confidence: confidence, tier: tierUsed})
}

func (f *fakeCache) stored() []storedEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storedEntry, len(f.stores))
	copy(out, f.stores)
	return out
}

type recordedMetric struct {
	metricType string
	value      float64
	tags       map[string]string
}

type fakeMetrics struct {
	mu      sync.Mutex
	records []recordedMetric
}

func (f *fakeMetrics) Record(metricType string, value float64, tags map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordedMetric{metricType, value, tags})
}

func (f *fakeMetrics) count(metricType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.records {
		if r.metricType == metricType {
			n++
		}
	}
	return n
}

func newTestRouter(t *testing.T, clients map[tier.Tier]*fakeClient, mutate func(*Config)) *Router {
	t.Helper()

	registry := tier.NewRegistry()
	for tr, c := range clients {
		require.NoError(t, registry.Register(tr, c, tier.DefaultThresholds()[tr]))
	}

	cfg := Config{
		Registry: registry,
		Breakers: breaker.NewGroup(breaker.Settings{}),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

const testQuery = "Why does my VLOOKUP formula return a #REF! error on the summary sheet?"

func TestRoute_RejectsEmptyQuery(t *testing.T) {
	r := newTestRouter(t, map[tier.Tier]*fakeClient{
		tier.Tier1: {name: "nano", results: []func() (*provider.Result, error){answer("ok", 0.9, 10)}},
	}, nil)

	_, err := r.Route(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRoute_Tier1Accepted(t *testing.T) {
	t1 := &fakeClient{name: "nano", cost: 0.10,
		results: []func() (*provider.Result, error){answer("fix the range", 0.92, 500)}}
	t3 := &fakeClient{name: "frontier", cost: 5.00,
		results: []func() (*provider.Result, error){answer("unused", 0.99, 100)}}
	metrics := &fakeMetrics{}

	r := newTestRouter(t, map[tier.Tier]*fakeClient{tier.Tier1: t1, tier.Tier3: t3},
		func(c *Config) { c.Metrics = metrics })

	result, err := r.Route(context.Background(), Request{Query: testQuery})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "cascaded_tier1", result.RoutingMethod)
	assert.Equal(t, 1, result.TierUsed)
	assert.Equal(t, "fix the range", result.Text)
	assert.Equal(t, 0.92, result.Confidence)
	assert.Equal(t, 500, result.TotalTokens)
	assert.InDelta(t, 0.05, result.TotalCostUSD, 1e-9) // 500/1000 * $0.10
	require.Len(t, result.Attempts, 1)
	assert.True(t, result.Attempts[0].Accepted)
	assert.Zero(t, t3.callCount())
	assert.Equal(t, 1, metrics.count("tier_usage"))
	assert.NotEmpty(t, result.RequestID)
}

// Every tier answers below its threshold: the cascade exhausts the ladder
// and serves the strongest tier's answer, with tokens and cost accumulated
// across all attempts.
func TestRoute_LowConfidenceExhaustsLadder(t *testing.T) {
	t1 := &fakeClient{name: "nano", cost: 0.10,
		results: []func() (*provider.Result, error){answer("guess one", 0.6, 100)}}
	t2 := &fakeClient{name: "mid", cost: 1.00,
		results: []func() (*provider.Result, error){answer("guess two", 0.6, 200)}}
	t3 := &fakeClient{name: "frontier", cost: 5.00,
		results: []func() (*provider.Result, error){answer("guess three", 0.6, 300)}}

	r := newTestRouter(t, map[tier.Tier]*fakeClient{
		tier.Tier1: t1, tier.Tier2: t2, tier.Tier3: t3,
	}, nil)

	result, err := r.Route(context.Background(), Request{Query: testQuery})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "cascaded_tier3", result.RoutingMethod)
	assert.Equal(t, 3, result.TierUsed)
	assert.Equal(t, "guess three", result.Text)
	assert.Equal(t, 600, result.TotalTokens)
	// 100*0.10/1000 + 200*1.00/1000 + 300*5.00/1000
	assert.InDelta(t, 0.01+0.2+1.5, result.TotalCostUSD, 1e-9)
	require.Len(t, result.Attempts, 3)
	for i, a := range result.Attempts {
		assert.Equal(t, i+1, a.Tier)
	}
}

func TestRoute_CacheHitSkipsProviders(t *testing.T) {
	t1 := &fakeClient{name: "nano",
		results: []func() (*provider.Result, error){answer("fresh", 0.9, 100)}}
	fc := &fakeCache{
		hit: &cache.Hit{ID: "abc", Similarity: 0.93, Confidence: 0.88, Tier: 2, Age: time.Minute},
		cached: Result{
			Text: "cached answer", Success: true, TierUsed: 2, Confidence: 0.88,
			TotalTokens: 400, TotalCostUSD: 0.4,
		},
	}
	metrics := &fakeMetrics{}

	r := newTestRouter(t, map[tier.Tier]*fakeClient{tier.Tier1: t1},
		func(c *Config) {
			c.Cache = fc
			c.Metrics = metrics
		})

	result, err := r.Route(context.Background(), Request{Query: testQuery})
	require.NoError(t, err)

	assert.Equal(t, "cache", result.Source)
	assert.Equal(t, MethodCache, result.RoutingMethod)
	assert.Equal(t, "cached answer", result.Text)
	assert.Equal(t, 0.93, result.CacheSimilar)
	// A cache hit consumes no tokens and costs nothing on this request.
	assert.Zero(t, result.TotalTokens)
	assert.Zero(t, result.TotalCostUSD)
	assert.Zero(t, t1.callCount())
	assert.Equal(t, 1, metrics.count("cache_hit"))
	assert.Empty(t, fc.stored())
}

func TestRoute_BypassSkipsCacheLookup(t *testing.T) {
	t1 := &fakeClient{name: "nano",
		results: []func() (*provider.Result, error){answer("fresh", 0.9, 100)}}
	fc := &fakeCache{
		hit:    &cache.Hit{ID: "abc", Similarity: 0.99},
		cached: Result{Text: "stale", Success: true},
	}

	r := newTestRouter(t, map[tier.Tier]*fakeClient{tier.Tier1: t1},
		func(c *Config) { c.Cache = fc })

	result, err := r.Route(context.Background(), Request{Query: testQuery, BypassCache: true})
	require.NoError(t, err)

	assert.Equal(t, "fresh", result.Text)
	assert.Equal(t, 1, t1.callCount())
}

func TestRoute_TierFailureContinuesCascade(t *testing.T) {
	t1 := &fakeClient{name: "nano",
		results: []func() (*provider.Result, error){failure(400, "bad request")}}
	t2 := &fakeClient{name: "mid", cost: 1.00,
		results: []func() (*provider.Result, error){answer("recovered", 0.95, 200)}}

	r := newTestRouter(t, map[tier.Tier]*fakeClient{tier.Tier1: t1, tier.Tier2: t2}, nil)

	result, err := r.Route(context.Background(), Request{Query: testQuery})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "cascaded_tier2", result.RoutingMethod)
	assert.Equal(t, 2, result.TierUsed)
	require.Len(t, result.Attempts, 2)
	assert.NotEmpty(t, result.Attempts[0].Error)
	assert.False(t, result.Attempts[0].Accepted)
	assert.True(t, result.Attempts[1].Accepted)
}

func TestRoute_AllTiersFailedReturnsDegraded(t *testing.T) {
	t1 := &fakeClient{name: "nano",
		results: []func() (*provider.Result, error){failure(400, "down")}}
	t2 := &fakeClient{name: "mid",
		results: []func() (*provider.Result, error){failure(400, "down")}}
	t3 := &fakeClient{name: "frontier",
		results: []func() (*provider.Result, error){failure(400, "down")}}

	r := newTestRouter(t, map[tier.Tier]*fakeClient{
		tier.Tier1: t1, tier.Tier2: t2, tier.Tier3: t3,
	}, nil)

	result, err := r.Route(context.Background(), Request{Query: testQuery})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllTiersFailed)

	var atf *AllTiersFailedError
	require.ErrorAs(t, err, &atf)
	assert.Len(t, atf.Attempts, 3)

	// The caller still gets a usable degraded payload.
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.True(t, result.Degraded)
	assert.Equal(t, MethodDegraded, result.RoutingMethod)
	assert.NotEmpty(t, result.Text)
}

func TestRoute_DegradedResultNotCached(t *testing.T) {
	t1 := &fakeClient{name: "nano",
		results: []func() (*provider.Result, error){failure(400, "down")}}
	t2 := &fakeClient{name: "mid",
		results: []func() (*provider.Result, error){failure(400, "down")}}
	t3 := &fakeClient{name: "frontier",
		results: []func() (*provider.Result, error){failure(400, "down")}}
	fc := &fakeCache{}

	r := newTestRouter(t, map[tier.Tier]*fakeClient{
		tier.Tier1: t1, tier.Tier2: t2, tier.Tier3: t3,
	}, func(c *Config) { c.Cache = fc })

	_, err := r.Route(context.Background(), Request{Query: testQuery})
	require.Error(t, err)
	assert.Empty(t, fc.stored())
}

func TestRoute_SuccessStoredInCache(t *testing.T) {
	t1 := &fakeClient{name: "nano", cost: 0.10,
		results: []func() (*provider.Result, error){answer("fix", 0.9, 100)}}
	fc := &fakeCache{}

	r := newTestRouter(t, map[tier.Tier]*fakeClient{tier.Tier1: t1},
		func(c *Config) { c.Cache = fc })

	_, err := r.Route(context.Background(), Request{Query: testQuery})
	require.NoError(t, err)

	stored := fc.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, testQuery, stored[0].query)
	assert.Equal(t, 0.9, stored[0].confidence)
	assert.Equal(t, 1, stored[0].tier)
}

// A free-plan user whose tier-1 answer is weak cannot escalate; the weak
// answer is served, marked so the caller can surface an upgrade hint.
func TestRoute_EntitlementStopsEscalation(t *testing.T) {
	t1 := &fakeClient{name: "nano", cost: 0.10,
		results: []func() (*provider.Result, error){answer("rough guess", 0.6, 100)}}
	t2 := &fakeClient{name: "mid",
		results: []func() (*provider.Result, error){answer("better", 0.95, 200)}}

	r := newTestRouter(t, map[tier.Tier]*fakeClient{tier.Tier1: t1, tier.Tier2: t2},
		func(c *Config) { c.Entitlement = entitlement.NewPlanChecker(nil, "free") })

	result, err := r.Route(context.Background(), Request{
		Query: testQuery, UserID: "u1", UserPlan: "free",
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, MethodInsufficientTier, result.RoutingMethod)
	assert.Equal(t, 1, result.TierUsed)
	assert.Equal(t, "rough guess", result.Text)
	assert.Zero(t, t2.callCount())
}

func TestRoute_ProPlanReachesTier2(t *testing.T) {
	t1 := &fakeClient{name: "nano",
		results: []func() (*provider.Result, error){answer("rough", 0.6, 100)}}
	t2 := &fakeClient{name: "mid",
		results: []func() (*provider.Result, error){answer("better", 0.95, 200)}}
	t3 := &fakeClient{name: "frontier",
		results: []func() (*provider.Result, error){answer("best", 0.99, 300)}}

	r := newTestRouter(t, map[tier.Tier]*fakeClient{
		tier.Tier1: t1, tier.Tier2: t2, tier.Tier3: t3,
	}, func(c *Config) { c.Entitlement = entitlement.NewPlanChecker(nil, "free") })

	result, err := r.Route(context.Background(), Request{
		Query: testQuery, UserID: "u1", UserPlan: "pro",
	})
	require.NoError(t, err)

	assert.Equal(t, "cascaded_tier2", result.RoutingMethod)
	assert.Equal(t, 2, result.TierUsed)
	assert.Zero(t, t3.callCount())
}

func TestRoute_DirectModeGoesStraightToTop(t *testing.T) {
	t1 := &fakeClient{name: "nano",
		results: []func() (*provider.Result, error){answer("unused", 0.9, 100)}}
	t3 := &fakeClient{name: "frontier", cost: 5.00,
		results: []func() (*provider.Result, error){answer("deep analysis", 0.97, 800)}}

	engine, err := policy.NewEngine([]policy.Rule{
		{Name: "escalate-diagnostics", Condition: "complexity > 0.3", ForceTier: 3},
	})
	require.NoError(t, err)

	r := newTestRouter(t, map[tier.Tier]*fakeClient{tier.Tier1: t1, tier.Tier3: t3},
		func(c *Config) {
			c.Policies = engine
			c.DirectThreshold = 0.3
		})

	result, err := r.Route(context.Background(), Request{
		Query: "Debug the #REF! error in my VLOOKUP formula across multiple sheets",
	})
	require.NoError(t, err)

	assert.Equal(t, MethodDirect, result.RoutingMethod)
	assert.Equal(t, 3, result.TierUsed)
	assert.Equal(t, "deep analysis", result.Text)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, 3, result.Attempts[0].Tier)
	assert.Zero(t, t1.callCount())
}

func TestRoute_DenyEscalationPolicy(t *testing.T) {
	t1 := &fakeClient{name: "nano",
		results: []func() (*provider.Result, error){answer("rough", 0.5, 100)}}
	t2 := &fakeClient{name: "mid",
		results: []func() (*provider.Result, error){answer("better", 0.95, 200)}}

	engine, err := policy.NewEngine([]policy.Rule{
		{Name: "pin-cheap", Condition: "true", DenyEscalation: true},
	})
	require.NoError(t, err)

	r := newTestRouter(t, map[tier.Tier]*fakeClient{tier.Tier1: t1, tier.Tier2: t2},
		func(c *Config) { c.Policies = engine })

	result, err := r.Route(context.Background(), Request{Query: testQuery})
	require.NoError(t, err)

	assert.Equal(t, "cascaded_tier1", result.RoutingMethod)
	assert.Equal(t, 1, result.TierUsed)
	assert.Zero(t, t2.callCount())
}

// When the deadline is nearly spent the router stops escalating and serves
// the best answer it already has instead of risking a timeout upstream.
func TestRoute_DeadlineServesBestSoFar(t *testing.T) {
	t1 := &fakeClient{name: "nano",
		results: []func() (*provider.Result, error){answer("quick take", 0.6, 100)}}
	t2 := &fakeClient{name: "mid",
		results: []func() (*provider.Result, error){answer("slow take", 0.95, 200)}}

	r := newTestRouter(t, map[tier.Tier]*fakeClient{tier.Tier1: t1, tier.Tier2: t2},
		func(c *Config) { c.EscalationHeadroom = time.Hour })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := r.Route(ctx, Request{Query: testQuery})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "cascaded_tier1", result.RoutingMethod)
	assert.Equal(t, "quick take", result.Text)
	assert.Zero(t, t2.callCount())
}

func TestRoute_SkipsUnregisteredMiddleTier(t *testing.T) {
	t1 := &fakeClient{name: "nano",
		results: []func() (*provider.Result, error){answer("rough", 0.6, 100)}}
	t3 := &fakeClient{name: "frontier",
		results: []func() (*provider.Result, error){answer("strong", 0.97, 300)}}

	r := newTestRouter(t, map[tier.Tier]*fakeClient{tier.Tier1: t1, tier.Tier3: t3}, nil)

	result, err := r.Route(context.Background(), Request{Query: testQuery})
	require.NoError(t, err)

	assert.Equal(t, "cascaded_tier3", result.RoutingMethod)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, 1, result.Attempts[0].Tier)
	assert.Equal(t, 3, result.Attempts[1].Tier)
}

// Attempts must walk the ladder strictly upward regardless of the mix of
// failures and weak answers.
func TestRoute_EscalationIsMonotonic(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("attempt tiers strictly increase", prop.ForAll(
		func(conf1, conf2, conf3 float64, fail1, fail2, fail3 bool) bool {
			mk := func(conf float64, fail bool, name string) *fakeClient {
				if fail {
					return &fakeClient{name: name,
						results: []func() (*provider.Result, error){failure(400, "down")}}
				}
				return &fakeClient{name: name,
					results: []func() (*provider.Result, error){answer("text", conf, 10)}}
			}
			t1 := mk(conf1, fail1, "nano")
			t2 := mk(conf2, fail2, "mid")
			t3 := mk(conf3, fail3, "frontier")

			r := newTestRouter(t, map[tier.Tier]*fakeClient{
				tier.Tier1: t1, tier.Tier2: t2, tier.Tier3: t3,
			}, nil)

			result, err := r.Route(context.Background(), Request{Query: testQuery})
			if result == nil {
				return false
			}
			attempts := result.Attempts
			for i := 1; i < len(attempts); i++ {
				if attempts[i].Tier <= attempts[i-1].Tier {
					return false
				}
			}
			if err == nil && result.Success && result.TierUsed == 0 {
				return false
			}
			return true
		},
		gen.Float64Range(0.01, 1.0),
		gen.Float64Range(0.01, 1.0),
		gen.Float64Range(0.01, 1.0),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestRoute_BreakerOpenFailsFast(t *testing.T) {
	t1 := &fakeClient{name: "nano",
		results: []func() (*provider.Result, error){failure(400, "down")}}
	t2 := &fakeClient{name: "mid",
		results: []func() (*provider.Result, error){answer("ok", 0.95, 100)}}

	breakers := breaker.NewGroup(breaker.Settings{FailureThreshold: 2})
	registry := tier.NewRegistry()
	require.NoError(t, registry.Register(tier.Tier1, t1, 0.85))
	require.NoError(t, registry.Register(tier.Tier2, t2, 0.90))

	r, err := New(Config{Registry: registry, Breakers: breakers})
	require.NoError(t, err)

	// Trip tier1's breaker, then confirm later requests skip the provider.
	for i := 0; i < 2; i++ {
		_, routeErr := r.Route(context.Background(), Request{Query: testQuery})
		require.NoError(t, routeErr)
	}
	assert.Equal(t, 2, t1.callCount())

	result, err := r.Route(context.Background(), Request{Query: testQuery})
	require.NoError(t, err)
	assert.Equal(t, 2, result.TierUsed)
	assert.Equal(t, 2, t1.callCount(), "open breaker must not reach the provider")
	assert.Contains(t, result.Attempts[0].Error, "circuit open")
}

func TestAllTiersFailedError_Unwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &AllTiersFailedError{RequestID: "r1", Last: inner}

	assert.ErrorIs(t, err, ErrAllTiersFailed)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "r1")
}

func TestRoute_AssignsRequestID(t *testing.T) {
	t1 := &fakeClient{name: "nano",
		results: []func() (*provider.Result, error){answer("ok", 0.9, 10)}}
	r := newTestRouter(t, map[tier.Tier]*fakeClient{tier.Tier1: t1}, nil)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		result, err := r.Route(context.Background(), Request{Query: fmt.Sprintf("%s %d", testQuery, i)})
		require.NoError(t, err)
		require.NotEmpty(t, result.RequestID)
		assert.False(t, seen[result.RequestID])
		seen[result.RequestID] = true
	}
}

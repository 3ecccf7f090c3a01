// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package router orchestrates tiered analysis routing: semantic cache
// lookup, complexity-based tier selection, the escalation cascade with
// retry and circuit-breaker protection, entitlement gating, and cache
// admission of accepted results.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/modelpilot/modelpilot/internal/breaker"
	"github.com/modelpilot/modelpilot/internal/cache"
	"github.com/modelpilot/modelpilot/internal/complexity"
	"github.com/modelpilot/modelpilot/internal/entitlement"
	"github.com/modelpilot/modelpilot/internal/events"
	"github.com/modelpilot/modelpilot/internal/monitor"
	"github.com/modelpilot/modelpilot/internal/policy"
	"github.com/modelpilot/modelpilot/internal/provider"
	"github.com/modelpilot/modelpilot/internal/retry"
	"github.com/modelpilot/modelpilot/internal/tier"
	"github.com/modelpilot/modelpilot/internal/tuning"
)

// ErrValidation marks requests rejected before routing.
var ErrValidation = errors.New("router: invalid request")

// ErrAllTiersFailed marks total cascade failure. Use errors.Is; the
// concrete *AllTiersFailedError carries the attempt history.
var ErrAllTiersFailed = errors.New("router: all tiers failed")

// AllTiersFailedError wraps the last provider error after every tier
// failed. The caller still receives a degraded Result alongside it.
type AllTiersFailedError struct {
	RequestID string
	Attempts  []TierAttempt
	Last      error
}

func (e *AllTiersFailedError) Error() string {
	return fmt.Sprintf("router: all tiers failed for request %s after %d attempts: %v",
		e.RequestID, len(e.Attempts), e.Last)
}

func (e *AllTiersFailedError) Unwrap() error { return e.Last }

func (e *AllTiersFailedError) Is(target error) bool { return target == ErrAllTiersFailed }

// Request is one analysis request entering the router.
type Request struct {
	RequestID  string
	UserID     string
	UserPlan   string
	Query      string
	Attachment []byte
	MimeType   string

	// Context is free-form request metadata; identifier keys are stripped
	// before it reaches the cache.
	Context map[string]string

	Priority          string
	ConversationTurns int
	PriorFailures     int
	BypassCache       bool
}

// TierAttempt records one rung of the cascade.
type TierAttempt struct {
	Tier       int     `json:"tier"`
	Provider   string  `json:"provider"`
	Confidence float64 `json:"confidence"`
	Tokens     int     `json:"tokens"`
	CostUSD    float64 `json:"cost_usd"`
	LatencyMs  int64   `json:"latency_ms"`
	Error      string  `json:"error,omitempty"`
	Accepted   bool    `json:"accepted"`
}

// Result is the routing outcome returned to the caller.
type Result struct {
	RequestID     string        `json:"request_id"`
	Text          string        `json:"text"`
	Success       bool          `json:"success"`
	Degraded      bool          `json:"degraded"`
	Source        string        `json:"source"` // "model" or "cache"
	RoutingMethod string        `json:"routing_method"`
	TierUsed      int           `json:"tier_used"`
	Confidence    float64       `json:"confidence"`
	Complexity    float64       `json:"complexity"`
	Level         string        `json:"level"`
	TotalTokens   int           `json:"total_tokens"`
	TotalCostUSD  float64       `json:"total_cost_usd"`
	Attempts      []TierAttempt `json:"attempts,omitempty"`
	CacheSimilar  float64       `json:"cache_similarity,omitempty"`
}

// Routing method values.
const (
	MethodCache            = "cache"
	MethodDirect           = "direct_tier3"
	MethodDegraded         = "degraded"
	MethodInsufficientTier = "insufficient_tier_only"
)

const degradedText = "The analysis service is temporarily unavailable. " +
	"Your request was received but could not be processed; please retry shortly."

// ResponseCache is the semantic cache surface the router needs.
type ResponseCache interface {
	Lookup(query string, bypass bool, target interface{}) *cache.Hit
	Store(query string, payload interface{}, confidence float64, success bool, tierUsed int, reqContext map[string]string)
}

// MetricRecorder receives per-attempt telemetry. The quality monitor
// implements it.
type MetricRecorder interface {
	Record(metricType string, value float64, tags map[string]string)
}

// Config wires a Router.
type Config struct {
	Registry    *tier.Registry
	Cache       ResponseCache          // optional
	Breakers    *breaker.Group         // required
	Params      *tuning.Store          // optional, defaults used when nil
	Policies    *policy.Engine         // optional
	Entitlement entitlement.Checker    // optional, AllowAll when nil
	Metrics     MetricRecorder         // optional
	RetrySink   retry.MetricSink       // optional
	Bus         *events.Bus            // optional
	// DirectThreshold is the normalized complexity above which a top-tier
	// recommendation bypasses the cascade. Default 0.9.
	DirectThreshold float64
	// MaxRetries per provider call. Default 3.
	MaxRetries int
	// EscalationHeadroom is the minimum remaining deadline budget needed to
	// try another tier. Default 2s.
	EscalationHeadroom time.Duration
}

// Router routes analysis requests across the tier ladder.
type Router struct {
	cfg Config
	now func() time.Time
}

// New creates a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("router: registry is required")
	}
	if cfg.Breakers == nil {
		return nil, fmt.Errorf("router: breaker group is required")
	}
	if cfg.Entitlement == nil {
		cfg.Entitlement = entitlement.AllowAll{}
	}
	if cfg.DirectThreshold <= 0 {
		cfg.DirectThreshold = 0.9
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.EscalationHeadroom <= 0 {
		cfg.EscalationHeadroom = 2 * time.Second
	}
	return &Router{cfg: cfg, now: time.Now}, nil
}

// Route processes one request end to end. On total failure it returns a
// degraded Result together with an error matching ErrAllTiersFailed.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrValidation)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	logger := log.WithField("request_id", req.RequestID)

	params := r.params()
	r.publish(events.RequestReceived, req.RequestID, "", nil)
	r.record(monitor.MetricRequest, 1, nil)

	analysis := r.analyze(req, params)
	logger.Debugf("Complexity %.1f (%s), recommended %s",
		analysis.Score, analysis.Level, tier.Tier(analysis.RecommendedTier))

	// Cache lookup before any provider work.
	if r.cfg.Cache != nil {
		var cached Result
		if hit := r.cfg.Cache.Lookup(req.Query, req.BypassCache, &cached); hit != nil {
			r.record(monitor.MetricCacheHit, 1, nil)
			r.publish(events.CacheHit, req.RequestID, "", map[string]interface{}{
				"similarity": hit.Similarity,
			})
			logger.Infof("Cache hit (similarity %.3f, age %s)", hit.Similarity, hit.Age)

			cached.RequestID = req.RequestID
			cached.Source = "cache"
			cached.RoutingMethod = MethodCache
			cached.TotalTokens = 0
			cached.TotalCostUSD = 0
			cached.Attempts = nil
			cached.CacheSimilar = hit.Similarity
			return &cached, nil
		}
		r.record(monitor.MetricCacheMiss, 1, nil)
	}

	result, err := r.cascade(ctx, req, analysis, params, logger)
	if err != nil {
		return result, err
	}

	// Admit accepted model results; the cache applies its own gates.
	if r.cfg.Cache != nil && result.Success {
		r.cfg.Cache.Store(req.Query, result, result.Confidence, true, result.TierUsed, req.Context)
	}
	r.publish(events.RequestCompleted, req.RequestID, "", map[string]interface{}{
		"routing_method": result.RoutingMethod,
		"tier":           result.TierUsed,
		"confidence":     result.Confidence,
	})
	return result, nil
}

func (r *Router) params() tuning.Parameters {
	if r.cfg.Params != nil {
		return r.cfg.Params.Current()
	}
	return tuning.DefaultParameters()
}

// analyze runs the complexity analyzer with policy overrides applied.
func (r *Router) analyze(req Request, params tuning.Parameters) complexity.Result {
	bounds := complexity.Boundaries{
		SimpleModerate:  params.SimpleModerate,
		ModerateComplex: params.ModerateComplex,
	}
	cctx := complexity.Context{
		HasAttachment:     len(req.Attachment) > 0,
		ConversationTurns: req.ConversationTurns,
		PriorFailures:     req.PriorFailures,
		Priority:          req.Priority,
	}
	first := complexity.Analyze(req.Query, cctx, bounds)
	if r.cfg.Policies == nil {
		return first
	}

	outcome := r.cfg.Policies.Evaluate(policy.RoutingContext{
		Complexity:    first.Normalized,
		Level:         string(first.Level),
		HasAttachment: cctx.HasAttachment,
		UserPlan:      req.UserPlan,
		Hour:          r.now().Hour(),
		PriorFailures: req.PriorFailures,
		QueryLength:   len(req.Query),
	})
	if outcome.ForceTier == 0 && outcome.Mode == "" {
		return first
	}

	cctx.ForcedTier = outcome.ForceTier
	cctx.CostMode = outcome.Mode == "cost"
	cctx.QualityMode = outcome.Mode == "quality"
	return complexity.Analyze(req.Query, cctx, bounds)
}

// denyEscalation re-evaluates only the escalation policy bit.
func (r *Router) denyEscalation(req Request, analysis complexity.Result) bool {
	if r.cfg.Policies == nil {
		return false
	}
	outcome := r.cfg.Policies.Evaluate(policy.RoutingContext{
		Complexity:    analysis.Normalized,
		Level:         string(analysis.Level),
		HasAttachment: len(req.Attachment) > 0,
		UserPlan:      req.UserPlan,
		Hour:          r.now().Hour(),
		PriorFailures: req.PriorFailures,
		QueryLength:   len(req.Query),
	})
	return outcome.DenyEscalation
}

// cascade walks the tier ladder from the starting tier, escalating on low
// confidence and provider failure, accepting the first response that clears
// its tier's threshold.
func (r *Router) cascade(ctx context.Context, req Request, analysis complexity.Result, params tuning.Parameters, logger *log.Entry) (*Result, error) {
	result := &Result{
		RequestID:  req.RequestID,
		Source:     "model",
		Complexity: analysis.Normalized,
		Level:      string(analysis.Level),
	}

	startTier := tier.Tier1
	direct := false
	if analysis.Normalized > r.cfg.DirectThreshold && analysis.RecommendedTier == int(tier.Top) {
		startTier = tier.Top
		direct = true
		logger.Infof("Direct mode: complexity %.2f, going straight to %s", analysis.Normalized, tier.Top)
	}
	denyEscalation := r.denyEscalation(req, analysis)

	exec := retry.NewExecutor(retry.Policy{
		MaxRetries: r.cfg.MaxRetries,
		BaseDelay:  time.Duration(params.RetryBaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(params.RetryMaxDelayMs) * time.Millisecond,
		Multiplier: 2.0,
		Jitter:     0.1,
	}, provider.IsRetriable, r.cfg.RetrySink)

	// bestIdx indexes result.Attempts; a pointer would go stale across appends.
	bestIdx := -1
	var bestText string
	var lastErr error

	for t := startTier; t.Valid(); t = t.Next() {
		if !r.cfg.Entitlement.CanUseTier(req.UserID, req.UserPlan, t) {
			logger.Infof("Tier %s not entitled for plan %q, stopping cascade", t, req.UserPlan)
			if bestIdx >= 0 {
				return r.accept(result, &result.Attempts[bestIdx], bestText, MethodInsufficientTier, logger), nil
			}
			break
		}

		client, ok := r.cfg.Registry.Client(t)
		if !ok {
			logger.Warnf("No provider registered for %s, skipping", t)
			if t == tier.Top {
				break
			}
			continue
		}

		attempt, text, err := r.callTier(ctx, exec, t, client, req)
		result.Attempts = append(result.Attempts, attempt)
		result.TotalTokens += attempt.Tokens
		result.TotalCostUSD += attempt.CostUSD

		if err != nil {
			lastErr = err
			r.record(monitor.MetricError, 1, map[string]string{"tier": t.String()})
			logger.Warnf("Tier %s failed: %v", t, err)
		} else {
			threshold := r.cfg.Registry.Threshold(t)
			if attempt.Confidence >= threshold {
				method := fmt.Sprintf("cascaded_%s", t)
				if direct {
					method = MethodDirect
				}
				return r.accept(result, &result.Attempts[len(result.Attempts)-1], text, method, logger), nil
			}
			logger.Infof("Tier %s confidence %.3f below threshold %.3f",
				t, attempt.Confidence, threshold)
			// Ties go to the later, stronger tier.
			if bestIdx < 0 || attempt.Confidence >= result.Attempts[bestIdx].Confidence {
				bestIdx = len(result.Attempts) - 1
				bestText = text
			}
		}

		if t == tier.Top {
			break
		}
		if denyEscalation {
			logger.Info("Escalation denied by policy")
			break
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < r.cfg.EscalationHeadroom {
			logger.Warn("Deadline approaching, stopping cascade early")
			break
		}

		r.record(monitor.MetricFallback, 1, map[string]string{"from": t.String(), "to": t.Next().String()})
		r.publish(events.TierEscalation, req.RequestID,
			"Escalating to advanced analysis...", map[string]interface{}{
				"from": int(t), "to": int(t.Next()),
			})
	}

	// No tier cleared its threshold: serve the best response seen, if any.
	if bestIdx >= 0 {
		best := &result.Attempts[bestIdx]
		return r.accept(result, best, bestText, fmt.Sprintf("cascaded_%s", tier.Tier(best.Tier)), logger), nil
	}

	// Total failure: degraded response plus a typed error.
	result.Success = false
	result.Degraded = true
	result.Text = degradedText
	result.RoutingMethod = MethodDegraded
	logger.Errorf("All tiers failed: %v", lastErr)
	return result, &AllTiersFailedError{
		RequestID: req.RequestID,
		Attempts:  result.Attempts,
		Last:      lastErr,
	}
}

// callTier runs one provider call under retry and breaker protection.
func (r *Router) callTier(ctx context.Context, exec *retry.Executor, t tier.Tier, client provider.Client, req Request) (TierAttempt, string, error) {
	op := r.cfg.Registry.ServiceName(t)
	start := r.now()

	value, err := exec.Execute(ctx, op, func(ctx context.Context) (interface{}, error) {
		return r.cfg.Breakers.Call(op, func() (interface{}, error) {
			return client.Analyze(ctx, provider.Request{
				RequestID:  req.RequestID,
				Query:      req.Query,
				Attachment: req.Attachment,
				MimeType:   req.MimeType,
			})
		})
	})

	latency := r.now().Sub(start).Milliseconds()
	attempt := TierAttempt{
		Tier:      int(t),
		Provider:  client.Name(),
		LatencyMs: latency,
	}
	r.record(monitor.MetricLatencyMs, float64(latency), map[string]string{"tier": t.String()})

	if err != nil {
		attempt.Error = err.Error()
		return attempt, "", err
	}

	res := value.(*provider.Result)
	attempt.Confidence = EstimateConfidence(res.Text, res.Confidence)
	attempt.Tokens = res.TokensUsed
	attempt.CostUSD = float64(res.TokensUsed) / 1000 * client.CostPer1KTokens()
	r.record(monitor.MetricQuality, attempt.Confidence, map[string]string{"tier": t.String()})
	r.record(monitor.MetricTokens, float64(res.TokensUsed), map[string]string{"tier": t.String()})
	r.record(monitor.MetricCostUSD, attempt.CostUSD, map[string]string{"tier": t.String()})

	return attempt, res.Text, nil
}

// accept finalizes a successful result from the given attempt.
func (r *Router) accept(result *Result, attempt *TierAttempt, text, method string, logger *log.Entry) *Result {
	attempt.Accepted = true
	result.Success = true
	result.Text = text
	result.TierUsed = attempt.Tier
	result.Confidence = attempt.Confidence
	result.RoutingMethod = method
	r.record(monitor.MetricTierUsage, 1, map[string]string{"tier": tier.Tier(attempt.Tier).String()})
	logger.Infof("Accepted %s response (confidence %.3f, method %s, cost $%.4f)",
		tier.Tier(attempt.Tier), attempt.Confidence, method, result.TotalCostUSD)
	return result
}

func (r *Router) record(metricType string, value float64, tags map[string]string) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.Record(metricType, value, tags)
	}
}

func (r *Router) publish(t events.Type, requestID, message string, data map[string]interface{}) {
	if r.cfg.Bus != nil {
		r.cfg.Bus.PublishAsync(&events.Event{
			Type:      t,
			RequestID: requestID,
			Message:   message,
			Data:      data,
		})
	}
}

// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package retry executes operations with exponential backoff and jitter.
// A classifier decides which errors are worth retrying; circuit-open errors
// are never retried. No locks are held during backoff sleeps.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/modelpilot/modelpilot/internal/breaker"
)

// ErrRetryExhausted marks errors returned after all attempts failed.
// Use errors.Is against it and errors.As with *ExhaustedError to reach the
// final underlying error.
var ErrRetryExhausted = errors.New("retry: attempts exhausted")

// ExhaustedError wraps the last error after all attempts failed.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %s exhausted after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }

// Classifier reports whether an error is transient and worth retrying.
type Classifier func(error) bool

// MetricSink receives retry telemetry. The quality monitor implements it.
type MetricSink interface {
	RetryAttempt(op string, attempt int, delay time.Duration)
	RetryExhausted(op string, attempts int)
}

// Policy controls attempt count and backoff shape.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt, so the
	// operation runs at most MaxRetries+1 times.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter is the symmetric jitter fraction applied to each delay
	// (0.1 means +-10%).
	Jitter float64
}

// DefaultPolicy matches the provider-call defaults: 3 retries, 1s base, 30s
// cap, doubling, +-10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

func (p *Policy) withDefaults() Policy {
	out := *p
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = time.Second
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 30 * time.Second
	}
	if out.Multiplier < 1 {
		out.Multiplier = 2.0
	}
	if out.Jitter < 0 {
		out.Jitter = 0
	}
	return out
}

// Executor runs functions under a retry policy.
type Executor struct {
	policy    Policy
	classify  Classifier
	sink      MetricSink
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// NewExecutor creates an executor. classify may be nil, in which case every
// error except breaker.ErrCircuitOpen and context errors is retried.
func NewExecutor(policy Policy, classify Classifier, sink MetricSink) *Executor {
	return &Executor{
		policy:    policy.withDefaults(),
		classify:  classify,
		sink:      sink,
		sleep:     sleepCtx,
		randFloat: rand.Float64,
	}
}

// Execute runs fn until it succeeds, returns a non-retriable error, the
// policy is exhausted, or ctx is done. On exhaustion the returned error
// matches ErrRetryExhausted and wraps the last attempt's error.
func (e *Executor) Execute(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	var lastErr error
	attempts := e.policy.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !e.retriable(err) {
			return nil, err
		}
		if attempt == attempts {
			break
		}

		delay := e.delayFor(attempt)
		log.Debugf("Retrying %s (attempt %d/%d) after %s: %v", op, attempt, attempts, delay, err)
		if e.sink != nil {
			e.sink.RetryAttempt(op, attempt, delay)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	if e.sink != nil {
		e.sink.RetryExhausted(op, attempts)
	}
	return nil, &ExhaustedError{Op: op, Attempts: attempts, Last: lastErr}
}

// retriable applies the classifier with the hard exclusions on top:
// circuit-open and context cancellation are never retried.
func (e *Executor) retriable(err error) bool {
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if e.classify == nil {
		return true
	}
	return e.classify(err)
}

// delayFor computes base*multiplier^(attempt-1), capped at MaxDelay, with
// symmetric jitter applied after the cap.
func (e *Executor) delayFor(attempt int) time.Duration {
	d := float64(e.policy.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= e.policy.Multiplier
		if d >= float64(e.policy.MaxDelay) {
			d = float64(e.policy.MaxDelay)
			break
		}
	}
	if d > float64(e.policy.MaxDelay) {
		d = float64(e.policy.MaxDelay)
	}

	if e.policy.Jitter > 0 {
		// Uniform in [1-jitter, 1+jitter].
		factor := 1 + e.policy.Jitter*(2*e.randFloat()-1)
		d *= factor
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/modelpilot/modelpilot/internal/breaker"
)

var (
	errTransient = errors.New("status 503")
	errTerminal  = errors.New("status 400")
)

// instantExecutor skips real sleeps and records requested delays.
func instantExecutor(policy Policy, classify Classifier) (*Executor, *[]time.Duration) {
	e := NewExecutor(policy, classify, nil)
	delays := &[]time.Duration{}
	e.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return e, delays
}

func TestExecutor_SucceedsAfterTransientFailures(t *testing.T) {
	e, _ := instantExecutor(Policy{MaxRetries: 3}, nil)

	calls := 0
	result, err := e.Execute(context.Background(), "tier1:nano", func(context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, errTransient
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %v, want ok", result)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestExecutor_Exhaustion(t *testing.T) {
	e, _ := instantExecutor(Policy{MaxRetries: 2}, nil)

	calls := 0
	_, err := e.Execute(context.Background(), "tier1:nano", func(context.Context) (interface{}, error) {
		calls++
		return nil, errTransient
	})

	if calls != 3 {
		t.Errorf("calls = %d, want MaxRetries+1 = 3", calls)
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("err = %v, want ErrRetryExhausted", err)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatal("err should be an *ExhaustedError")
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhausted.Attempts)
	}
	if !errors.Is(err, errTransient) {
		t.Error("exhausted error should wrap the last underlying error")
	}
}

func TestExecutor_NonRetriableReturnsImmediately(t *testing.T) {
	classify := func(err error) bool { return errors.Is(err, errTransient) }
	e, _ := instantExecutor(Policy{MaxRetries: 5}, classify)

	calls := 0
	_, err := e.Execute(context.Background(), "tier1:nano", func(context.Context) (interface{}, error) {
		calls++
		return nil, errTerminal
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1 for non-retriable error", calls)
	}
	if !errors.Is(err, errTerminal) {
		t.Errorf("err = %v, want the original terminal error", err)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("non-retriable failure must not be reported as exhaustion")
	}
}

func TestExecutor_NeverRetriesCircuitOpen(t *testing.T) {
	e, _ := instantExecutor(Policy{MaxRetries: 5}, func(error) bool { return true })

	calls := 0
	_, err := e.Execute(context.Background(), "tier1:nano", func(context.Context) (interface{}, error) {
		calls++
		return nil, breaker.ErrCircuitOpen
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen passed through", err)
	}
}

func TestExecutor_BackoffProgression(t *testing.T) {
	e, delays := instantExecutor(Policy{
		MaxRetries: 4,
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     0, // deterministic for this test
	}, nil)

	_, _ = e.Execute(context.Background(), "op", func(context.Context) (interface{}, error) {
		return nil, errTransient
	})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i, d := range *delays {
		if d != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, d, want[i])
		}
	}
}

func TestExecutor_JitterBounds(t *testing.T) {
	e := NewExecutor(Policy{
		MaxRetries: 1,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}, nil, nil)

	for _, r := range []float64{0, 0.25, 0.5, 0.75, 1} {
		e.randFloat = func() float64 { return r }
		d := e.delayFor(1)
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Errorf("rand=%v: delay %v outside [0.9s, 1.1s]", r, d)
		}
	}
}

func TestExecutor_ContextCancelDuringBackoff(t *testing.T) {
	e := NewExecutor(Policy{MaxRetries: 3, BaseDelay: time.Hour}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	calls := 0
	_, err := e.Execute(ctx, "op", func(context.Context) (interface{}, error) {
		calls++
		return nil, errTransient
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestExecutor_AttemptBoundsProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("retriable failures call fn at most MaxRetries+1 times", prop.ForAll(
		func(maxRetries int) bool {
			e, _ := instantExecutor(Policy{MaxRetries: maxRetries}, nil)
			calls := 0
			_, err := e.Execute(context.Background(), "op", func(context.Context) (interface{}, error) {
				calls++
				return nil, errTransient
			})
			return calls == maxRetries+1 && errors.Is(err, ErrRetryExhausted)
		},
		gen.IntRange(0, 6),
	))

	properties.Property("non-retriable failures call fn exactly once", prop.ForAll(
		func(maxRetries int) bool {
			classify := func(error) bool { return false }
			e, _ := instantExecutor(Policy{MaxRetries: maxRetries}, classify)
			calls := 0
			_, err := e.Execute(context.Background(), "op", func(context.Context) (interface{}, error) {
				calls++
				return nil, errTerminal
			})
			return calls == 1 && errors.Is(err, errTerminal)
		},
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

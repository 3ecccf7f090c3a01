// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package breaker implements a per-service circuit breaker. Each protected
// service name gets an independent state machine (closed, open, half_open);
// calls against an open circuit fail fast with ErrCircuitOpen instead of
// burning a timeout against a struggling provider.
package breaker

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned when a call is rejected because the circuit for
// that service is open. Callers must not retry on this error.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// State is the circuit state for a single service.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Settings configures breaker behavior shared by all services in a Group.
type Settings struct {
	// FailureThreshold is the number of consecutive failures in closed state
	// that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in half_open
	// state that closes the circuit.
	SuccessThreshold int
	// Timeout is how long an open circuit waits before allowing a probe.
	Timeout time.Duration
	// OnStateChange, when set, is invoked after every transition. Invoked
	// outside the per-service lock.
	OnStateChange func(name string, from, to State)
}

func (s *Settings) withDefaults() Settings {
	out := *s
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.SuccessThreshold <= 0 {
		out.SuccessThreshold = 2
	}
	if out.Timeout <= 0 {
		out.Timeout = 60 * time.Second
	}
	return out
}

// circuit holds per-service state. All fields are guarded by mu.
type circuit struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	openedAt    time.Time
	lastFailure time.Time
}

// Group manages one circuit per service name.
type Group struct {
	mu       sync.RWMutex
	circuits map[string]*circuit
	settings Settings
	now      func() time.Time
}

// NewGroup creates a breaker group with the given settings.
func NewGroup(settings Settings) *Group {
	return &Group{
		circuits: make(map[string]*circuit),
		settings: settings.withDefaults(),
		now:      time.Now,
	}
}

func (g *Group) circuitFor(name string) *circuit {
	g.mu.RLock()
	c, ok := g.circuits[name]
	g.mu.RUnlock()
	if ok {
		return c
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok = g.circuits[name]; ok {
		return c
	}
	c = &circuit{state: StateClosed}
	g.circuits[name] = c
	return c
}

// Call executes fn under the circuit for name. If the circuit is open and the
// timeout has not elapsed, fn is not executed and ErrCircuitOpen is returned.
// The circuit lock is not held while fn runs.
func (g *Group) Call(name string, fn func() (interface{}, error)) (interface{}, error) {
	c := g.circuitFor(name)

	if err := g.beforeCall(name, c); err != nil {
		return nil, err
	}

	result, err := fn()
	g.afterCall(name, c, err == nil)
	return result, err
}

// beforeCall decides whether the call may proceed, transitioning an expired
// open circuit to half_open.
func (g *Group) beforeCall(name string, c *circuit) error {
	c.mu.Lock()

	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return nil
	case StateOpen:
		if g.now().Sub(c.openedAt) >= g.settings.Timeout {
			g.transitionLocked(name, c, StateHalfOpen)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		return nil
	}
}

// afterCall records the outcome and applies threshold transitions.
func (g *Group) afterCall(name string, c *circuit, success bool) {
	c.mu.Lock()

	if success {
		switch c.state {
		case StateClosed:
			c.failures = 0
		case StateHalfOpen:
			c.successes++
			if c.successes >= g.settings.SuccessThreshold {
				g.transitionLocked(name, c, StateClosed)
			}
		}
		c.mu.Unlock()
		return
	}

	c.lastFailure = g.now()
	switch c.state {
	case StateClosed:
		c.failures++
		if c.failures >= g.settings.FailureThreshold {
			g.transitionLocked(name, c, StateOpen)
		}
	case StateHalfOpen:
		// A single failure during probing re-opens the circuit.
		g.transitionLocked(name, c, StateOpen)
	}
	c.mu.Unlock()
}

// transitionLocked changes state; c.mu must be held.
func (g *Group) transitionLocked(name string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	switch to {
	case StateOpen:
		c.openedAt = g.now()
		c.successes = 0
	case StateHalfOpen:
		c.successes = 0
	case StateClosed:
		c.failures = 0
		c.successes = 0
	}

	log.Warnf("Circuit %s: %s -> %s", name, from, to)
	if g.settings.OnStateChange != nil {
		// Run the hook off the circuit lock so it can call back into the group.
		go g.settings.OnStateChange(name, from, to)
	}
}

// StateOf returns the current state for a service. Services never called
// report closed.
func (g *Group) StateOf(name string) State {
	g.mu.RLock()
	c, ok := g.circuits[name]
	g.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset forces a circuit back to closed. Used by operators and tests.
func (g *Group) Reset(name string) {
	c := g.circuitFor(name)
	c.mu.Lock()
	g.transitionLocked(name, c, StateClosed)
	c.mu.Unlock()
}

// Metrics reports the state of every known circuit.
func (g *Group) Metrics() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]interface{}, len(g.circuits))
	for name, c := range g.circuits {
		c.mu.Lock()
		out[name] = map[string]interface{}{
			"state":        c.state.String(),
			"failures":     c.failures,
			"last_failure": c.lastFailure,
		}
		c.mu.Unlock()
	}
	return out
}

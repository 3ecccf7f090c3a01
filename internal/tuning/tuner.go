// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tuning

import (
	"context"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/modelpilot/modelpilot/internal/monitor"
)

// StatsProvider supplies sliding-window quality aggregates. The quality
// monitor implements it.
type StatsProvider interface {
	GetRealtimeStats(window time.Duration) (*monitor.Stats, error)
}

// Evaluator scores a parameter snapshot; higher is better. The default
// evaluator derives the reward from the monitor stats.
type Evaluator func(stats *monitor.Stats) float64

// Options configures the tuner.
type Options struct {
	Epsilon          float64       // exploration probability, default 0.15
	CycleInterval    time.Duration // default 1h
	WatchdogInterval time.Duration // default 5min
	StatsWindow      time.Duration // reward window, default 1h
	WatchdogWindow   time.Duration // anomaly window, default 15min

	AnomalyMinQuality   float64 // default 0.5
	AnomalyMaxErrorRate float64 // default 0.2
	AnomalyMaxLatencyMs float64 // default 10000

	Evaluator Evaluator
	// OnAdjust is called after every applied adjustment with the audit
	// record: why, and the full before/after snapshots.
	OnAdjust func(reason string, before, after Parameters)
}

type lastMove struct {
	param     string
	direction float64 // +1 or -1
}

// Tuner searches the parameter space with an epsilon-greedy strategy and
// corrects anomalies out-of-band.
type Tuner struct {
	store *Store
	stats StatsProvider
	opts  Options

	rng *rand.Rand

	// mu serializes tuning steps: the background loop and on-demand
	// RunTuningCycle calls share the reward state below.
	mu           sync.Mutex
	haveBaseline bool
	lastReward   float64
	lastChange   *lastMove

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewTuner creates a tuner over the given parameter store and stats source.
func NewTuner(store *Store, stats StatsProvider, opts Options) *Tuner {
	if opts.Epsilon <= 0 {
		opts.Epsilon = 0.15
	}
	if opts.CycleInterval <= 0 {
		opts.CycleInterval = time.Hour
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = 5 * time.Minute
	}
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = time.Hour
	}
	if opts.WatchdogWindow <= 0 {
		opts.WatchdogWindow = 15 * time.Minute
	}
	if opts.AnomalyMinQuality <= 0 {
		opts.AnomalyMinQuality = 0.5
	}
	if opts.AnomalyMaxErrorRate <= 0 {
		opts.AnomalyMaxErrorRate = 0.2
	}
	if opts.AnomalyMaxLatencyMs <= 0 {
		opts.AnomalyMaxLatencyMs = 10000
	}
	if opts.Evaluator == nil {
		opts.Evaluator = defaultEvaluator
	}
	return &Tuner{
		store: store,
		stats: stats,
		opts:  opts,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// defaultEvaluator rewards quality and punishes errors and latency.
func defaultEvaluator(stats *monitor.Stats) float64 {
	latencyPenalty := stats.AvgLatencyMs / 10000
	if latencyPenalty > 1 {
		latencyPenalty = 1
	}
	return stats.AvgQuality - 0.5*stats.ErrorRate - 0.2*latencyPenalty
}

// Start launches the tuning cycle and the anomaly watchdog.
func (t *Tuner) Start() {
	if t.started {
		return
	}
	t.started = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})

	go t.loop()
	log.Infof("Auto-tuner started (cycle %s, watchdog %s, epsilon %.2f)",
		t.opts.CycleInterval, t.opts.WatchdogInterval, t.opts.Epsilon)
}

// Stop halts both loops.
func (t *Tuner) Stop() {
	if !t.started {
		return
	}
	t.started = false
	close(t.stopCh)
	<-t.doneCh
	log.Info("Auto-tuner stopped")
}

func (t *Tuner) loop() {
	defer close(t.doneCh)

	cycle := time.NewTicker(t.opts.CycleInterval)
	defer cycle.Stop()
	watchdog := time.NewTicker(t.opts.WatchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-cycle.C:
			t.RunTuningCycle()
		case <-watchdog.C:
			t.runWatchdog()
		}
	}
}

// RunTuningCycle performs one epsilon-greedy tuning step. With probability
// epsilon it explores a random parameter move; otherwise it follows the
// finite-difference signal from the previous move: keep stepping while the
// reward improves, reverse when it degrades. The background loop invokes it
// every cycle interval; callers may also invoke it on demand.
func (t *Tuner) RunTuningCycle() {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats, err := t.stats.GetRealtimeStats(t.opts.StatsWindow)
	if err != nil {
		log.Warnf("Tuning cycle skipped, stats unavailable: %v", err)
		return
	}
	if stats.RequestCount == 0 {
		log.Debug("Tuning cycle skipped, no traffic in window")
		return
	}

	reward := t.opts.Evaluator(stats)

	var move lastMove
	switch {
	case !t.haveBaseline || t.lastChange == nil || t.rng.Float64() < t.opts.Epsilon:
		move = t.randomMove()
		log.Debugf("Tuning: exploring %s direction %+.0f (reward %.3f)", move.param, move.direction, reward)
	case reward >= t.lastReward:
		// The last move helped (or at least did not hurt): keep going.
		move = *t.lastChange
		log.Debugf("Tuning: continuing %s direction %+.0f (reward %.3f >= %.3f)",
			move.param, move.direction, reward, t.lastReward)
	default:
		// The last move hurt: step back the other way.
		move = lastMove{param: t.lastChange.param, direction: -t.lastChange.direction}
		log.Debugf("Tuning: reversing %s to direction %+.0f (reward %.3f < %.3f)",
			move.param, move.direction, reward, t.lastReward)
	}

	t.applyMove(move, "cycle")
	t.lastReward = reward
	t.haveBaseline = true
}

func (t *Tuner) randomMove() lastMove {
	param := parameterNames[t.rng.Intn(len(parameterNames))]
	direction := 1.0
	if t.rng.Float64() < 0.5 {
		direction = -1.0
	}
	return lastMove{param: param, direction: direction}
}

// applyMove steps one parameter by its range step and installs the new
// snapshot. Moves that would violate cross-parameter constraints are
// dropped.
func (t *Tuner) applyMove(move lastMove, reason string) {
	before := t.store.Current()
	r := parameterRanges[move.param]
	after := before.with(move.param, before.get(move.param)+move.direction*r.Step)

	if after == before {
		// Already pinned at the range edge.
		t.lastChange = &move
		return
	}
	if err := after.Validate(); err != nil {
		log.Debugf("Tuning: move on %s rejected: %v", move.param, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.store.Update(ctx, after); err != nil {
		log.Warnf("Tuning: failed to apply parameters: %v", err)
		return
	}
	t.lastChange = &move

	log.Infof("Tuning adjustment (%s): %s %.4g -> %.4g",
		reason, move.param, before.get(move.param), after.get(move.param))
	if t.opts.OnAdjust != nil {
		t.opts.OnAdjust(reason, before, after)
	}
}

// runWatchdog applies immediate bounded corrections when the short-window
// signals are anomalous, without waiting for the next tuning cycle.
func (t *Tuner) runWatchdog() {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats, err := t.stats.GetRealtimeStats(t.opts.WatchdogWindow)
	if err != nil {
		log.Warnf("Anomaly watchdog skipped, stats unavailable: %v", err)
		return
	}
	if stats.RequestCount == 0 {
		return
	}

	before := t.store.Current()
	after := before
	var reasons []string

	if stats.AvgQuality < t.opts.AnomalyMinQuality {
		// Push more traffic to stronger tiers.
		after = after.with("simple_moderate", after.SimpleModerate-5)
		after = after.with("moderate_complex", after.ModerateComplex-5)
		reasons = append(reasons, "low_quality")
	}
	if stats.ErrorRate > t.opts.AnomalyMaxErrorRate {
		// Back off harder against struggling providers.
		after = after.with("retry_base_delay_ms", after.RetryBaseDelayMs*1.5)
		after = after.with("retry_max_delay_ms", after.RetryMaxDelayMs*1.5)
		reasons = append(reasons, "high_error_rate")
	}
	if stats.AvgLatencyMs > t.opts.AnomalyMaxLatencyMs {
		// Keep more traffic on the fast tiers.
		after = after.with("simple_moderate", after.SimpleModerate+5)
		after = after.with("moderate_complex", after.ModerateComplex+5)
		reasons = append(reasons, "high_latency")
	}

	if len(reasons) == 0 || after == before {
		return
	}
	if err := after.Validate(); err != nil {
		log.Warnf("Anomaly correction rejected: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.store.Update(ctx, after); err != nil {
		log.Warnf("Anomaly correction failed to apply: %v", err)
		return
	}

	reason := "anomaly"
	for _, r := range reasons {
		reason += ":" + r
	}
	log.Warnf("Anomaly correction applied (%s): quality=%.2f errors=%.2f latency=%.0fms",
		reason, stats.AvgQuality, stats.ErrorRate, stats.AvgLatencyMs)
	if t.opts.OnAdjust != nil {
		t.opts.OnAdjust(reason, before, after)
	}
}

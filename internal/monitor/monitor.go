// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package monitor records routing quality metrics. Metrics buffer in memory
// and flush to the durable store every interval or when the buffer fills;
// threshold alerts fire with a cooldown so a bad stretch does not page on
// every request.
package monitor

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Metric type names.
const (
	MetricRequest        = "request"
	MetricQuality        = "quality"
	MetricLatencyMs      = "latency_ms"
	MetricError          = "error"
	MetricFallback       = "fallback"
	MetricCacheHit       = "cache_hit"
	MetricCacheMiss      = "cache_miss"
	MetricTierUsage      = "tier_usage"
	MetricTokens         = "tokens"
	MetricCostUSD        = "cost_usd"
	MetricRetryAttempt   = "retry_attempt"
	MetricRetryExhausted = "retry_exhausted"
)

// Alert describes a threshold violation over the evaluation window.
type Alert struct {
	Name    string
	Message string
	Value   float64
	Limit   float64
	At      time.Time
}

// Thresholds configures alerting. Zero values disable the corresponding
// alert.
type Thresholds struct {
	MinQuality   float64
	MaxErrorRate float64
	MaxLatencyMs float64
}

// Stats is a sliding-window aggregate computed from the durable store.
type Stats struct {
	Window       time.Duration
	RequestCount int
	AvgQuality   float64
	AvgLatencyMs float64
	ErrorRate    float64
	FallbackRate float64
	CacheHitRate float64
	TierUsage    map[string]int
	TotalCostUSD float64
	TotalTokens  int
}

// Options configures a Monitor.
type Options struct {
	FlushInterval time.Duration // default 10s
	BufferLimit   int           // default 100
	AlertCooldown time.Duration // default 5min
	AlertWindow   time.Duration // default 15min
	Thresholds    Thresholds
	// OnAlert is invoked outside the monitor lock for every alert that
	// clears the cooldown.
	OnAlert func(Alert)
}

// Monitor buffers metrics and evaluates alerts on flush.
type Monitor struct {
	store Store
	opts  Options

	mu        sync.Mutex
	buffer    []Metric
	lastAlert map[string]time.Time
	now       func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New creates a Monitor writing to store.
func New(store Store, opts Options) *Monitor {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	if opts.BufferLimit <= 0 {
		opts.BufferLimit = 100
	}
	if opts.AlertCooldown <= 0 {
		opts.AlertCooldown = 5 * time.Minute
	}
	if opts.AlertWindow <= 0 {
		opts.AlertWindow = 15 * time.Minute
	}
	return &Monitor{
		store:     store,
		opts:      opts,
		lastAlert: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Start launches the periodic flush loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.flushLoop()
	log.Info("Quality monitor started")
}

// Stop flushes outstanding metrics and stops the loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
	m.Flush()
	log.Info("Quality monitor stopped")
}

func (m *Monitor) flushLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Flush()
		}
	}
}

// Record buffers one metric, flushing if the buffer hit its limit.
func (m *Monitor) Record(metricType string, value float64, tags map[string]string) {
	m.mu.Lock()
	m.buffer = append(m.buffer, Metric{
		Type:  metricType,
		Value: value,
		Tags:  tags,
		At:    m.now(),
	})
	full := len(m.buffer) >= m.opts.BufferLimit
	m.mu.Unlock()

	if full {
		m.Flush()
	}
}

// Flush writes the buffer to the store and evaluates alerts. Store errors
// are logged; the metrics are dropped rather than blocking the router.
func (m *Monitor) Flush() {
	m.mu.Lock()
	if len(m.buffer) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.buffer
	m.buffer = nil
	m.mu.Unlock()

	if err := m.store.WriteBatch(batch); err != nil {
		log.Errorf("Failed to flush %d metrics: %v", len(batch), err)
		return
	}
	m.evaluateAlerts()
}

// BufferedCount reports metrics waiting for the next flush.
func (m *Monitor) BufferedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}

// GetRealtimeStats aggregates the durable store over the window.
func (m *Monitor) GetRealtimeStats(window time.Duration) (*Stats, error) {
	metrics, err := m.store.Query(m.now().Add(-window))
	if err != nil {
		return nil, err
	}
	return aggregate(metrics, window), nil
}

func aggregate(metrics []Metric, window time.Duration) *Stats {
	stats := &Stats{Window: window, TierUsage: make(map[string]int)}

	var qualitySum, latencySum float64
	var qualityN, latencyN, errorN, fallbackN, cacheHits, cacheMisses int

	for _, m := range metrics {
		switch m.Type {
		case MetricRequest:
			stats.RequestCount++
		case MetricQuality:
			qualitySum += m.Value
			qualityN++
		case MetricLatencyMs:
			latencySum += m.Value
			latencyN++
		case MetricError:
			errorN++
		case MetricFallback:
			fallbackN++
		case MetricCacheHit:
			cacheHits++
		case MetricCacheMiss:
			cacheMisses++
		case MetricTierUsage:
			if t, ok := m.Tags["tier"]; ok {
				stats.TierUsage[t]++
			}
		case MetricCostUSD:
			stats.TotalCostUSD += m.Value
		case MetricTokens:
			stats.TotalTokens += int(m.Value)
		}
	}

	if qualityN > 0 {
		stats.AvgQuality = qualitySum / float64(qualityN)
	}
	if latencyN > 0 {
		stats.AvgLatencyMs = latencySum / float64(latencyN)
	}
	if stats.RequestCount > 0 {
		stats.ErrorRate = float64(errorN) / float64(stats.RequestCount)
		stats.FallbackRate = float64(fallbackN) / float64(stats.RequestCount)
	}
	if cacheHits+cacheMisses > 0 {
		stats.CacheHitRate = float64(cacheHits) / float64(cacheHits+cacheMisses)
	}
	return stats
}

// evaluateAlerts checks window aggregates against the thresholds and fires
// callbacks for violations past their cooldown.
func (m *Monitor) evaluateAlerts() {
	t := m.opts.Thresholds
	if m.opts.OnAlert == nil || (t.MinQuality == 0 && t.MaxErrorRate == 0 && t.MaxLatencyMs == 0) {
		return
	}

	stats, err := m.GetRealtimeStats(m.opts.AlertWindow)
	if err != nil {
		log.Warnf("Alert evaluation skipped, stats unavailable: %v", err)
		return
	}
	if stats.RequestCount == 0 {
		return
	}

	now := m.now()
	var alerts []Alert
	if t.MinQuality > 0 && stats.AvgQuality < t.MinQuality {
		alerts = append(alerts, Alert{
			Name:    "quality_below_threshold",
			Message: "average response quality below threshold",
			Value:   stats.AvgQuality,
			Limit:   t.MinQuality,
			At:      now,
		})
	}
	if t.MaxErrorRate > 0 && stats.ErrorRate > t.MaxErrorRate {
		alerts = append(alerts, Alert{
			Name:    "error_rate_above_threshold",
			Message: "error rate above threshold",
			Value:   stats.ErrorRate,
			Limit:   t.MaxErrorRate,
			At:      now,
		})
	}
	if t.MaxLatencyMs > 0 && stats.AvgLatencyMs > t.MaxLatencyMs {
		alerts = append(alerts, Alert{
			Name:    "latency_above_threshold",
			Message: "average latency above threshold",
			Value:   stats.AvgLatencyMs,
			Limit:   t.MaxLatencyMs,
			At:      now,
		})
	}

	for _, alert := range alerts {
		m.mu.Lock()
		last, seen := m.lastAlert[alert.Name]
		if seen && now.Sub(last) < m.opts.AlertCooldown {
			m.mu.Unlock()
			continue
		}
		m.lastAlert[alert.Name] = now
		m.mu.Unlock()

		log.Warnf("Alert %s: %s (%.3f vs limit %.3f)", alert.Name, alert.Message, alert.Value, alert.Limit)
		m.opts.OnAlert(alert)
	}
}

// RetryAttempt implements the retry telemetry sink.
func (m *Monitor) RetryAttempt(op string, attempt int, _ time.Duration) {
	m.Record(MetricRetryAttempt, float64(attempt), map[string]string{"op": op})
}

// RetryExhausted implements the retry telemetry sink.
func (m *Monitor) RetryExhausted(op string, attempts int) {
	m.Record(MetricRetryExhausted, float64(attempts), map[string]string{"op": op})
}

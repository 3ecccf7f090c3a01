// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tuning adjusts routing parameters from observed quality. The
// tuner runs an epsilon-greedy search over a bounded parameter space, while
// an independent watchdog applies immediate bounded corrections when the
// quality signals turn anomalous. Parameter snapshots are updated
// atomically: a reader always sees one complete, consistent set.
package tuning

import "fmt"

// Parameters is the full tunable snapshot. All routing components read
// their knobs from one of these, never from partial state.
type Parameters struct {
	// QualityThreshold is the confidence floor for cache admission.
	QualityThreshold float64 `json:"quality_threshold"`
	// SimpleModerate and ModerateComplex are the complexity level
	// boundaries on the [0,100] score.
	SimpleModerate  float64 `json:"simple_moderate"`
	ModerateComplex float64 `json:"moderate_complex"`
	// CacheTTLHours is the semantic cache entry lifetime.
	CacheTTLHours float64 `json:"cache_ttl_hours"`
	// RetryBaseDelayMs and RetryMaxDelayMs shape provider retry backoff.
	RetryBaseDelayMs float64 `json:"retry_base_delay_ms"`
	RetryMaxDelayMs  float64 `json:"retry_max_delay_ms"`
}

// DefaultParameters is the untuned starting point.
func DefaultParameters() Parameters {
	return Parameters{
		QualityThreshold: 0.7,
		SimpleModerate:   30,
		ModerateComplex:  70,
		CacheTTLHours:    24,
		RetryBaseDelayMs: 1000,
		RetryMaxDelayMs:  30000,
	}
}

// Range bounds one parameter's search space.
type Range struct {
	Min  float64
	Max  float64
	Step float64
}

// parameterRanges define the legal search space per parameter. The tuner
// and the watchdog both clamp into these.
var parameterRanges = map[string]Range{
	"quality_threshold":   {Min: 0.5, Max: 0.9, Step: 0.02},
	"simple_moderate":     {Min: 10, Max: 50, Step: 2},
	"moderate_complex":    {Min: 50, Max: 90, Step: 2},
	"cache_ttl_hours":     {Min: 1, Max: 72, Step: 2},
	"retry_base_delay_ms": {Min: 250, Max: 5000, Step: 250},
	"retry_max_delay_ms":  {Min: 5000, Max: 60000, Step: 2500},
}

// parameterNames in a fixed order so exploration is reproducible under a
// seeded source.
var parameterNames = []string{
	"quality_threshold",
	"simple_moderate",
	"moderate_complex",
	"cache_ttl_hours",
	"retry_base_delay_ms",
	"retry_max_delay_ms",
}

func (p Parameters) get(name string) float64 {
	switch name {
	case "quality_threshold":
		return p.QualityThreshold
	case "simple_moderate":
		return p.SimpleModerate
	case "moderate_complex":
		return p.ModerateComplex
	case "cache_ttl_hours":
		return p.CacheTTLHours
	case "retry_base_delay_ms":
		return p.RetryBaseDelayMs
	case "retry_max_delay_ms":
		return p.RetryMaxDelayMs
	}
	return 0
}

func (p Parameters) with(name string, value float64) Parameters {
	r, ok := parameterRanges[name]
	if ok {
		if value < r.Min {
			value = r.Min
		}
		if value > r.Max {
			value = r.Max
		}
	}
	switch name {
	case "quality_threshold":
		p.QualityThreshold = value
	case "simple_moderate":
		p.SimpleModerate = value
	case "moderate_complex":
		p.ModerateComplex = value
	case "cache_ttl_hours":
		p.CacheTTLHours = value
	case "retry_base_delay_ms":
		p.RetryBaseDelayMs = value
	case "retry_max_delay_ms":
		p.RetryMaxDelayMs = value
	}
	return p
}

// Validate checks internal consistency on top of the per-parameter ranges.
func (p Parameters) Validate() error {
	for _, name := range parameterNames {
		r := parameterRanges[name]
		v := p.get(name)
		if v < r.Min || v > r.Max {
			return fmt.Errorf("tuning: %s=%v outside [%v, %v]", name, v, r.Min, r.Max)
		}
	}
	if p.SimpleModerate >= p.ModerateComplex {
		return fmt.Errorf("tuning: simple_moderate %v must stay below moderate_complex %v",
			p.SimpleModerate, p.ModerateComplex)
	}
	if p.RetryBaseDelayMs > p.RetryMaxDelayMs {
		return fmt.Errorf("tuning: retry base delay %v above max delay %v",
			p.RetryBaseDelayMs, p.RetryMaxDelayMs)
	}
	return nil
}

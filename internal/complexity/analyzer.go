// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package complexity scores analysis requests and recommends a starting
// model tier. Analyze is a pure function of its inputs: the same query,
// request context, and boundaries always produce the same result, which
// keeps routing decisions reproducible and testable.
package complexity

import (
	"regexp"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

// Level buckets the numeric score.
type Level string

const (
	LevelSimple   Level = "simple"
	LevelModerate Level = "moderate"
	LevelComplex  Level = "complex"
)

// Sub-score weights. They sum to 1.0 so the total stays in [0,100].
const (
	weightLinguistic    = 0.30
	weightDomain        = 0.30
	weightComputational = 0.25
	weightContext       = 0.15
)

// Boundaries are the tunable level cut points on the [0,100] score.
type Boundaries struct {
	SimpleModerate  float64
	ModerateComplex float64
}

// DefaultBoundaries are the untuned cut points.
func DefaultBoundaries() Boundaries {
	return Boundaries{SimpleModerate: 30, ModerateComplex: 70}
}

// Context carries the request metadata that feeds the context sub-score and
// the tier adjustments.
type Context struct {
	HasAttachment     bool
	ConversationTurns int
	PriorFailures     int
	Priority          string // "high" and "urgent" raise the score
	UserLevel         string // "expert" raises the score
	ForcedTier        int    // 1..3 overrides the recommendation, 0 means none
	CostMode          bool   // prefer cheaper tiers
	QualityMode       bool   // prefer stronger tiers
}

// Result is the full scoring outcome.
type Result struct {
	Score           float64            // [0,100]
	Normalized      float64            // Score/100, used by the direct-mode check
	Level           Level
	RecommendedTier int
	Subscores       map[string]float64
}

// Connector phrases that signal multi-part requests.
var connectorPhrases = []string{
	"and then", "after that", "as well as", "in addition",
	"followed by", "however", "on top of that", "furthermore",
}

// Spreadsheet-domain keyword weights. Error codes weigh heaviest: a request
// quoting a concrete error is almost always a real diagnostic task. The
// codes are listed without trailing punctuation so "#REF", "#REF!", and
// "#REF error" all score the same.
var domainKeywords = map[string]float64{
	"#ref":    20, "#value": 20, "#div/0": 20, "#n/a": 20,
	"#name":   20, "#num": 20, "#spill": 20,
	"vlookup": 15, "hlookup": 15, "xlookup": 15, "index match": 15,
	"pivot table": 15, "macro": 15, "vba": 15, "array formula": 15,
	"power query": 15, "circular reference": 15, "solver": 15,
	"regression": 15, "what-if": 15,
	"formula": 8, "nested if": 8, "conditional formatting": 8,
	"sumifs": 8, "countifs": 8, "lookup": 8, "chart": 8,
	"consolidate": 8, "named range": 8, "data validation": 8,
	"error": 8, "crash": 8, "corrupt": 8,
}

// Computational-effort markers: multi-step work, nesting, debugging.
var effortMarkers = []string{
	"step by step", "multi-step", "across multiple", "all sheets",
	"nested", "debug", "trace", "audit", "reconcile", "rebuild",
	"simulate", "optimize", "every row",
}

// fileSizePattern matches explicit workbook sizes ("50MB file", "1.2 GB").
// Named sizes mean bulk data the model has to reason about.
var fileSizePattern = regexp.MustCompile(`\b\d+(\.\d+)?\s*[kmg]b\b`)

var (
	tokenCodecOnce sync.Once
	tokenCodec     tokenizer.Codec
)

// countTokens estimates model token usage for the query. The cl100k codec is
// loaded once; if it is unavailable the estimate falls back to a words*4/3
// approximation so Analyze stays total.
func countTokens(text string) int {
	tokenCodecOnce.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warnf("Token codec unavailable, using word-count estimate: %v", err)
			return
		}
		tokenCodec = codec
	})

	if tokenCodec != nil {
		if n, err := tokenCodec.Count(text); err == nil {
			return n
		}
	}
	return len(strings.Fields(text)) * 4 / 3
}

// Analyze scores a query and recommends a starting tier.
//
// Parameters:
//   - query: The raw analysis request text
//   - reqCtx: Request metadata (attachment, history, overrides)
//   - bounds: The tunable level boundaries
//
// Returns:
//   - Result: Score, level, tier recommendation, and per-dimension sub-scores
func Analyze(query string, reqCtx Context, bounds Boundaries) Result {
	lower := strings.ToLower(query)

	linguistic := linguisticScore(lower)
	domain := domainScore(lower)
	computational := computationalScore(lower)
	contextual := contextScore(reqCtx)

	score := weightLinguistic*linguistic +
		weightDomain*domain +
		weightComputational*computational +
		weightContext*contextual
	score = clamp(score, 0, 100)

	level := levelFor(score, bounds)
	tier := recommendTier(level, reqCtx)

	log.Debugf("Complexity score %.1f (%s) -> tier %d [ling=%.0f dom=%.0f comp=%.0f ctx=%.0f]",
		score, level, tier, linguistic, domain, computational, contextual)

	return Result{
		Score:           score,
		Normalized:      score / 100,
		Level:           level,
		RecommendedTier: tier,
		Subscores: map[string]float64{
			"linguistic":    linguistic,
			"domain":        domain,
			"computational": computational,
			"context":       contextual,
		},
	}
}

// linguisticScore measures structural complexity of the request text.
func linguisticScore(lower string) float64 {
	words := len(strings.Fields(lower))

	var score float64
	switch {
	case words < 8:
		score = 10
	case words < 20:
		score = 30
	case words < 50:
		score = 55
	case words < 100:
		score = 75
	default:
		score = 90
	}

	connectors := 0
	for _, phrase := range connectorPhrases {
		connectors += strings.Count(lower, phrase)
	}
	if connectors > 3 {
		connectors = 3
	}
	score += float64(connectors) * 8

	if strings.Count(lower, "?") > 1 {
		score += 10
	}

	return clamp(score, 0, 100)
}

// domainScore sums keyword weights for spreadsheet-domain terms.
func domainScore(lower string) float64 {
	var score float64
	for keyword, weight := range domainKeywords {
		if strings.Contains(lower, keyword) {
			score += weight
		}
	}
	return clamp(score, 0, 100)
}

// computationalScore combines token volume with effort markers.
func computationalScore(lower string) float64 {
	tokens := countTokens(lower)

	var score float64
	switch {
	case tokens < 50:
		score = 10
	case tokens < 200:
		score = 30
	case tokens < 500:
		score = 55
	case tokens < 1000:
		score = 75
	default:
		score = 90
	}

	markers := 0
	for _, m := range effortMarkers {
		if strings.Contains(lower, m) {
			markers++
		}
	}
	if markers > 3 {
		markers = 3
	}
	score += float64(markers) * 10

	if fileSizePattern.MatchString(lower) {
		score += 15
	}

	return clamp(score, 0, 100)
}

// contextScore weighs request metadata: attachments, failure history,
// priority, and conversation depth.
func contextScore(reqCtx Context) float64 {
	var score float64

	if reqCtx.HasAttachment {
		score += 30
	}

	failurePoints := float64(reqCtx.PriorFailures) * 15
	if failurePoints > 30 {
		failurePoints = 30
	}
	score += failurePoints

	switch strings.ToLower(reqCtx.Priority) {
	case "high", "urgent":
		score += 15
	}

	if strings.EqualFold(reqCtx.UserLevel, "expert") {
		score += 10
	}

	switch {
	case reqCtx.ConversationTurns > 5:
		score += 15
	case reqCtx.ConversationTurns > 2:
		score += 10
	}

	return clamp(score, 0, 100)
}

// levelFor buckets the score. Both boundaries belong to the lower level,
// so the default cut points give simple [0,30], moderate (30,70], and
// complex (70,100].
func levelFor(score float64, bounds Boundaries) Level {
	switch {
	case score <= bounds.SimpleModerate:
		return LevelSimple
	case score <= bounds.ModerateComplex:
		return LevelModerate
	default:
		return LevelComplex
	}
}

// recommendTier maps the level to a tier and applies the request overrides.
// A forced tier wins outright; otherwise quality mode bumps up, cost mode
// bumps down, and an attachment never starts on the bottom tier.
func recommendTier(level Level, reqCtx Context) int {
	if reqCtx.ForcedTier >= 1 && reqCtx.ForcedTier <= 3 {
		return reqCtx.ForcedTier
	}

	tier := 1
	switch level {
	case LevelModerate:
		tier = 2
	case LevelComplex:
		tier = 3
	}

	if reqCtx.QualityMode {
		tier++
	}
	if reqCtx.CostMode {
		tier--
	}
	if reqCtx.HasAttachment && tier < 2 {
		tier = 2
	}

	if tier < 1 {
		tier = 1
	}
	if tier > 3 {
		tier = 3
	}
	return tier
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

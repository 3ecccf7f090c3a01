// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"regexp"
	"strings"
)

// Signal is one detected quality problem in a provider response.
type Signal struct {
	Type     string
	Severity float64
}

const (
	signalTooShort       = "too_short"
	signalRefusal        = "refusal"
	signalTruncated      = "truncated"
	signalAbruptEnding   = "abrupt_ending"
	signalIncompleteCode = "incomplete_code"
	signalRepetitive     = "repetitive"
)

var (
	refusalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^I (?:cannot|can't|am unable to|won't|will not)`),
		regexp.MustCompile(`(?i)^(?:Sorry|I'm sorry|I apologize),? (?:but )?I (?:cannot|can't)`),
		regexp.MustCompile(`(?i)^I'm not able to`),
	}
	truncationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\[(?:truncated|cut off|continued)\]`),
		regexp.MustCompile(`(?i)(?:output|response) (?:truncated|limit)`),
		regexp.MustCompile(`(?i)(?:maximum|max) (?:length|tokens?) (?:reached|exceeded)`),
	}
	abruptEndingPattern = regexp.MustCompile(
		`(?i)(?:\.\.\.|\b(?:and|but|or|so|then|the|a|an|to|for|with|is|are|was|will|would|should))\s*$`)
	codeFencePattern = regexp.MustCompile("```")
)

const minSubstantialLength = 50

// DetectSignals scans a response for quality problems.
func DetectSignals(text string) []Signal {
	trimmed := strings.TrimSpace(text)
	var signals []Signal

	if len(trimmed) < minSubstantialLength {
		signals = append(signals, Signal{Type: signalTooShort, Severity: 0.8})
	}
	for _, p := range refusalPatterns {
		if p.MatchString(trimmed) {
			signals = append(signals, Signal{Type: signalRefusal, Severity: 0.9})
			break
		}
	}
	for _, p := range truncationPatterns {
		if p.MatchString(trimmed) {
			signals = append(signals, Signal{Type: signalTruncated, Severity: 0.85})
			break
		}
	}
	if len(trimmed) >= minSubstantialLength && abruptEndingPattern.MatchString(tail(trimmed, 100)) {
		signals = append(signals, Signal{Type: signalAbruptEnding, Severity: 0.7})
	}
	// An odd number of code fences means an unclosed block.
	if len(codeFencePattern.FindAllStringIndex(trimmed, -1))%2 != 0 {
		signals = append(signals, Signal{Type: signalIncompleteCode, Severity: 0.8})
	}
	if hasRepetition(trimmed) {
		signals = append(signals, Signal{Type: signalRepetitive, Severity: 0.6})
	}

	return signals
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// hasRepetition reports whether any substantial sentence appears three or
// more times.
func hasRepetition(text string) bool {
	sentences := strings.Split(text, ".")
	if len(sentences) < 6 {
		return false
	}
	counts := make(map[string]int)
	for _, s := range sentences {
		normalized := strings.TrimSpace(strings.ToLower(s))
		if len(normalized) > 20 {
			counts[normalized]++
			if counts[normalized] >= 3 {
				return true
			}
		}
	}
	return false
}

// EstimateConfidence derives a confidence score for a response. When the
// provider reported its own confidence that value wins; otherwise the score
// is 1.0 minus the capped sum of detected signal severities.
func EstimateConfidence(text string, providerConfidence float64) float64 {
	if providerConfidence > 0 {
		return providerConfidence
	}

	penalty := 0.0
	for _, s := range DetectSignals(text) {
		penalty += s.Severity
	}
	if penalty > 1.0 {
		penalty = 1.0
	}
	return 1.0 - penalty
}

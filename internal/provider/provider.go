// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package provider defines the model-provider client surface and a generic
// HTTP implementation. Response shapes differ per provider, so the HTTP
// client extracts fields through configurable gjson paths instead of typed
// response structs.
package provider

import (
	"errors"
	"fmt"
)

// Request is a single analysis call to a provider.
type Request struct {
	RequestID  string
	Query      string
	Attachment []byte // raw attachment bytes, nil when absent
	MimeType   string
}

// Result is a provider's answer.
type Result struct {
	Text       string
	TokensUsed int
	// Confidence is the provider-reported confidence in [0,1], or 0 when the
	// provider does not report one.
	Confidence float64
	Model      string
	Provider   string
}

// Error is a typed provider failure carrying enough detail for the retry
// classifier.
type Error struct {
	Provider   string
	StatusCode int // 0 for transport-level failures
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable reports whether this failure is worth retrying: timeouts, rate
// limits, server errors, and transport failures are; other client errors
// are terminal.
func (e *Error) Retriable() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == 408 || e.StatusCode == 429 || e.StatusCode >= 500
}

// IsRetriable classifies any error for the retry executor. Unknown error
// types are treated as non-retriable.
func IsRetriable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retriable()
	}
	return false
}

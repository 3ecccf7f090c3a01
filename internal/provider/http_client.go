// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Client is the surface the router and tier registry work against.
type Client interface {
	Name() string
	Model() string
	CostPer1KTokens() float64
	Analyze(ctx context.Context, req Request) (*Result, error)
}

// HTTPConfig describes one provider endpoint. The *Path fields are gjson
// paths into the provider's response JSON.
type HTTPConfig struct {
	Name    string
	BaseURL string
	Path    string // request path, default /v1/analyze
	Model   string
	APIKey  string

	TextPath       string // default "output.text"
	TokensPath     string // default "usage.total_tokens"
	ConfidencePath string // optional; empty means the provider reports none

	TextTimeout       time.Duration // default 30s
	MultimodalTimeout time.Duration // default 120s

	CostPer1K float64
}

// HTTPClient calls a provider over HTTP. Request payloads are assembled with
// sjson and responses read with gjson, so one client type covers providers
// with different JSON shapes.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPClient creates a client for one provider endpoint.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Path == "" {
		cfg.Path = "/v1/analyze"
	}
	if cfg.TextPath == "" {
		cfg.TextPath = "output.text"
	}
	if cfg.TokensPath == "" {
		cfg.TokensPath = "usage.total_tokens"
	}
	if cfg.TextTimeout <= 0 {
		cfg.TextTimeout = 30 * time.Second
	}
	if cfg.MultimodalTimeout <= 0 {
		cfg.MultimodalTimeout = 120 * time.Second
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &HTTPClient{
		cfg: cfg,
		// The outer timeout is per-request via context; keep the transport
		// timeout generous so multimodal calls are not cut short.
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *HTTPClient) Name() string  { return c.cfg.Name }
func (c *HTTPClient) Model() string { return c.cfg.Model }

func (c *HTTPClient) CostPer1KTokens() float64 { return c.cfg.CostPer1K }

// Analyze sends the request and extracts the result fields. Multimodal
// requests (attachment present) get the longer timeout. A per-call timeout
// surfaces as a retriable provider error; caller cancellation passes
// through untouched.
func (c *HTTPClient) Analyze(ctx context.Context, req Request) (*Result, error) {
	timeout := c.cfg.TextTimeout
	if len(req.Attachment) > 0 {
		timeout = c.cfg.MultimodalTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, &Error{Provider: c.cfg.Name, Message: "failed to build payload", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL+c.cfg.Path, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: c.cfg.Name, Message: "failed to create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// The caller gave up: pass its context error through untouched so
		// deadline handling upstream sees it.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Only the per-call deadline expired. That is a slow provider, not
		// a cancelled request, so report it as a retriable failure. The
		// context error is deliberately not wrapped: retry policies treat
		// context errors as terminal.
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &Error{
				Provider: c.cfg.Name,
				Message:  fmt.Sprintf("timed out after %s", timeout),
			}
		}
		return nil, &Error{Provider: c.cfg.Name, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &Error{Provider: c.cfg.Name, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
			if len(msg) > 200 {
				msg = msg[:200]
			}
		}
		return nil, &Error{Provider: c.cfg.Name, StatusCode: resp.StatusCode, Message: msg}
	}

	return c.parseResult(body)
}

// buildPayload assembles the provider request JSON.
func (c *HTTPClient) buildPayload(req Request) ([]byte, error) {
	payload := []byte(`{}`)
	var err error

	if payload, err = sjson.SetBytes(payload, "model", c.cfg.Model); err != nil {
		return nil, err
	}
	if payload, err = sjson.SetBytes(payload, "input", req.Query); err != nil {
		return nil, err
	}
	if req.RequestID != "" {
		if payload, err = sjson.SetBytes(payload, "metadata.request_id", req.RequestID); err != nil {
			return nil, err
		}
	}
	if len(req.Attachment) > 0 {
		encoded := base64.StdEncoding.EncodeToString(req.Attachment)
		if payload, err = sjson.SetBytes(payload, "attachment.data", encoded); err != nil {
			return nil, err
		}
		mime := req.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		if payload, err = sjson.SetBytes(payload, "attachment.mime_type", mime); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// parseResult extracts result fields through the configured gjson paths.
func (c *HTTPClient) parseResult(body []byte) (*Result, error) {
	text := gjson.GetBytes(body, c.cfg.TextPath)
	if !text.Exists() {
		return nil, &Error{
			Provider: c.cfg.Name,
			Message:  "response missing text at path " + c.cfg.TextPath,
		}
	}

	result := &Result{
		Text:       text.String(),
		TokensUsed: int(gjson.GetBytes(body, c.cfg.TokensPath).Int()),
		Model:      c.cfg.Model,
		Provider:   c.cfg.Name,
	}
	if c.cfg.ConfidencePath != "" {
		result.Confidence = gjson.GetBytes(body, c.cfg.ConfidencePath).Float()
	}

	log.Debugf("Provider %s returned %d tokens (confidence %.2f)",
		c.cfg.Name, result.TokensUsed, result.Confidence)
	return result, nil
}

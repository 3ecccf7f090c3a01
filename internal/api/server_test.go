// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelpilot/modelpilot/internal/breaker"
	"github.com/modelpilot/modelpilot/internal/provider"
	"github.com/modelpilot/modelpilot/internal/router"
	"github.com/modelpilot/modelpilot/internal/tier"
	"github.com/modelpilot/modelpilot/internal/tuning"
)

type stubProvider struct {
	result *provider.Result
	err    error
}

func (s *stubProvider) Name() string             { return "stub" }
func (s *stubProvider) Model() string            { return "stub-model" }
func (s *stubProvider) CostPer1KTokens() float64 { return 0.1 }

func (s *stubProvider) Analyze(context.Context, provider.Request) (*provider.Result, error) {
	return s.result, s.err
}

func newTestServer(t *testing.T, p provider.Client, mutate func(*Options)) *Server {
	t.Helper()

	registry := tier.NewRegistry()
	require.NoError(t, registry.Register(tier.Tier1, p, 0.85))
	r, err := router.New(router.Config{
		Registry: registry,
		Breakers: breaker.NewGroup(breaker.Settings{}),
	})
	require.NoError(t, err)

	opts := Options{Router: r}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewServer(opts)
	require.NoError(t, err)
	return s
}

func postAnalyze(t *testing.T, s *Server, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAnalyze_Success(t *testing.T) {
	s := newTestServer(t, &stubProvider{
		result: &provider.Result{Text: "use SUMIFS across the quarters", Confidence: 0.93, TokensUsed: 120},
	}, nil)

	rec := postAnalyze(t, s, AnalyzeRequest{Query: "How do I total each quarter across twelve sheets?"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result router.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "use SUMIFS across the quarters", result.Text)
	assert.Equal(t, "cascaded_tier1", result.RoutingMethod)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAnalyze_MissingQuery(t *testing.T) {
	s := newTestServer(t, &stubProvider{result: &provider.Result{Text: "x", Confidence: 0.9}}, nil)

	rec := postAnalyze(t, s, map[string]string{"user_id": "u1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyze_InvalidAttachment(t *testing.T) {
	s := newTestServer(t, &stubProvider{result: &provider.Result{Text: "x", Confidence: 0.9}}, nil)

	rec := postAnalyze(t, s, AnalyzeRequest{
		Query:      "Why is the pivot table empty after refresh?",
		Attachment: "not-base64!!!",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyze_AllTiersFailedReturns503WithDegradedBody(t *testing.T) {
	s := newTestServer(t, &stubProvider{
		err: &provider.Error{Provider: "stub", StatusCode: 400, Message: "rejected"},
	}, nil)

	rec := postAnalyze(t, s, AnalyzeRequest{Query: "Why is the pivot table empty after refresh?"}, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var result router.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Degraded)
	assert.NotEmpty(t, result.Text)
}

func TestAnalyze_AuthRequired(t *testing.T) {
	s := newTestServer(t, &stubProvider{result: &provider.Result{Text: "ok", Confidence: 0.9}},
		func(o *Options) {
			o.CheckAPIKey = func(key string) bool { return key == "sk-good" }
		})

	body := AnalyzeRequest{Query: "Why is the pivot table empty after refresh?"}

	rec := postAnalyze(t, s, body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postAnalyze(t, s, body, map[string]string{"X-API-Key": "sk-bad"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postAnalyze(t, s, body, map[string]string{"X-API-Key": "sk-good"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postAnalyze(t, s, body, map[string]string{"Authorization": "Bearer sk-good"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthz_Open(t *testing.T) {
	s := newTestServer(t, &stubProvider{result: &provider.Result{Text: "ok", Confidence: 0.9}},
		func(o *Options) {
			o.CheckAPIKey = func(string) bool { return false }
		})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	// Health stays reachable without credentials for load balancer probes.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestStats(t *testing.T) {
	breakers := breaker.NewGroup(breaker.Settings{})
	s := newTestServer(t, &stubProvider{result: &provider.Result{Text: "ok", Confidence: 0.9}},
		func(o *Options) { o.Breakers = breakers })

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Contains(t, out, "breakers")
}

func TestStats_InvalidWindow(t *testing.T) {
	s := newTestServer(t, &stubProvider{result: &provider.Result{Text: "ok", Confidence: 0.9}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats?window=banana", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParams(t *testing.T) {
	s := newTestServer(t, &stubProvider{result: &provider.Result{Text: "ok", Confidence: 0.9}},
		func(o *Options) { o.Params = tuning.NewStore(nil) })

	req := httptest.NewRequest(http.MethodGet, "/v1/params", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var params tuning.Parameters
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &params))
	assert.Equal(t, tuning.DefaultParameters(), params)
}

func TestParams_DisabledWithoutStore(t *testing.T) {
	s := newTestServer(t, &stubProvider{result: &provider.Result{Text: "ok", Confidence: 0.9}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/params", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

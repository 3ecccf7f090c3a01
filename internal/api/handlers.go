// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/modelpilot/modelpilot/internal/router"
)

// AnalyzeRequest is the /v1/analyze request body.
type AnalyzeRequest struct {
	Query    string `json:"query" binding:"required"`
	UserID   string `json:"user_id"`
	UserPlan string `json:"user_plan"`

	// Attachment is base64-encoded binary data, typically a workbook.
	Attachment string `json:"attachment,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`

	Context           map[string]string `json:"context,omitempty"`
	Priority          string            `json:"priority,omitempty"`
	ConversationTurns int               `json:"conversation_turns,omitempty"`
	PriorFailures     int               `json:"prior_failures,omitempty"`
	BypassCache       bool              `json:"bypass_cache,omitempty"`

	// TimeoutMs overrides the server's request timeout, capped by it.
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

func (s *Server) handleAnalyze(c *gin.Context) {
	var body AnalyzeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	var attachment []byte
	if body.Attachment != "" {
		decoded, err := base64.StdEncoding.DecodeString(body.Attachment)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "attachment is not valid base64"})
			return
		}
		attachment = decoded
	}

	timeout := s.opts.RequestTimeout
	if body.TimeoutMs > 0 {
		requested := time.Duration(body.TimeoutMs) * time.Millisecond
		if requested < timeout {
			timeout = requested
		}
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	result, err := s.opts.Router.Route(ctx, router.Request{
		RequestID:         c.GetString(requestIDKey),
		UserID:            body.UserID,
		UserPlan:          body.UserPlan,
		Query:             body.Query,
		Attachment:        attachment,
		MimeType:          body.MimeType,
		Context:           body.Context,
		Priority:          body.Priority,
		ConversationTurns: body.ConversationTurns,
		PriorFailures:     body.PriorFailures,
		BypassCache:       body.BypassCache,
	})

	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, router.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, router.ErrAllTiersFailed):
		// The degraded payload is still useful to the client.
		c.JSON(http.StatusServiceUnavailable, result)
	default:
		log.Errorf("Analyze failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) handleStats(c *gin.Context) {
	window := time.Hour
	if raw := c.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window duration"})
			return
		}
		window = parsed
	}

	out := gin.H{}
	if s.opts.Monitor != nil {
		stats, err := s.opts.Monitor.GetRealtimeStats(window)
		if err != nil {
			log.Errorf("Stats query failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
			return
		}
		out["quality"] = stats
	}
	if s.opts.Cache != nil {
		out["cache"] = s.opts.Cache.GetMetricsAsMap()
	}
	if s.opts.Breakers != nil {
		out["breakers"] = s.opts.Breakers.Metrics()
	}

	c.JSON(http.StatusOK, out)
}

func (s *Server) handleParams(c *gin.Context) {
	if s.opts.Params == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tuning disabled"})
		return
	}
	c.JSON(http.StatusOK, s.opts.Params.Current())
}

// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the HTTP surface of the ModelPilot server: the
// analysis endpoint, operational stats, and health checks.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/modelpilot/modelpilot/internal/breaker"
	"github.com/modelpilot/modelpilot/internal/buildinfo"
	"github.com/modelpilot/modelpilot/internal/monitor"
	"github.com/modelpilot/modelpilot/internal/router"
	"github.com/modelpilot/modelpilot/internal/tuning"
)

// CacheMetrics is the cache stats surface the API exposes.
type CacheMetrics interface {
	GetMetricsAsMap() map[string]interface{}
}

// Options wires a Server.
type Options struct {
	Router   *router.Router
	Monitor  *monitor.Monitor // optional
	Cache    CacheMetrics     // optional
	Breakers *breaker.Group   // optional
	Params   *tuning.Store    // optional

	// CheckAPIKey authenticates inbound requests. When nil the API is open.
	CheckAPIKey func(key string) bool

	// RequestTimeout bounds one analysis request end to end. Default 120s.
	RequestTimeout time.Duration
}

// Server is the HTTP front end.
type Server struct {
	opts   Options
	engine *gin.Engine
	srv    *http.Server
}

// NewServer builds the gin engine and routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Router == nil {
		return nil, fmt.Errorf("api: router is required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 120 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware())

	s := &Server{opts: opts, engine: engine}

	engine.GET("/healthz", s.handleHealth)

	v1 := engine.Group("/v1")
	if opts.CheckAPIKey != nil {
		v1.Use(apiKeyMiddleware(opts.CheckAPIKey))
	}
	v1.POST("/analyze", s.handleAnalyze)
	v1.GET("/stats", s.handleStats)
	v1.GET("/params", s.handleParams)

	return s, nil
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on addr. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("API server listening on %s", addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": buildinfo.Version,
	})
}

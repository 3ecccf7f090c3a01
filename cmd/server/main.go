// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the ModelPilot server. The
// server routes analysis requests across a ladder of AI model tiers with
// semantic caching, circuit breaking, quality monitoring, and automatic
// parameter tuning.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/modelpilot/modelpilot/internal/api"
	"github.com/modelpilot/modelpilot/internal/breaker"
	"github.com/modelpilot/modelpilot/internal/buildinfo"
	"github.com/modelpilot/modelpilot/internal/cache"
	"github.com/modelpilot/modelpilot/internal/config"
	"github.com/modelpilot/modelpilot/internal/embedding"
	"github.com/modelpilot/modelpilot/internal/entitlement"
	"github.com/modelpilot/modelpilot/internal/events"
	"github.com/modelpilot/modelpilot/internal/logging"
	"github.com/modelpilot/modelpilot/internal/monitor"
	"github.com/modelpilot/modelpilot/internal/policy"
	"github.com/modelpilot/modelpilot/internal/provider"
	"github.com/modelpilot/modelpilot/internal/router"
	"github.com/modelpilot/modelpilot/internal/statestore"
	"github.com/modelpilot/modelpilot/internal/tier"
	"github.com/modelpilot/modelpilot/internal/tuning"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "modelpilot.yaml", "Configuration file path")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("modelpilot %s (commit %s, built %s)\n",
			buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	// Load environment variables from .env if present.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to load .env file")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	log.Infof("ModelPilot %s starting", buildinfo.Version)

	if err := run(cfg, configPath); err != nil {
		log.Fatalf("Server exited with error: %v", err)
	}
}

func run(cfg *config.Config, configPath string) error {
	// Shared state store: Redis when configured, in-memory otherwise.
	var store statestore.Store
	if cfg.Redis.Addr != "" {
		redisStore, err := statestore.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		store = redisStore
		log.Infof("Using Redis state store at %s", cfg.Redis.Addr)
	} else {
		store = statestore.NewMemoryStore()
		log.Info("Using in-memory state store")
	}
	defer store.Close()

	bus := events.NewBus()
	defer bus.Shutdown()
	bus.Subscribe(events.Progress, func(ev *events.Event) {
		log.WithField("request_id", ev.RequestID).Info(ev.Message)
	})

	// Tunable parameters, persisted through the state store.
	params := tuning.NewStore(store)

	// Provider ladder.
	registry := tier.NewRegistry()
	for _, p := range cfg.Providers {
		client := provider.NewHTTPClient(provider.HTTPConfig{
			Name:              p.Name,
			BaseURL:           p.BaseURL,
			Model:             p.Model,
			APIKey:            p.APIKey(),
			TextPath:          p.TextPath,
			TokensPath:        p.TokensPath,
			ConfidencePath:    p.ConfidencePath,
			TextTimeout:       p.TextTimeout(),
			MultimodalTimeout: p.MultimodalTimeout(),
			CostPer1K:         p.CostPer1KTokens,
		})
		threshold := p.Threshold
		if threshold == 0 {
			threshold = tier.DefaultThresholds()[tier.Tier(p.Tier)]
		}
		if err := registry.Register(tier.Tier(p.Tier), client, threshold); err != nil {
			return fmt.Errorf("failed to register provider %s: %w", p.Name, err)
		}
		log.Infof("Registered %s as tier%d (threshold %.2f, $%.2f/1k tokens)",
			p.Name, p.Tier, threshold, p.CostPer1KTokens)
	}
	if len(registry.Tiers()) == 0 {
		return fmt.Errorf("no providers configured")
	}

	// Circuit breakers, mirrored into the state store for observability.
	breakers := breaker.NewGroup(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          time.Duration(cfg.Breaker.TimeoutSeconds) * time.Second,
		OnStateChange:    breaker.MirrorToStore(store),
	})

	// Semantic cache, backed by the local embedding model.
	var semanticCache *cache.SemanticCache
	if cfg.Cache.Enabled {
		if cfg.Embedding.ModelPath == "" {
			log.Warn("Cache enabled but no embedding model-path configured, cache disabled")
		} else {
			engine, err := embedding.NewONNXEngine(embedding.ONNXConfig{
				ModelPath: cfg.Embedding.ModelPath,
				VocabPath: cfg.Embedding.VocabPath,
			})
			if err != nil {
				return fmt.Errorf("failed to load embedding model: %w", err)
			}
			defer engine.Close()

			semanticCache = cache.NewSemanticCache(engine, cache.Options{
				SimilarityThreshold: cfg.Cache.SimilarityThreshold,
				MinConfidence:       cfg.Cache.MinConfidence,
				TTL:                 time.Duration(cfg.Cache.TTLHours) * time.Hour,
				MaxEntries:          cfg.Cache.MaxEntries,
			})
			log.Infof("Semantic cache enabled (similarity %.2f, ttl %dh, max %d entries)",
				cfg.Cache.SimilarityThreshold, cfg.Cache.TTLHours, cfg.Cache.MaxEntries)

			// Tuned cache parameters take effect without a restart.
			params.OnChange(func(p tuning.Parameters) {
				semanticCache.SetTTL(time.Duration(p.CacheTTLHours * float64(time.Hour)))
				semanticCache.SetMinConfidence(p.QualityThreshold)
			})
		}
	}

	// Quality monitor over SQLite.
	metricStore, err := monitor.OpenSQLStore(cfg.Monitor.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open metrics database: %w", err)
	}
	defer metricStore.Close()

	qualityMonitor := monitor.New(metricStore, monitor.Options{
		FlushInterval: time.Duration(cfg.Monitor.FlushIntervalSeconds) * time.Second,
		BufferLimit:   cfg.Monitor.BufferSize,
		OnAlert: func(a monitor.Alert) {
			bus.PublishAsync(&events.Event{
				Type:    events.AlertRaised,
				Message: a.Message,
				Data:    map[string]interface{}{"name": a.Name, "value": a.Value, "limit": a.Limit},
			})
		},
	})
	qualityMonitor.Start()
	defer qualityMonitor.Stop()

	if cfg.Monitor.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.Monitor.RetentionDays)
		if pruned, err := metricStore.Prune(cutoff); err != nil {
			log.Warnf("Failed to prune old metrics: %v", err)
		} else if pruned > 0 {
			log.Infof("Pruned %d metric rows older than %d days", pruned, cfg.Monitor.RetentionDays)
		}
	}

	// Routing policies.
	policies, err := policy.NewEngine(cfg.Policies)
	if err != nil {
		return err
	}

	// Entitlement gating.
	var checker entitlement.Checker = entitlement.AllowAll{}
	if cfg.Entitlement.Enabled {
		plans := make(map[string]tier.Tier, len(cfg.Entitlement.Plans))
		for plan, ceiling := range cfg.Entitlement.Plans {
			plans[plan] = tier.Tier(ceiling)
		}
		if len(plans) == 0 {
			plans = nil
		}
		checker = entitlement.NewPlanChecker(plans, cfg.Entitlement.DefaultPlan)
	}

	tierRouter, err := router.New(router.Config{
		Registry:           registry,
		Cache:              cacheOrNil(semanticCache),
		Breakers:           breakers,
		Params:             params,
		Policies:           policies,
		Entitlement:        checker,
		Metrics:            qualityMonitor,
		RetrySink:          qualityMonitor,
		Bus:                bus,
		DirectThreshold:    cfg.Router.DirectThreshold,
		MaxRetries:         cfg.Router.MaxRetries,
		EscalationHeadroom: time.Duration(cfg.Router.EscalationHeadroomSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	// Auto-tuner.
	var tuner *tuning.Tuner
	if cfg.Tuning.Enabled {
		tuner = tuning.NewTuner(params, qualityMonitor, tuning.Options{
			Epsilon:          cfg.Tuning.Epsilon,
			CycleInterval:    time.Duration(cfg.Tuning.CycleIntervalMinutes) * time.Minute,
			WatchdogInterval: time.Duration(cfg.Tuning.WatchdogIntervalMinutes) * time.Minute,
			OnAdjust: func(reason string, before, after tuning.Parameters) {
				bus.PublishAsync(&events.Event{
					Type:    events.ParametersTuned,
					Message: "Routing parameters adjusted: " + reason,
					Data:    map[string]interface{}{"before": before, "after": after},
				})
			},
		})
		tuner.Start()
		defer tuner.Stop()
	}

	// Hot-reloadable pieces of the config: auth keys and policies.
	liveCfg := &atomic.Pointer[config.Config]{}
	liveCfg.Store(cfg)

	var checkKey func(string) bool
	if len(cfg.APIKeys) > 0 {
		checkKey = func(key string) bool { return liveCfg.Load().CheckAPIKey(key) }
	} else {
		log.Warn("No api-keys configured, the API is open")
	}

	server, err := api.NewServer(api.Options{
		Router:      tierRouter,
		Monitor:     qualityMonitor,
		Cache:       cacheMetricsOrNil(semanticCache),
		Breakers:    breakers,
		Params:      params,
		CheckAPIKey: checkKey,
	})
	if err != nil {
		return err
	}

	watcher := config.NewWatcher(configPath, func(next *config.Config) {
		liveCfg.Store(next)
		if err := policies.Reload(next.Policies); err != nil {
			log.Errorf("Failed to reload routing policies: %v", err)
		}
	})
	if err := watcher.Start(); err != nil {
		log.Warnf("Config hot-reload unavailable: %v", err)
	} else {
		defer watcher.Stop()
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(addr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Infof("Received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warnf("Graceful shutdown incomplete: %v", err)
	}
	return nil
}

// cacheOrNil avoids handing the router a typed nil behind its interface.
func cacheOrNil(c *cache.SemanticCache) router.ResponseCache {
	if c == nil {
		return nil
	}
	return c
}

func cacheMetricsOrNil(c *cache.SemanticCache) api.CacheMetrics {
	if c == nil {
		return nil
	}
	return c
}

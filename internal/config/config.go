// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the ModelPilot server.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including the provider ladder,
// cache and breaker tuning, monitoring, and routing policies.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/modelpilot/modelpilot/internal/policy"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface on which the API server will bind.
	// Default is empty ("") to bind all interfaces. Use "127.0.0.1" for
	// local-only access.
	Host string `yaml:"host"`
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile controls whether application logs are written to rotating
	// files or stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// LogDir is the directory for rotating log files when LoggingToFile is set.
	LogDir string `yaml:"log-dir"`

	// APIKeys authenticate inbound requests. Plaintext values are bcrypt
	// hashed at load time; values that already look like bcrypt hashes are
	// kept as-is.
	APIKeys []string `yaml:"api-keys"`

	// Providers defines the model ladder, one entry per tier.
	Providers []ProviderConfig `yaml:"providers"`

	// Router controls cascade behavior.
	Router RouterConfig `yaml:"router"`

	// Cache configures the semantic response cache.
	Cache CacheConfig `yaml:"cache"`

	// Embedding configures the local embedding model behind the cache.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Breaker configures the per-provider circuit breakers.
	Breaker BreakerConfig `yaml:"breaker"`

	// Monitor configures quality metric persistence and alerting.
	Monitor MonitorConfig `yaml:"monitor"`

	// Tuning configures the automatic parameter tuner.
	Tuning TuningConfig `yaml:"tuning"`

	// Entitlement maps subscription plans to tier ceilings.
	Entitlement EntitlementConfig `yaml:"entitlement"`

	// Redis configures the shared state store. When the address is empty an
	// in-memory store is used instead.
	Redis RedisConfig `yaml:"redis"`

	// Policies are the operator routing rules evaluated before each cascade.
	Policies []policy.Rule `yaml:"policies"`
}

// ProviderConfig describes one model provider endpoint bound to a tier.
type ProviderConfig struct {
	// Name identifies the provider in logs, metrics, and breaker keys.
	Name string `yaml:"name"`
	// Tier is the ladder rung this provider serves (1..3).
	Tier int `yaml:"tier"`
	// Threshold is the confidence floor for accepting this tier's answers.
	// Zero selects the default ladder (0.85 / 0.90 / 0.95).
	Threshold float64 `yaml:"threshold"`

	// BaseURL is the provider's analysis endpoint.
	BaseURL string `yaml:"base-url"`
	// APIKeyEnv names the environment variable holding the provider API key.
	APIKeyEnv string `yaml:"api-key-env"`
	// Model is the model identifier sent in the request payload.
	Model string `yaml:"model"`
	// CostPer1KTokens is the provider's price used for cost accounting.
	CostPer1KTokens float64 `yaml:"cost-per-1k-tokens"`

	// TextPath, TokensPath, and ConfidencePath are gjson paths into the
	// provider's response JSON. ConfidencePath may be empty for providers
	// that report no confidence.
	TextPath       string `yaml:"text-path"`
	TokensPath     string `yaml:"tokens-path"`
	ConfidencePath string `yaml:"confidence-path"`

	// TextTimeoutSeconds and MultimodalTimeoutSeconds bound single calls.
	TextTimeoutSeconds       int `yaml:"text-timeout-seconds"`
	MultimodalTimeoutSeconds int `yaml:"multimodal-timeout-seconds"`
}

// RouterConfig controls the cascade.
type RouterConfig struct {
	// DirectThreshold is the normalized complexity above which a top-tier
	// recommendation bypasses the cascade.
	DirectThreshold float64 `yaml:"direct-threshold"`
	// MaxRetries is the retry count per provider call.
	MaxRetries int `yaml:"max-retries"`
	// EscalationHeadroomSeconds is the minimum remaining deadline budget
	// needed to try another tier.
	EscalationHeadroomSeconds int `yaml:"escalation-headroom-seconds"`
}

// CacheConfig configures the semantic cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	// SimilarityThreshold is the cosine similarity floor for a hit.
	SimilarityThreshold float64 `yaml:"similarity-threshold"`
	// MinConfidence is the admission floor for storing responses.
	MinConfidence float64 `yaml:"min-confidence"`
	// TTLHours is the entry lifetime.
	TTLHours int `yaml:"ttl-hours"`
	// MaxEntries caps the cache size; the oldest entries are evicted first.
	MaxEntries int `yaml:"max-entries"`
}

// EmbeddingConfig configures the local ONNX embedding model.
type EmbeddingConfig struct {
	// ModelPath points to the ONNX model file. When empty the cache falls
	// back to the bundled word-piece embedder.
	ModelPath string `yaml:"model-path"`
	// VocabPath points to the tokenizer vocabulary file.
	VocabPath string `yaml:"vocab-path"`
}

// BreakerConfig configures the circuit breakers shared by all providers.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure-threshold"`
	SuccessThreshold int `yaml:"success-threshold"`
	TimeoutSeconds   int `yaml:"timeout-seconds"`
}

// MonitorConfig configures quality metric persistence and alerting.
type MonitorConfig struct {
	// DBPath is the SQLite database file for metric history.
	DBPath string `yaml:"db-path"`
	// FlushIntervalSeconds and BufferSize control metric batching.
	FlushIntervalSeconds int `yaml:"flush-interval-seconds"`
	BufferSize           int `yaml:"buffer-size"`
	// RetentionDays prunes metric rows older than this. Zero disables pruning.
	RetentionDays int `yaml:"retention-days"`
}

// TuningConfig configures the automatic parameter tuner.
type TuningConfig struct {
	Enabled bool `yaml:"enabled"`
	// Epsilon is the exploration probability per tuning cycle.
	Epsilon float64 `yaml:"epsilon"`
	// CycleIntervalMinutes and WatchdogIntervalMinutes pace the two loops.
	CycleIntervalMinutes    int `yaml:"cycle-interval-minutes"`
	WatchdogIntervalMinutes int `yaml:"watchdog-interval-minutes"`
}

// EntitlementConfig maps subscription plans to tier ceilings.
type EntitlementConfig struct {
	Enabled bool `yaml:"enabled"`
	// Plans maps a plan name to the highest tier it may reach (1..3).
	Plans map[string]int `yaml:"plans"`
	// DefaultPlan is applied to unknown plans.
	DefaultPlan string `yaml:"default-plan"`
}

// RedisConfig configures the shared state store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix namespaces every key written by this deployment.
	Prefix string `yaml:"prefix"`
}

// TextTimeout returns the text-call timeout as a duration.
func (p ProviderConfig) TextTimeout() time.Duration {
	if p.TextTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TextTimeoutSeconds) * time.Second
}

// MultimodalTimeout returns the attachment-call timeout as a duration.
func (p ProviderConfig) MultimodalTimeout() time.Duration {
	if p.MultimodalTimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(p.MultimodalTimeoutSeconds) * time.Second
}

// APIKey resolves the provider API key from the environment.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, validates it, and returns it.
//
// Parameters:
//   - configFile: The path to the YAML configuration file
//
// Returns:
//   - *Config: The loaded configuration
//   - error: An error if the configuration could not be loaded
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Set defaults before unmarshal so that absent keys keep defaults.
	cfg := Config{
		Port:   8317,
		LogDir: "logs",
		Router: RouterConfig{
			DirectThreshold:           0.9,
			MaxRetries:                3,
			EscalationHeadroomSeconds: 2,
		},
		Cache: CacheConfig{
			Enabled:             true,
			SimilarityThreshold: 0.85,
			MinConfidence:       0.7,
			TTLHours:            24,
			MaxEntries:          1000,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			TimeoutSeconds:   60,
		},
		Monitor: MonitorConfig{
			DBPath:               "modelpilot_metrics.db",
			FlushIntervalSeconds: 10,
			BufferSize:           100,
			RetentionDays:        30,
		},
		Tuning: TuningConfig{
			Epsilon:                 0.15,
			CycleIntervalMinutes:    60,
			WatchdogIntervalMinutes: 5,
		},
		Entitlement: EntitlementConfig{
			DefaultPlan: "free",
		},
		Redis: RedisConfig{
			Prefix: "modelpilot",
		},
	}

	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	// Hash plaintext API keys so the in-memory config never holds secrets.
	for i, key := range cfg.APIKeys {
		if key == "" || looksLikeBcrypt(key) {
			continue
		}
		hashed, errHash := hashSecret(key)
		if errHash != nil {
			return nil, fmt.Errorf("failed to hash api key: %w", errHash)
		}
		cfg.APIKeys[i] = hashed
	}

	return &cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	seen := make(map[int]string)
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if p.Tier < 1 || p.Tier > 3 {
			return fmt.Errorf("config: provider %s has invalid tier %d", p.Name, p.Tier)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("config: provider %s has no base-url", p.Name)
		}
		if prev, dup := seen[p.Tier]; dup {
			return fmt.Errorf("config: tier %d bound to both %s and %s", p.Tier, prev, p.Name)
		}
		seen[p.Tier] = p.Name
	}
	for plan, ceiling := range c.Entitlement.Plans {
		if ceiling < 1 || ceiling > 3 {
			return fmt.Errorf("config: plan %s has invalid tier ceiling %d", plan, ceiling)
		}
	}
	return nil
}

// looksLikeBcrypt reports whether s already carries a bcrypt prefix.
func looksLikeBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func hashSecret(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// CheckAPIKey reports whether the presented key matches any configured key.
func (c *Config) CheckAPIKey(presented string) bool {
	for _, hashed := range c.APIKeys {
		if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(presented)) == nil {
			return true
		}
	}
	return false
}

// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates controller configuration.
//
// Configuration is environment-first: every knob has an env var and a
// default. An optional YAML file (GHOSTWIRE_CONFIG) supplies values
// underneath the environment; env always wins. The loaded Config is
// built once in main and injected into every component constructor;
// nothing in this package is a global.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Config
// =============================================================================

// ContextStrategy selects how retrieved prompts are ordered before budgeting.
type ContextStrategy string

const (
	StrategyRecency   ContextStrategy = "recency"
	StrategyRelevance ContextStrategy = "relevance"
	StrategyHybrid    ContextStrategy = "hybrid"
)

// TruncationMode selects how an overlong context item is cut to fit.
type TruncationMode string

const (
	TruncateSentence  TruncationMode = "sentence"
	TruncateWord      TruncationMode = "word"
	TruncateCharacter TruncationMode = "character"
)

// Config carries every runtime knob for the controller service.
//
// # Fields
//
// Grouped the way the subsystems consume them: bind address, row store,
// ANN index shape, upstream routing, retrieval/composer behavior, cache
// TTLs, and middleware limits.
//
// # Thread Safety
//
// Config is read-only after Load. Copies are cheap; share by value or
// pointer freely.
type Config struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"gt=0,lte=65535"`

	// Row store.
	DBPath string `yaml:"db_path" validate:"required"`

	// ANN index shape. EmbedDim is runtime-immutable once the first row
	// is inserted; Load only validates the static bounds.
	EmbedDim       int    `yaml:"embed_dim" validate:"gt=0"`
	MaxElements    int    `yaml:"max_elements" validate:"gt=0"`
	M              int    `yaml:"m" validate:"gt=1"`
	EfConstruction int    `yaml:"ef_construction" validate:"gt=0"`
	EfQuery        int    `yaml:"ef_query" validate:"gt=0"`
	IndexPath      string `yaml:"index_path" validate:"required"`

	// Upstream routing.
	LocalGenURL  string   `yaml:"local_gen_url" validate:"required,url"`
	RemoteGenURL string   `yaml:"remote_gen_url" validate:"required,url"`
	DefaultModel string   `yaml:"default_model" validate:"required"`
	RemoteModel  string   `yaml:"remote_model" validate:"required"`
	EmbedModels  []string `yaml:"embed_models" validate:"min=1"`
	SummaryModel string   `yaml:"summary_model" validate:"required"`

	// Retrieval and composition.
	TopK              int             `yaml:"top_k" validate:"gt=0"`
	MaxContextItems   int             `yaml:"max_context_items" validate:"gt=0"`
	MinContextItems   int             `yaml:"min_context_items" validate:"gte=0"`
	MaxContextTokens  int             `yaml:"max_context_tokens" validate:"gt=0"`
	ContextStrategy   ContextStrategy `yaml:"context_strategy" validate:"oneof=recency relevance hybrid"`
	ContextTruncation TruncationMode  `yaml:"context_truncation" validate:"oneof=sentence word character"`

	// Response cache.
	CacheTTLExact     time.Duration `yaml:"cache_ttl_exact" validate:"gt=0"`
	CacheTTLApprox    time.Duration `yaml:"cache_ttl_approx" validate:"gt=0"`
	CacheSimThreshold float64       `yaml:"cache_sim_threshold" validate:"gt=0,lte=1"`

	// Embedding memo (badger) directory. Empty disables disk persistence.
	EmbedCacheDir string `yaml:"embed_cache_dir"`

	// Upsert-time summarization.
	DisableSummarization bool `yaml:"disable_summarization"`

	// Middleware.
	RateLimitRequests int           `yaml:"rate_limit_requests" validate:"gt=0"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window" validate:"gt=0"`

	// Logging / tracing.
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// defaultEmbedModels is the ordered candidate list used when EMBED_MODELS
// is unset. First successful model becomes sticky for the process.
var defaultEmbedModels = []string{
	"embeddinggemma",
	"granite-embedding",
	"nomic-embed-text",
	"mxbai-embed-large",
	"snowflake-arctic-embed",
	"all-minilm",
}

// Default returns a Config with every knob at its documented default.
func Default() Config {
	return Config{
		Host:                 "0.0.0.0",
		Port:                 8000,
		DBPath:               "memory.db",
		EmbedDim:             768,
		MaxElements:          100_000,
		M:                    16,
		EfConstruction:       200,
		EfQuery:              50,
		IndexPath:            "memory_index.bin",
		LocalGenURL:          "http://localhost:11434",
		RemoteGenURL:         "http://100.103.237.60:11434",
		DefaultModel:         "gemma3:1b",
		RemoteModel:          "gemma3:12b",
		EmbedModels:          append([]string(nil), defaultEmbedModels...),
		SummaryModel:         "gemma3:1b",
		TopK:                 5,
		MaxContextItems:      10,
		MinContextItems:      1,
		MaxContextTokens:     2048,
		ContextStrategy:      StrategyRecency,
		ContextTruncation:    TruncateSentence,
		CacheTTLExact:        120 * time.Minute,
		CacheTTLApprox:       60 * time.Minute,
		CacheSimThreshold:    0.9,
		EmbedCacheDir:        "",
		DisableSummarization: false,
		RateLimitRequests:    100,
		RateLimitWindow:      60 * time.Second,
		LogLevel:             "info",
		LogFormat:            "auto",
		OTLPEndpoint:         "localhost:4317",
	}
}

// =============================================================================
// Loading
// =============================================================================

// Load builds a Config from defaults, an optional YAML file, and the
// environment, in that precedence order (env wins).
//
// # Outputs
//
//   - Config: Fully validated configuration.
//   - error: Non-nil when the YAML file is unreadable or validation fails.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("GHOSTWIRE_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	if cfg.MinContextItems > cfg.MaxContextItems {
		return Config{}, fmt.Errorf("validate config: MIN_CONTEXT_ITEMS %d exceeds MAX_CONTEXT_ITEMS %d",
			cfg.MinContextItems, cfg.MaxContextItems)
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg. Unset or malformed
// values leave the existing field untouched.
func applyEnv(cfg *Config) {
	envString(&cfg.Host, "HOST")
	envInt(&cfg.Port, "PORT")
	envString(&cfg.DBPath, "DB_PATH")
	envInt(&cfg.EmbedDim, "EMBED_DIM")
	envInt(&cfg.MaxElements, "MAX_ELEMENTS")
	envInt(&cfg.M, "M")
	envInt(&cfg.EfConstruction, "EF_CONSTRUCTION")
	envInt(&cfg.EfQuery, "EF_QUERY")
	envString(&cfg.IndexPath, "INDEX_PATH")
	envString(&cfg.LocalGenURL, "LOCAL_GEN_URL")
	envString(&cfg.RemoteGenURL, "REMOTE_GEN_URL")
	envString(&cfg.DefaultModel, "DEFAULT_MODEL")
	envString(&cfg.RemoteModel, "REMOTE_MODEL")
	envString(&cfg.SummaryModel, "SUMMARY_MODEL")
	envInt(&cfg.TopK, "TOP_K")
	envInt(&cfg.MaxContextItems, "MAX_CONTEXT_ITEMS")
	envInt(&cfg.MinContextItems, "MIN_CONTEXT_ITEMS")
	envInt(&cfg.MaxContextTokens, "MAX_CONTEXT_TOKENS")
	envString(&cfg.EmbedCacheDir, "EMBED_CACHE_DIR")
	envString(&cfg.LogLevel, "LOG_LEVEL")
	envString(&cfg.LogFormat, "LOG_FORMAT")
	envString(&cfg.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	envDuration(&cfg.CacheTTLExact, "CACHE_TTL_EXACT")
	envDuration(&cfg.CacheTTLApprox, "CACHE_TTL_APPROX")
	envFloat(&cfg.CacheSimThreshold, "CACHE_SIM_THRESHOLD")
	envBool(&cfg.DisableSummarization, "DISABLE_SUMMARIZATION")
	envInt(&cfg.RateLimitRequests, "RATE_LIMIT_REQUESTS")
	envDuration(&cfg.RateLimitWindow, "RATE_LIMIT_WINDOW")

	if v := os.Getenv("EMBED_MODELS"); v != "" {
		models := make([]string, 0, 8)
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				models = append(models, m)
			}
		}
		if len(models) > 0 {
			cfg.EmbedModels = models
		}
	}

	if v := os.Getenv("CONTEXT_STRATEGY"); v != "" {
		cfg.ContextStrategy = ContextStrategy(strings.ToLower(v))
	}
	if v := os.Getenv("CONTEXT_TRUNCATION"); v != "" {
		cfg.ContextTruncation = TruncationMode(strings.ToLower(v))
	}
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.Trim(v, "\"' ")
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// envDuration accepts Go duration strings ("90m") and bare integers,
// which are read as minutes to match the original TTL knobs.
func envDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Minute
	}
}

// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 768, cfg.EmbedDim)
	assert.Equal(t, StrategyRecency, cfg.ContextStrategy)
	assert.Equal(t, 120*time.Minute, cfg.CacheTTLExact)
	assert.NotEmpty(t, cfg.EmbedModels)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EMBED_DIM", "4")
	t.Setenv("TOP_K", "3")
	t.Setenv("EMBED_MODELS", "a-model, b-model ,")
	t.Setenv("CACHE_TTL_EXACT", "90")
	t.Setenv("CACHE_TTL_APPROX", "45m")
	t.Setenv("CONTEXT_STRATEGY", "hybrid")
	t.Setenv("DISABLE_SUMMARIZATION", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.EmbedDim)
	assert.Equal(t, 3, cfg.TopK)
	assert.Equal(t, []string{"a-model", "b-model"}, cfg.EmbedModels)
	assert.Equal(t, 90*time.Minute, cfg.CacheTTLExact)
	assert.Equal(t, 45*time.Minute, cfg.CacheTTLApprox)
	assert.Equal(t, StrategyHybrid, cfg.ContextStrategy)
	assert.True(t, cfg.DisableSummarization)
}

func TestYAMLFileUnderEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ghostwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embed_dim: 16\ntop_k: 9\n"), 0o600))

	t.Setenv("GHOSTWIRE_CONFIG", path)
	t.Setenv("TOP_K", "2") // env wins over file

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.EmbedDim)
	assert.Equal(t, 2, cfg.TopK)
}

func TestInvalidStrategyRejected(t *testing.T) {
	t.Setenv("CONTEXT_STRATEGY", "psychic")
	_, err := Load()
	assert.Error(t, err)
}

func TestMinAboveMaxRejected(t *testing.T) {
	t.Setenv("MIN_CONTEXT_ITEMS", "11")
	t.Setenv("MAX_CONTEXT_ITEMS", "10")
	_, err := Load()
	assert.Error(t, err)
}

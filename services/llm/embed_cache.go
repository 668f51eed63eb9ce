// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm hosts the upstream model gateways: embedding, generation,
// model catalog, and summarization.
package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto/v2"
)

// embedCacheKeyPrefix is prepended to the text hash to form the BadgerDB
// key. Versioned (v1) to allow future format changes without collision.
const embedCacheKeyPrefix = "ghostwire/emb/v1/"

// embedCacheDefaultTTL bounds how long a memoized vector outlives the text
// that produced it. Embeddings are deterministic per model, so a long TTL
// is safe; it exists to keep the store from growing without bound.
const embedCacheDefaultTTL = 7 * 24 * time.Hour

// errEmbedCacheMiss distinguishes "key not found" from a storage error.
var errEmbedCacheMiss = errors.New("embed cache miss")

// =============================================================================
// Embedding Memo
// =============================================================================

// EmbeddingMemo memoizes text -> vector lookups in two layers: a ristretto
// in-process cache for hot texts and a BadgerDB store that survives
// restarts. Keys include the model name, so switching EMBED_MODELS never
// serves a vector of the wrong shape.
//
// # Thread Safety
//
// Safe for concurrent use.
type EmbeddingMemo struct {
	hot *ristretto.Cache[string, []float32]
	db  *dgbadger.DB // nil = in-memory-only mode
	ttl time.Duration
}

// NewEmbeddingMemo opens the memo. dir is the BadgerDB directory; an empty
// dir disables the persistent layer, which is the right mode for tests.
func NewEmbeddingMemo(dir string, ttl time.Duration) (*EmbeddingMemo, error) {
	if ttl <= 0 {
		ttl = embedCacheDefaultTTL
	}

	hot, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: 100_000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embed memo: ristretto init: %w", err)
	}

	memo := &EmbeddingMemo{hot: hot, ttl: ttl}
	if dir != "" {
		opts := dgbadger.DefaultOptions(dir).WithLogger(nil)
		db, err := dgbadger.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("embed memo: badger open: %w", err)
		}
		memo.db = db
	}
	return memo, nil
}

// Close releases both layers. Safe to call once after all users are done.
func (m *EmbeddingMemo) Close() error {
	m.hot.Close()
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// Get returns the memoized vector for (model, text), or (nil, nil) on miss.
// A hit in the persistent layer repopulates the hot layer.
func (m *EmbeddingMemo) Get(ctx context.Context, model, text string) ([]float32, error) {
	key := embedCacheKey(model, text)

	if vec, ok := m.hot.Get(key); ok {
		slog.Debug("Embed memo hit", "layer", "memory", "key", shortKey(key))
		return vec, nil
	}
	if m.db == nil {
		return nil, nil
	}

	var raw []byte
	err := m.db.View(func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return errEmbedCacheMiss
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, errEmbedCacheMiss) {
		slog.Debug("Embed memo miss", "key", shortKey(key))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("embed memo load: %w", err)
	}

	var vec []float32
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&vec); err != nil {
		return nil, fmt.Errorf("embed memo decode: %w", err)
	}

	m.hot.Set(key, vec, int64(len(vec)*4))
	slog.Debug("Embed memo hit", "layer", "badger", "key", shortKey(key))
	return vec, nil
}

// Put stores a vector in both layers. Persistence failure is returned but
// callers treat it as non-fatal; the vector is already in RAM.
func (m *EmbeddingMemo) Put(ctx context.Context, model, text string, vector []float32) error {
	key := embedCacheKey(model, text)
	m.hot.Set(key, vector, int64(len(vector)*4))

	if m.db == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vector); err != nil {
		return fmt.Errorf("embed memo encode: %w", err)
	}
	err := m.db.Update(func(txn *dgbadger.Txn) error {
		entry := dgbadger.NewEntry([]byte(key), buf.Bytes()).WithTTL(m.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("embed memo save: %w", err)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func embedCacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + ":" + text))
	return embedCacheKeyPrefix + hex.EncodeToString(sum[:])
}

// shortKey trims a cache key for log display.
func shortKey(k string) string {
	if len(k) > len(embedCacheKeyPrefix)+8 {
		return k[len(embedCacheKeyPrefix) : len(embedCacheKeyPrefix)+8] + "..."
	}
	return k
}

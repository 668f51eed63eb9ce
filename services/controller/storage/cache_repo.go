// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
)

// similarScanWindow bounds how many recent entries GetSimilar compares
// against; older entries age out via TTL before they would be scanned.
const similarScanWindow = 100

// CachedResponse is a cache hit: the stored reply plus the retrieval
// context that produced it.
type CachedResponse struct {
	Response string
	Context  string
}

// CacheStats summarizes both cache tables for /cache/stats.
type CacheStats struct {
	Total   int64 `json:"total"`
	Expired int64 `json:"expired"`
	Active  int64 `json:"active"`
}

// =============================================================================
// Response Cache
// =============================================================================

// ResponseCache is the two-tier reply cache. Tier one matches the query
// string verbatim; tier two matches by cosine similarity of the query
// embedding against recent entries in the same session.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in SQLite.
type ResponseCache struct {
	db           *gorm.DB
	dim          int
	ttlExact     time.Duration
	ttlApprox    time.Duration
	minThreshold float64
}

// NewResponseCache builds a cache bound to an opened database.
func NewResponseCache(db *gorm.DB, dim int, ttlExact, ttlApprox time.Duration, minThreshold float64) *ResponseCache {
	return &ResponseCache{
		db:           db,
		dim:          dim,
		ttlExact:     ttlExact,
		ttlApprox:    ttlApprox,
		minThreshold: minThreshold,
	}
}

// GetExact looks up a verbatim (session, query) entry. Expired rows for the
// session are purged first so a stale entry can never be replayed. A miss
// returns (nil, nil).
func (c *ResponseCache) GetExact(ctx context.Context, sessionID, query string) (*CachedResponse, error) {
	now := nowEpoch()
	if err := c.db.WithContext(ctx).
		Where("session_id = ? AND expires_at <= ?", sessionID, now).
		Delete(&exactCacheRow{}).Error; err != nil {
		return nil, &datatypes.StorageError{Op: "cache_get_exact", Cause: err}
	}

	var row exactCacheRow
	result := c.db.WithContext(ctx).
		Where("session_id = ? AND query = ?", sessionID, query).
		Limit(1).Find(&row)
	if result.Error != nil {
		return nil, &datatypes.StorageError{Op: "cache_get_exact", Cause: result.Error}
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &CachedResponse{Response: row.Response, Context: row.Context}, nil
}

// PutExact upserts a verbatim entry with the exact-tier TTL.
func (c *ResponseCache) PutExact(ctx context.Context, sessionID, query, response, contextText string) error {
	now := nowEpoch()
	row := exactCacheRow{
		SessionID: sessionID,
		Query:     query,
		Response:  response,
		Context:   contextText,
		CreatedAt: now,
		ExpiresAt: now + c.ttlExact.Seconds(),
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "query"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return &datatypes.StorageError{Op: "cache_put_exact", Cause: err}
	}
	return nil
}

// GetSimilar scans the session's most recent unexpired entries and returns
// the first one whose cosine similarity to the query embedding clears both
// the configured floor and the entry's own stored threshold. Expired rows
// for the session are purged first, same as the exact tier. A miss returns
// (nil, nil).
func (c *ResponseCache) GetSimilar(ctx context.Context, sessionID string, embedding []float32) (*CachedResponse, error) {
	if len(embedding) != c.dim {
		return nil, &datatypes.DimensionMismatchError{Expected: c.dim, Actual: len(embedding)}
	}
	now := nowEpoch()
	if err := c.db.WithContext(ctx).
		Where("session_id = ? AND expires_at <= ?", sessionID, now).
		Delete(&approxCacheRow{}).Error; err != nil {
		return nil, &datatypes.StorageError{Op: "cache_get_similar", Cause: err}
	}

	var rows []approxCacheRow
	if err := c.db.WithContext(ctx).
		Where("session_id = ? AND expires_at > ?", sessionID, now).
		Order("created_at DESC").
		Limit(similarScanWindow).
		Find(&rows).Error; err != nil {
		return nil, &datatypes.StorageError{Op: "cache_get_similar", Cause: err}
	}

	for _, row := range rows {
		stored, ok := DecodeEmbedding(row.QueryEmbedding, c.dim)
		if !ok {
			continue
		}
		sim := cosineSimilarity(embedding, stored)
		threshold := math.Max(c.minThreshold, row.SimilarityThreshold)
		if sim >= threshold {
			slog.Debug("Approximate cache hit",
				"session_id", sessionID, "similarity", sim, "threshold", threshold)
			return &CachedResponse{Response: row.Response, Context: row.Context}, nil
		}
	}
	return nil, nil
}

// PutSimilar stores an approximate entry keyed by the hash of the session,
// query text, and embedding, with the approximate-tier TTL.
func (c *ResponseCache) PutSimilar(ctx context.Context, sessionID, query string, embedding []float32, response, contextText string) error {
	if len(embedding) != c.dim {
		return &datatypes.DimensionMismatchError{Expected: c.dim, Actual: len(embedding)}
	}
	now := nowEpoch()
	row := approxCacheRow{
		CacheKey:            similarCacheKey(sessionID, query, embedding),
		SessionID:           sessionID,
		QueryEmbedding:      EncodeEmbedding(embedding),
		Response:            response,
		Context:             contextText,
		SimilarityThreshold: c.minThreshold,
		CreatedAt:           now,
		ExpiresAt:           now + c.ttlApprox.Seconds(),
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return &datatypes.StorageError{Op: "cache_put_similar", Cause: err}
	}
	return nil
}

// Stats counts entries across both tiers.
func (c *ResponseCache) Stats(ctx context.Context) (CacheStats, error) {
	now := nowEpoch()
	var stats CacheStats
	for _, model := range []any{&exactCacheRow{}, &approxCacheRow{}} {
		var total, expired int64
		if err := c.db.WithContext(ctx).Model(model).Count(&total).Error; err != nil {
			return CacheStats{}, &datatypes.StorageError{Op: "cache_stats", Cause: err}
		}
		if err := c.db.WithContext(ctx).Model(model).
			Where("expires_at <= ?", now).Count(&expired).Error; err != nil {
			return CacheStats{}, &datatypes.StorageError{Op: "cache_stats", Cause: err}
		}
		stats.Total += total
		stats.Expired += expired
	}
	stats.Active = stats.Total - stats.Expired
	return stats, nil
}

// PurgeExpired deletes expired rows from both tiers and reports how many
// were removed. The sweeper calls this on an interval.
func (c *ResponseCache) PurgeExpired(ctx context.Context) (int64, error) {
	now := nowEpoch()
	var purged int64
	for _, model := range []any{&exactCacheRow{}, &approxCacheRow{}} {
		result := c.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(model)
		if result.Error != nil {
			return purged, &datatypes.StorageError{Op: "cache_purge", Cause: result.Error}
		}
		purged += result.RowsAffected
	}
	return purged, nil
}

// =============================================================================
// Helpers
// =============================================================================

func nowEpoch() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func similarCacheKey(sessionID, query string, embedding []float32) string {
	vecJSON, _ := json.Marshal(embedding)
	sum := sha256.Sum256([]byte(sessionID + ":" + query + ":" + string(vecJSON)))
	return hex.EncodeToString(sum[:])
}

// cosineSimilarity is robust to unnormalized inputs; a zero-norm side
// yields 0 so degenerate entries never match.
func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

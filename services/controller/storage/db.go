// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage provides the SQLite-backed row store and response cache.
// One database file holds conversation turns, collection tombstones, and
// both cache tables so a single WAL connection serves everything.
package storage

import (
	"log/slog"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
)

// =============================================================================
// Schema
// =============================================================================

// memoryRow is the GORM-level row for the memory_text table. Embedding is a
// little-endian float32 blob of exactly D*4 bytes.
type memoryRow struct {
	ID          int64   `gorm:"primaryKey;autoIncrement;column:id"`
	SessionID   string  `gorm:"index;not null;column:session_id"`
	PromptText  string  `gorm:"column:prompt_text"`
	AnswerText  string  `gorm:"column:answer_text"`
	Timestamp   float64 `gorm:"column:timestamp"`
	Embedding   []byte  `gorm:"column:embedding"`
	SummaryText string  `gorm:"column:summary_text"`
}

func (memoryRow) TableName() string { return "memory_text" }

// droppedCollection is a tombstone marking a session/collection as deleted.
// Rows are removed again when the collection is re-created or written to.
type droppedCollection struct {
	Name string `gorm:"primaryKey;column:name"`
}

func (droppedCollection) TableName() string { return "dropped_collections" }

// exactCacheRow is one verbatim (session, query) -> response entry.
type exactCacheRow struct {
	SessionID string  `gorm:"primaryKey;column:session_id"`
	Query     string  `gorm:"primaryKey;column:query"`
	Response  string  `gorm:"column:response"`
	Context   string  `gorm:"column:context"`
	CreatedAt float64 `gorm:"column:created_at"`
	ExpiresAt float64 `gorm:"index;column:expires_at"`
}

func (exactCacheRow) TableName() string { return "exact_response_cache" }

// approxCacheRow is one vector-similarity cache entry. QueryEmbedding uses
// the same little-endian float32 blob encoding as memory_text.
type approxCacheRow struct {
	CacheKey            string  `gorm:"primaryKey;column:cache_key"`
	SessionID           string  `gorm:"index;column:session_id"`
	QueryEmbedding      []byte  `gorm:"column:query_embedding"`
	Response            string  `gorm:"column:response"`
	Context             string  `gorm:"column:context"`
	SimilarityThreshold float64 `gorm:"column:similarity_threshold"`
	CreatedAt           float64 `gorm:"column:created_at"`
	ExpiresAt           float64 `gorm:"index;column:expires_at"`
}

func (approxCacheRow) TableName() string { return "cache" }

// =============================================================================
// Open
// =============================================================================

// Open opens (creating if needed) the SQLite database at path in WAL mode
// and migrates the schema. The connection pool is capped at one writer; WAL
// readers do not block it and SQLite serializes the rest.
//
// # Inputs
//   - path: filesystem path of the database file.
//
// # Outputs
//   - *gorm.DB: shared handle for the repositories in this package.
//   - error: StorageError when the file cannot be opened or migrated.
func Open(path string) (*gorm.DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, &datatypes.StorageError{Op: "open", Cause: err}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, &datatypes.StorageError{Op: "open", Cause: err}
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&memoryRow{},
		&droppedCollection{},
		&exactCacheRow{},
		&approxCacheRow{},
	); err != nil {
		return nil, &datatypes.StorageError{Op: "migrate", Cause: err}
	}

	slog.Info("Opened memory store", "path", path)
	return db, nil
}

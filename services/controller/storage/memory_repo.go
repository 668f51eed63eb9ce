// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
)

// =============================================================================
// Interface
// =============================================================================

// MemoryRepository is the row-store contract for conversation turns. Every
// method is safe for concurrent use; SQLite serializes writers underneath.
type MemoryRepository interface {
	// Insert persists one turn and returns its row id. The embedding is
	// stored as a little-endian float32 blob of exactly dim*4 bytes.
	Insert(ctx context.Context, sessionID, prompt, answer string, embedding []float32) (int64, error)

	// BySession returns up to limit turns for a session, newest first.
	// limit <= 0 means no limit.
	BySession(ctx context.Context, sessionID string, limit int) ([]datatypes.Turn, error)

	// ByIDs materializes turns by row id, dropping rows that do not belong
	// to sessionID. The caller's id order is preserved in the result.
	ByIDs(ctx context.Context, ids []int64, sessionID string) ([]datatypes.Turn, error)

	// AllEmbeddings streams every (id, vector) pair, for index rebuild.
	// Rows whose blob length is not dim*4 are skipped with a warning.
	AllEmbeddings(ctx context.Context, fn func(id int64, vector []float32) error) error

	// Drop deletes all rows for a session and records a tombstone. The
	// bool reports whether any rows existed.
	Drop(ctx context.Context, sessionID string) (bool, error)

	// SizeOf counts the turns stored for a session.
	SizeOf(ctx context.Context, sessionID string) (int64, error)

	// Sessions lists the distinct session ids with at least one turn.
	Sessions(ctx context.Context) ([]string, error)

	// DeleteByIDs removes specific turns of a session by row id. Returns
	// the number of rows deleted. The ANN index is not touched; orphaned
	// vectors are filtered out at retrieval time.
	DeleteByIDs(ctx context.Context, sessionID string, ids []int64) (int64, error)

	// AttachSummary sets summary_text on an existing turn.
	AttachSummary(ctx context.Context, id int64, summary string) error

	// IsDropped reports whether a session has a deletion tombstone.
	IsDropped(ctx context.Context, sessionID string) (bool, error)

	// Undrop clears a session's tombstone without writing any rows.
	Undrop(ctx context.Context, sessionID string) error
}

// =============================================================================
// SQLite Implementation
// =============================================================================

// SQLMemoryRepository implements MemoryRepository over the shared GORM
// handle. dim is the configured embedding dimension D.
type SQLMemoryRepository struct {
	db  *gorm.DB
	dim int
}

// NewMemoryRepository builds a repository bound to an opened database.
func NewMemoryRepository(db *gorm.DB, dim int) *SQLMemoryRepository {
	return &SQLMemoryRepository{db: db, dim: dim}
}

func (r *SQLMemoryRepository) Insert(ctx context.Context, sessionID, prompt, answer string, embedding []float32) (int64, error) {
	if len(embedding) != r.dim {
		return 0, &datatypes.DimensionMismatchError{Expected: r.dim, Actual: len(embedding)}
	}
	row := memoryRow{
		SessionID:  sessionID,
		PromptText: prompt,
		AnswerText: answer,
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
		Embedding:  EncodeEmbedding(embedding),
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A write revives a previously dropped collection.
		if err := tx.Where("name = ?", sessionID).Delete(&droppedCollection{}).Error; err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return 0, &datatypes.StorageError{Op: "insert", Cause: err}
	}
	return row.ID, nil
}

func (r *SQLMemoryRepository) BySession(ctx context.Context, sessionID string, limit int) ([]datatypes.Turn, error) {
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []memoryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, &datatypes.StorageError{Op: "by_session", Cause: err}
	}
	return r.rowsToTurns(rows), nil
}

func (r *SQLMemoryRepository) ByIDs(ctx context.Context, ids []int64, sessionID string) ([]datatypes.Turn, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []memoryRow
	if err := r.db.WithContext(ctx).
		Where("id IN ? AND session_id = ?", ids, sessionID).
		Find(&rows).Error; err != nil {
		return nil, &datatypes.StorageError{Op: "by_ids", Cause: err}
	}

	// Re-order to match the caller's ranking.
	byID := make(map[int64]memoryRow, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	ordered := make([]memoryRow, 0, len(rows))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			ordered = append(ordered, row)
		}
	}
	return r.rowsToTurns(ordered), nil
}

func (r *SQLMemoryRepository) AllEmbeddings(ctx context.Context, fn func(id int64, vector []float32) error) error {
	rows, err := r.db.WithContext(ctx).
		Model(&memoryRow{}).
		Select("id", "embedding").
		Order("id ASC").
		Rows()
	if err != nil {
		return &datatypes.StorageError{Op: "all_embeddings", Cause: err}
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return &datatypes.StorageError{Op: "all_embeddings", Cause: err}
		}
		vec, ok := DecodeEmbedding(blob, r.dim)
		if !ok {
			slog.Warn("Skipping row with malformed embedding blob",
				"id", id, "blob_bytes", len(blob), "expected_bytes", r.dim*4)
			continue
		}
		if err := fn(id, vec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &datatypes.StorageError{Op: "all_embeddings", Cause: err}
	}
	return nil
}

func (r *SQLMemoryRepository) Drop(ctx context.Context, sessionID string) (bool, error) {
	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("session_id = ?", sessionID).Delete(&memoryRow{})
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected
		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&droppedCollection{Name: sessionID}).Error
	})
	if err != nil {
		return false, &datatypes.StorageError{Op: "drop", Cause: err}
	}
	return affected > 0, nil
}

func (r *SQLMemoryRepository) SizeOf(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&memoryRow{}).
		Where("session_id = ?", sessionID).
		Count(&count).Error; err != nil {
		return 0, &datatypes.StorageError{Op: "size_of", Cause: err}
	}
	return count, nil
}

func (r *SQLMemoryRepository) Sessions(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).
		Model(&memoryRow{}).
		Distinct("session_id").
		Order("session_id ASC").
		Pluck("session_id", &ids).Error; err != nil {
		return nil, &datatypes.StorageError{Op: "sessions", Cause: err}
	}
	return ids, nil
}

func (r *SQLMemoryRepository) DeleteByIDs(ctx context.Context, sessionID string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Where("session_id = ? AND id IN ?", sessionID, ids).
		Delete(&memoryRow{})
	if result.Error != nil {
		return 0, &datatypes.StorageError{Op: "delete_by_ids", Cause: result.Error}
	}
	return result.RowsAffected, nil
}

func (r *SQLMemoryRepository) AttachSummary(ctx context.Context, id int64, summary string) error {
	result := r.db.WithContext(ctx).
		Model(&memoryRow{}).
		Where("id = ?", id).
		Update("summary_text", summary)
	if result.Error != nil {
		return &datatypes.StorageError{Op: "attach_summary", Cause: result.Error}
	}
	if result.RowsAffected == 0 {
		return &datatypes.StorageError{Op: "attach_summary", Cause: gorm.ErrRecordNotFound}
	}
	return nil
}

func (r *SQLMemoryRepository) IsDropped(ctx context.Context, sessionID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&droppedCollection{}).
		Where("name = ?", sessionID).
		Count(&count).Error; err != nil {
		return false, &datatypes.StorageError{Op: "is_dropped", Cause: err}
	}
	return count > 0, nil
}

func (r *SQLMemoryRepository) Undrop(ctx context.Context, sessionID string) error {
	if err := r.db.WithContext(ctx).
		Where("name = ?", sessionID).
		Delete(&droppedCollection{}).Error; err != nil {
		return &datatypes.StorageError{Op: "undrop", Cause: err}
	}
	return nil
}

func (r *SQLMemoryRepository) rowsToTurns(rows []memoryRow) []datatypes.Turn {
	turns := make([]datatypes.Turn, 0, len(rows))
	for _, row := range rows {
		vec, _ := DecodeEmbedding(row.Embedding, r.dim)
		turns = append(turns, datatypes.Turn{
			ID:          row.ID,
			SessionID:   row.SessionID,
			PromptText:  row.PromptText,
			AnswerText:  row.AnswerText,
			Timestamp:   row.Timestamp,
			Embedding:   vec,
			SummaryText: row.SummaryText,
		})
	}
	return turns
}

// =============================================================================
// Blob Codec
// =============================================================================

// EncodeEmbedding packs a vector into a little-endian float32 blob.
func EncodeEmbedding(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// DecodeEmbedding unpacks a blob produced by EncodeEmbedding. The second
// return is false when the blob length does not match dim*4.
func DecodeEmbedding(blob []byte, dim int) ([]float32, bool) {
	if len(blob) != dim*4 {
		return nil, false
	}
	vector := make([]float32, dim)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector, true
}

// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"log/slog"

	"github.com/hsmalley/ghostwire-refractory/services/llm"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
	"github.com/hsmalley/ghostwire-refractory/services/controller/storage"
	"github.com/hsmalley/ghostwire-refractory/services/controller/vector"
)

// MemoryWriter is the single write path for new turns: row store first,
// then the ANN index, with the row id doubling as the vector id.
//
// An index failure after a successful insert is logged and swallowed; the
// row remains reachable through the fallback scan and rejoins the index on
// the next rebuild.
type MemoryWriter struct {
	repo  storage.MemoryRepository
	index *vector.Index
}

// NewMemoryWriter builds a writer over the shared row store and index.
func NewMemoryWriter(repo storage.MemoryRepository, index *vector.Index) *MemoryWriter {
	return &MemoryWriter{repo: repo, index: index}
}

// Write persists one turn and registers its normalized embedding.
// Returns the assigned row id.
func (w *MemoryWriter) Write(ctx context.Context, sessionID, prompt, answer string, embedding []float32) (int64, error) {
	if err := datatypes.ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	normalized := llm.NormalizeVector(embedding)

	id, err := w.repo.Insert(ctx, sessionID, prompt, answer, normalized)
	if err != nil {
		return 0, err
	}
	if err := w.index.Add(normalized, uint64(id)); err != nil {
		slog.Warn("Index add failed after insert, row reachable via scan only",
			"row_id", id, "session_id", sessionID, "error", err)
	}
	return id, nil
}

// AttachSummary stores a summary for an existing turn.
func (w *MemoryWriter) AttachSummary(ctx context.Context, id int64, summary string) error {
	return w.repo.AttachSummary(ctx, id, summary)
}

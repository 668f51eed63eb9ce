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
	"math"
	"sort"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
	"github.com/hsmalley/ghostwire-refractory/services/controller/storage"
	"github.com/hsmalley/ghostwire-refractory/services/controller/vector"
)

// Retriever resolves a query embedding to the most relevant turns of a
// session.
//
// # Description
//
// The primary path queries the ANN index and materializes the candidate
// ids from the row store, filtering to the session while preserving ANN
// rank. When the index has nothing to offer (cold start, restore failure,
// or every candidate belonging to another session) retrieval degrades to
// an exact cosine scan over the session's rows. Retrieval never fails a
// request: all errors degrade to fewer or zero contexts.
//
// # Thread Safety
//
// Safe for concurrent use; the index and repository guard themselves.
type Retriever struct {
	repo  storage.MemoryRepository
	index *vector.Index
	topK  int
}

// NewRetriever builds a retriever over the shared index and row store.
func NewRetriever(repo storage.MemoryRepository, index *vector.Index, topK int) *Retriever {
	return &Retriever{repo: repo, index: index, topK: topK}
}

// Retrieve returns up to TopK turns for sessionID ranked by similarity to
// embedding. A nil or zero embedding yields no results.
func (r *Retriever) Retrieve(ctx context.Context, sessionID string, embedding []float32) []datatypes.Turn {
	if len(embedding) == 0 || isZeroVector(embedding) {
		return nil
	}

	turns := r.viaIndex(ctx, sessionID, embedding)
	if len(turns) > 0 {
		return turns
	}
	return r.viaScan(ctx, sessionID, embedding)
}

// viaIndex is the ANN path: query, materialize, session-filter in rank order.
func (r *Retriever) viaIndex(ctx context.Context, sessionID string, embedding []float32) []datatypes.Turn {
	k := r.topK
	if size := r.index.Size(); k > size {
		k = size
	}
	if k == 0 {
		return nil
	}

	ids, _, err := r.index.Query(embedding, k)
	if err != nil {
		slog.Warn("Index query failed, falling back to session scan", "error", err)
		return nil
	}
	if len(ids) == 0 {
		return nil
	}

	rowIDs := make([]int64, len(ids))
	for i, id := range ids {
		rowIDs[i] = int64(id)
	}
	turns, err := r.repo.ByIDs(ctx, rowIDs, sessionID)
	if err != nil {
		slog.Warn("Candidate materialization failed, falling back to session scan",
			"session_id", sessionID, "error", err)
		return nil
	}
	return turns
}

// viaScan is the exact fallback: cosine over every stored turn of the
// session. Correct but linear in session size.
func (r *Retriever) viaScan(ctx context.Context, sessionID string, embedding []float32) []datatypes.Turn {
	turns, err := r.repo.BySession(ctx, sessionID, 0)
	if err != nil {
		slog.Warn("Session scan failed", "session_id", sessionID, "error", err)
		return nil
	}
	if len(turns) == 0 {
		return nil
	}

	type ranked struct {
		turn  datatypes.Turn
		score float64
	}
	scored := make([]ranked, 0, len(turns))
	for _, t := range turns {
		if len(t.Embedding) != len(embedding) || isZeroVector(t.Embedding) {
			continue
		}
		scored = append(scored, ranked{turn: t, score: cosine(embedding, t.Embedding)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	n := r.topK
	if n > len(scored) {
		n = len(scored)
	}
	out := make([]datatypes.Turn, n)
	for i := 0; i < n; i++ {
		out[i] = scored[i].turn
	}
	if len(out) > 0 {
		slog.Debug("Retrieved contexts via fallback scan",
			"session_id", sessionID, "count", len(out))
	}
	return out
}

func isZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
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

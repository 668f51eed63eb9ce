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
	"time"

	"github.com/hsmalley/ghostwire-refractory/services/llm"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
	"github.com/hsmalley/ghostwire-refractory/services/controller/storage"
)

// replayChunkSize bounds one replayed fragment so cached responses still
// arrive as a stream rather than a single blob.
const replayChunkSize = 10

// RAGQuery is one retrieval-augmented generation request after handler
// level decoding.
type RAGQuery struct {
	SessionID string
	Text      string
	Context   string
	Model     string
	Embedding []float32
}

// RAGService orchestrates the full pipeline: validate, embed, consult both
// cache tiers, retrieve, compose, stream the generation while teeing it
// into an accumulator, then persist and write the caches through.
//
// # Thread Safety
//
// Safe for concurrent use. Each request gets its own accumulator.
type RAGService struct {
	embedder  *llm.Embedder
	generator *llm.Generator
	cache     *storage.ResponseCache
	retriever *Retriever
	composer  *Composer
	writer    *MemoryWriter
}

// NewRAGService wires the pipeline from its already-constructed stages.
func NewRAGService(
	embedder *llm.Embedder,
	generator *llm.Generator,
	cache *storage.ResponseCache,
	retriever *Retriever,
	composer *Composer,
	writer *MemoryWriter,
) *RAGService {
	return &RAGService{
		embedder:  embedder,
		generator: generator,
		cache:     cache,
		retriever: retriever,
		composer:  composer,
		writer:    writer,
	}
}

// Answer runs the pipeline for q, delivering reply fragments through emit.
//
// # Description
//
// Steps, in order:
//
//  1. Validate the session id, text, and any caller-supplied embedding.
//  2. Apply the context override, forming the effective query.
//  3. Resolve the query embedding (caller-supplied when dimensioned
//     correctly, otherwise the embedder).
//  4. Exact cache lookup; hit replays in small chunks and returns.
//  5. Approximate cache lookup by vector similarity; hit replays.
//  6. Retrieve session contexts, compose the prompt, and stream the
//     generation, teeing every fragment into a locked accumulator.
//  7. If the client observed at least one fragment, persist the turn and
//     write both cache tiers through.
//
// # Outputs
//
//   - error: Validation errors and emit failures. Upstream generation
//     trouble is delivered in-stream, not returned.
func (s *RAGService) Answer(ctx context.Context, q RAGQuery, emit func(string) error) error {
	if err := datatypes.ValidateSessionID(q.SessionID); err != nil {
		return err
	}
	if err := datatypes.ValidateText(q.Text); err != nil {
		return err
	}

	// A caller-supplied context is merged into the effective query; it
	// feeds embedding, retrieval, and caching like any other text.
	effective := q.Text
	if q.Context != "" {
		effective = q.Context + "\n\nQuestion: " + q.Text
	}

	embedding, err := s.resolveEmbedding(ctx, effective, q.Embedding)
	if err != nil {
		slog.Warn("Embedding resolution degraded", "session_id", q.SessionID, "error", err)
	}

	if cached, err := s.cache.GetExact(ctx, q.SessionID, effective); err == nil && cached != nil {
		slog.Debug("Exact cache hit", "session_id", q.SessionID)
		return replay(cached.Response, emit)
	}
	if cached, err := s.cache.GetSimilar(ctx, q.SessionID, embedding); err == nil && cached != nil {
		slog.Debug("Similarity cache hit", "session_id", q.SessionID)
		return replay(cached.Response, emit)
	}

	turns := s.retriever.Retrieve(ctx, q.SessionID, embedding)
	contextBlock := s.composer.Compose(turns)
	prompt := s.composer.Prompt(contextBlock, effective)

	acc, err := NewReplyAccumulator()
	if err != nil {
		return err
	}
	defer acc.Destroy()

	delivered := 0
	streamErr := s.generator.Stream(ctx, prompt, q.Model, func(fragment string) error {
		if err := emit(fragment); err != nil {
			return err
		}
		delivered++
		return acc.Write(fragment)
	})
	if streamErr != nil {
		// Client gone or tee overflow. Nothing was fully delivered, so
		// nothing is persisted.
		return streamErr
	}
	if delivered == 0 {
		return nil
	}

	reply, digest, err := acc.Finalize()
	if err != nil {
		slog.Warn("Reply finalize failed, skipping persistence", "error", err)
		return nil
	}

	// Persistence and cache write-through are best effort; the client
	// already has its answer.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, err := s.writer.Write(persistCtx, q.SessionID, effective, reply, embedding); err != nil {
		slog.Error("Turn persistence failed", "session_id", q.SessionID, "error", err)
	} else {
		slog.Debug("Persisted turn", "session_id", q.SessionID, "reply_sha256", digest[:12])
	}
	if err := s.cache.PutExact(persistCtx, q.SessionID, effective, reply, contextBlock); err != nil {
		slog.Warn("Exact cache write failed", "error", err)
	}
	if err := s.cache.PutSimilar(persistCtx, q.SessionID, effective, embedding, reply, contextBlock); err != nil {
		slog.Warn("Similarity cache write failed", "error", err)
	}
	return nil
}

// Retrieve returns the context texts for a query without generating.
func (s *RAGService) Retrieve(ctx context.Context, sessionID, text string, topK int) ([]string, error) {
	if err := datatypes.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := datatypes.ValidateText(text); err != nil {
		return nil, err
	}
	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	turns := s.retriever.Retrieve(ctx, sessionID, embedding)
	if topK > 0 && topK < len(turns) {
		turns = turns[:topK]
	}
	contexts := make([]string, 0, len(turns))
	for _, t := range turns {
		contexts = append(contexts, t.PromptText)
	}
	return contexts, nil
}

// RetrieveByVector returns ranked turns for a raw query vector, for
// surfaces that carry their own embeddings.
func (s *RAGService) RetrieveByVector(ctx context.Context, sessionID string, vec []float32) []datatypes.Turn {
	return s.retriever.Retrieve(ctx, sessionID, llm.NormalizeVector(vec))
}

// resolveEmbedding prefers the caller's vector when it has the configured
// dimension; anything else goes through the embedder gateway.
func (s *RAGService) resolveEmbedding(ctx context.Context, text string, supplied []float32) ([]float32, error) {
	if len(supplied) == s.embedder.Dim() {
		return llm.NormalizeVector(supplied), nil
	}
	return s.embedder.Embed(ctx, text)
}

// replay re-streams a cached response in rune-safe chunks.
func replay(response string, emit func(string) error) error {
	runes := []rune(response)
	for start := 0; start < len(runes); start += replayChunkSize {
		end := start + replayChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		if err := emit(string(runes[start:end])); err != nil {
			return err
		}
	}
	return nil
}

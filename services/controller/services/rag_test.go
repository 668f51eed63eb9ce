// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsmalley/ghostwire-refractory/services/llm"

	"github.com/hsmalley/ghostwire-refractory/services/controller/config"
	"github.com/hsmalley/ghostwire-refractory/services/controller/storage"
	"github.com/hsmalley/ghostwire-refractory/services/controller/vector"
)

const ragTestDim = 4

// ragHarness is a full pipeline wired against httptest upstreams.
type ragHarness struct {
	svc       *RAGService
	repo      storage.MemoryRepository
	index     *vector.Index
	genCalls  *atomic.Int32
	genPrompt *atomic.Value
}

// lastPrompt reports the prompt the mock generator saw most recently.
func (h *ragHarness) lastPrompt() string {
	p, _ := h.genPrompt.Load().(string)
	return p
}

// newRAGHarness builds the pipeline over a temp sqlite db, a tiny index,
// and mock Ollama upstreams that embed to a constant vector and generate
// a fixed two-fragment reply.
func newRAGHarness(t *testing.T) *ragHarness {
	t.Helper()
	t.Setenv("GHOSTWIRE_INSECURE_MEMORY", "true")

	genCalls := &atomic.Int32{}
	genPrompt := &atomic.Value{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embeddings":
			var req struct {
				Input string `json:"input"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			// Deterministic per-text vector so distinct queries miss the
			// similarity cache when needed.
			v := float32(len(req.Input)%7) + 1
			_ = json.NewEncoder(w).Encode(map[string]any{
				"embedding": []float32{v, 1, 0, 0},
			})
		case "/api/generate":
			genCalls.Add(1)
			var req struct {
				Prompt string `json:"prompt"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			genPrompt.Store(req.Prompt)
			_, _ = w.Write([]byte(`{"response":"Hello "}` + "\n"))
			_, _ = w.Write([]byte(`{"response":"world","done":true}` + "\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	db, err := storage.Open(filepath.Join(t.TempDir(), "rag_test.db"))
	require.NoError(t, err)

	index, err := vector.New(vector.Params{Dim: ragTestDim, MaxElements: 1000, M: 4, EfConstruction: 16, EfQuery: 16})
	require.NoError(t, err)

	repo := storage.NewMemoryRepository(db, ragTestDim)
	cache := storage.NewResponseCache(db, ragTestDim, time.Hour, time.Hour, 0.99)
	embedder := llm.NewEmbedder(upstream.URL, []string{"test-embed"}, ragTestDim, nil)
	generator := llm.NewGenerator(upstream.URL, upstream.URL, "test-model")

	cfg := config.Default()
	retriever := NewRetriever(repo, index, cfg.TopK)
	composer := NewComposer(cfg)
	writer := NewMemoryWriter(repo, index)

	return &ragHarness{
		svc:       NewRAGService(embedder, generator, cache, retriever, composer, writer),
		repo:      repo,
		index:     index,
		genCalls:  genCalls,
		genPrompt: genPrompt,
	}
}

func (h *ragHarness) answer(t *testing.T, q RAGQuery) string {
	t.Helper()
	var sb strings.Builder
	err := h.svc.Answer(context.Background(), q, func(f string) error {
		sb.WriteString(f)
		return nil
	})
	require.NoError(t, err)
	return sb.String()
}

func TestAnswerStreamsAndPersists(t *testing.T) {
	h := newRAGHarness(t)

	got := h.answer(t, RAGQuery{SessionID: "s1", Text: "what is up"})
	assert.Equal(t, "Hello world", got)

	turns, err := h.repo.BySession(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "what is up", turns[0].PromptText)
	assert.Equal(t, "Hello world", turns[0].AnswerText)
	assert.Equal(t, 1, h.index.Size(), "persisted turn joins the index")
}

func TestAnswerValidatesInput(t *testing.T) {
	h := newRAGHarness(t)

	err := h.svc.Answer(context.Background(), RAGQuery{SessionID: "", Text: "hi"}, nil)
	assert.Error(t, err)

	err = h.svc.Answer(context.Background(), RAGQuery{SessionID: "s1", Text: "   "}, nil)
	assert.Error(t, err)
}

func TestAnswerExactCacheReplay(t *testing.T) {
	h := newRAGHarness(t)

	first := h.answer(t, RAGQuery{SessionID: "s1", Text: "repeat me"})
	require.Equal(t, "Hello world", first)
	require.Equal(t, int32(1), h.genCalls.Load())

	var fragments []string
	err := h.svc.Answer(context.Background(), RAGQuery{SessionID: "s1", Text: "repeat me"}, func(f string) error {
		fragments = append(fragments, f)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", strings.Join(fragments, ""))
	assert.Equal(t, int32(1), h.genCalls.Load(), "second answer comes from cache")
	for _, f := range fragments {
		assert.LessOrEqual(t, len(f), replayChunkSize, "replay is chunked")
	}
}

func TestAnswerSimilarCacheHit(t *testing.T) {
	h := newRAGHarness(t)

	first := h.answer(t, RAGQuery{
		SessionID: "s1",
		Text:      "similar one",
		Embedding: []float32{1, 0, 0, 0},
	})
	require.Equal(t, "Hello world", first)
	require.Equal(t, int32(1), h.genCalls.Load())

	// Different text, near-identical vector: misses the exact tier, hits
	// the similarity tier above the 0.99 harness threshold.
	second := h.answer(t, RAGQuery{
		SessionID: "s1",
		Text:      "similar two",
		Embedding: []float32{1, 0.02, 0, 0},
	})
	assert.Equal(t, "Hello world", second)
	assert.Equal(t, int32(1), h.genCalls.Load(), "similar query replays the cached reply")
}

func TestRetrieveAfterDropReturnsNothing(t *testing.T) {
	h := newRAGHarness(t)

	_ = h.answer(t, RAGQuery{SessionID: "s1", Text: "doomed turn"})
	require.Equal(t, 1, h.index.Size())

	_, err := h.repo.Drop(context.Background(), "s1")
	require.NoError(t, err)

	// The index still holds the orphaned id; the row store filters it out.
	contexts, err := h.svc.Retrieve(context.Background(), "s1", "doomed turn", 5)
	require.NoError(t, err)
	assert.Empty(t, contexts)
}

func TestAnswerCacheIsSessionScoped(t *testing.T) {
	h := newRAGHarness(t)

	_ = h.answer(t, RAGQuery{SessionID: "s1", Text: "repeat me"})
	_ = h.answer(t, RAGQuery{SessionID: "s2", Text: "repeat me"})
	assert.Equal(t, int32(2), h.genCalls.Load(), "cache entries do not cross sessions")
}

func TestAnswerContextOverrideKeepsRetrieval(t *testing.T) {
	h := newRAGHarness(t)

	_ = h.answer(t, RAGQuery{SessionID: "s1", Text: "seed turn one"})

	got := h.answer(t, RAGQuery{SessionID: "s1", Text: "question", Context: "supplied context"})
	assert.Equal(t, "Hello world", got)

	// The override merges into the effective query; prior session turns
	// still frame the prompt alongside it.
	prompt := h.lastPrompt()
	assert.Contains(t, prompt, "Relevant prior notes:")
	assert.Contains(t, prompt, "seed turn one")
	assert.Contains(t, prompt, "User: supplied context\n\nQuestion: question")

	turns, err := h.repo.BySession(context.Background(), "s1", 1)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "supplied context\n\nQuestion: question", turns[0].PromptText,
		"override is embedded into the stored prompt")
}

func TestAnswerSkipsPersistenceWhenNothingDelivered(t *testing.T) {
	t.Setenv("GHOSTWIRE_INSECURE_MEMORY", "true")

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embeddings":
			_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{1, 0, 0, 0}})
		case "/api/generate":
			// Stream that ends without any content.
			_, _ = w.Write([]byte(`{"response":"","done":true}` + "\n"))
		}
	}))
	defer upstream.Close()

	db, err := storage.Open(filepath.Join(t.TempDir(), "rag_empty.db"))
	require.NoError(t, err)
	index, err := vector.New(vector.Params{Dim: ragTestDim, MaxElements: 100, M: 4, EfConstruction: 16, EfQuery: 16})
	require.NoError(t, err)

	repo := storage.NewMemoryRepository(db, ragTestDim)
	cfg := config.Default()
	svc := NewRAGService(
		llm.NewEmbedder(upstream.URL, []string{"m"}, ragTestDim, nil),
		llm.NewGenerator(upstream.URL, upstream.URL, "m"),
		storage.NewResponseCache(db, ragTestDim, time.Hour, time.Hour, 0.9),
		NewRetriever(repo, index, cfg.TopK),
		NewComposer(cfg),
		NewMemoryWriter(repo, index),
	)

	err = svc.Answer(context.Background(), RAGQuery{SessionID: "s1", Text: "hi"}, func(string) error { return nil })
	require.NoError(t, err)

	turns, err := repo.BySession(context.Background(), "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, turns, "empty generation is not persisted")
}

func TestRetrieveReturnsSessionContexts(t *testing.T) {
	h := newRAGHarness(t)

	_ = h.answer(t, RAGQuery{SessionID: "s1", Text: "alpha question"})
	_ = h.answer(t, RAGQuery{SessionID: "s2", Text: "other session"})

	contexts, err := h.svc.Retrieve(context.Background(), "s1", "alpha question again", 5)
	require.NoError(t, err)
	require.NotEmpty(t, contexts)
	for _, c := range contexts {
		assert.NotContains(t, c, "other session")
	}
}

func TestRetrieverFallsBackToScan(t *testing.T) {
	h := newRAGHarness(t)
	ctx := context.Background()

	// Rows present but the index is empty: the scan path must serve them.
	_, err := h.repo.Insert(ctx, "s1", "scan me", "answer", []float32{1, 0, 0, 0})
	require.NoError(t, err)

	retriever := NewRetriever(h.repo, mustEmptyIndex(t), 5)
	turns := retriever.Retrieve(ctx, "s1", []float32{1, 0, 0, 0})
	require.Len(t, turns, 1)
	assert.Equal(t, "scan me", turns[0].PromptText)
}

func TestRetrieverZeroVectorYieldsNothing(t *testing.T) {
	h := newRAGHarness(t)
	retriever := NewRetriever(h.repo, h.index, 5)
	assert.Nil(t, retriever.Retrieve(context.Background(), "s1", []float32{0, 0, 0, 0}))
	assert.Nil(t, retriever.Retrieve(context.Background(), "s1", nil))
}

func mustEmptyIndex(t *testing.T) *vector.Index {
	t.Helper()
	ix, err := vector.New(vector.Params{Dim: ragTestDim, MaxElements: 10, M: 4, EfConstruction: 8, EfQuery: 8})
	require.NoError(t, err)
	return ix
}

func TestReplayChunking(t *testing.T) {
	var got []string
	require.NoError(t, replay("abcdefghijklmnopqrstuvwxyz", func(f string) error {
		got = append(got, f)
		return nil
	}))
	assert.Equal(t, []string{"abcdefghij", "klmnopqrst", "uvwxyz"}, got)
}

func TestAccumulatorRoundTrip(t *testing.T) {
	t.Setenv("GHOSTWIRE_INSECURE_MEMORY", "true")

	acc, err := NewReplyAccumulator()
	require.NoError(t, err)
	require.NoError(t, acc.Write("Hello "))
	require.NoError(t, acc.Write("world"))
	assert.Equal(t, 11, acc.Len())

	reply, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello world", reply)
	assert.Len(t, digest, 64)

	_, _, err = acc.Finalize()
	assert.Error(t, err, "finalize is single use")
}

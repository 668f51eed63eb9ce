// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsmalley/ghostwire-refractory/services/llm"

	"github.com/hsmalley/ghostwire-refractory/services/controller/config"
	"github.com/hsmalley/ghostwire-refractory/services/controller/services"
	"github.com/hsmalley/ghostwire-refractory/services/controller/storage"
	"github.com/hsmalley/ghostwire-refractory/services/controller/vector"
)

const testDim = 4

// testEnv is the full controller surface over a temp store and a fake
// Ollama upstream that serves embeddings, generation, chat, and tags.
type testEnv struct {
	deps     *Deps
	router   *gin.Engine
	upstream *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("GHOSTWIRE_INSECURE_MEMORY", "true")
	gin.SetMode(gin.TestMode)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embeddings":
			var req struct {
				Input string `json:"input"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			v := float32(len(req.Input)%7) + 1
			_ = json.NewEncoder(w).Encode(map[string]any{
				"embedding": []float32{v, 1, 0, 0},
			})
		case "/api/generate":
			_, _ = w.Write([]byte(`{"response":"Hello "}` + "\n"))
			_, _ = w.Write([]byte(`{"response":"world","done":true}` + "\n"))
		case "/api/chat":
			_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"Hello "}}` + "\n"))
			_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"world"},"done":true}` + "\n"))
		case "/api/tags":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"models": []map[string]any{{"name": "test-model", "model": "test-model"}},
			})
		case "/api/pull":
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "success"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	cfg := config.Default()
	cfg.EmbedDim = testDim
	cfg.LocalGenURL = upstream.URL
	cfg.RemoteGenURL = upstream.URL
	cfg.DefaultModel = "test-model"
	cfg.RemoteModel = "remote-model"
	cfg.CacheSimThreshold = 0.99

	db, err := storage.Open(filepath.Join(t.TempDir(), "handlers_test.db"))
	require.NoError(t, err)

	index, err := vector.New(vector.Params{
		Dim: testDim, MaxElements: 1000, M: 4, EfConstruction: 16, EfQuery: 16,
	})
	require.NoError(t, err)

	repo := storage.NewMemoryRepository(db, testDim)
	cache := storage.NewResponseCache(db, testDim, time.Hour, time.Hour, cfg.CacheSimThreshold)
	embedder := llm.NewEmbedder(upstream.URL, []string{"test-embed"}, testDim, nil)
	generator := llm.NewGenerator(upstream.URL, upstream.URL, cfg.DefaultModel)
	catalog := llm.NewCatalog(upstream.URL, upstream.URL, cfg.DefaultModel, cfg.RemoteModel)
	summarizer := llm.NewSummarizer(generator, cfg.SummaryModel, false)
	writer := services.NewMemoryWriter(repo, index)
	rag := services.NewRAGService(embedder, generator, cache,
		services.NewRetriever(repo, index, cfg.TopK), services.NewComposer(cfg), writer)

	deps := &Deps{
		Cfg:        cfg,
		RAG:        rag,
		Embedder:   embedder,
		Generator:  generator,
		Catalog:    catalog,
		Summarizer: summarizer,
		Repo:       repo,
		Index:      index,
		Cache:      cache,
		Writer:     writer,
	}

	router := gin.New()
	router.GET("/health", HandleHealth)
	router.POST("/chat_embedding", HandleChatEmbedding(deps))
	router.POST("/retrieve", HandleRetrieve(deps))
	router.POST("/rag", HandleRAG(deps))
	router.POST("/chat_completion", HandleChatCompletion(deps))
	router.POST("/summarize", HandleSummarize(deps))
	router.POST("/benchmark", HandleBenchmark(deps))
	router.POST("/documents", HandleDocuments(deps))
	router.GET("/cache/stats", HandleCacheStats(deps))

	v1 := router.Group("/v1")
	v1.POST("/embeddings", HandleOpenAIEmbeddings(deps))
	v1.POST("/chat/completions", HandleOpenAIChatCompletions(deps))
	v1.POST("/completions", HandleOpenAICompletions(deps))
	v1.GET("/models", HandleOpenAIModels(deps))
	v1.GET("/models/:id", HandleOpenAIModelDetail(deps))

	api := router.Group("/api")
	api.POST("/generate", HandleOllamaGenerate(deps))
	api.POST("/chat", HandleOllamaChat(deps))
	api.GET("/tags", HandleOllamaTags(deps))
	api.POST("/pull", HandleOllamaProxy(deps, "/api/pull"))

	collections := router.Group("/collections")
	collections.GET("", HandleQdrantListCollections(deps))
	collections.PUT("/:name", HandleQdrantCreateCollection(deps))
	collections.GET("/:name", HandleQdrantGetCollection(deps))
	collections.DELETE("/:name", HandleQdrantDeleteCollection(deps))
	collections.PUT("/:name/points", HandleQdrantUpsertPoints(deps))
	collections.POST("/:name/points", HandleQdrantUpsertPoints(deps))
	collections.GET("/:name/points/:id", HandleQdrantGetPoint(deps))
	collections.POST("/:name/points/search", HandleQdrantSearch(deps))
	collections.POST("/:name/points/delete", HandleQdrantDeletePoints(deps))
	collections.PUT("/:name/index", HandleQdrantCreateIndex(deps))

	return &testEnv{deps: deps, router: router, upstream: upstream}
}

// do performs one request. A nil body sends no payload; []byte passes
// through raw; anything else is JSON-marshaled.
func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeJSON(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
}

func TestChatEmbeddingStreamsAnswer(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/chat_embedding",
		map[string]any{"session_id": "s1", "text": "what is ghostwire"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, "Hello world", rec.Body.String())
}

func TestChatEmbeddingRejectsWrongDimension(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/chat_embedding",
		map[string]any{"session_id": "s1", "text": "hi", "embedding": []float32{1, 2}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	decodeJSON(t, rec, &body)
	assert.Equal(t, "EMBEDDING_DIM_MISMATCH", body.Error.Code)
	assert.EqualValues(t, testDim, body.Error.Details["expected"])
	assert.EqualValues(t, 2, body.Error.Details["actual"])
}

func TestChatEmbeddingRejectsMissingText(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/chat_embedding",
		map[string]any{"session_id": "s1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRetrieveReturnsStoredContexts(t *testing.T) {
	env := newTestEnv(t)

	first := env.do(t, http.MethodPost, "/chat_embedding",
		map[string]any{"session_id": "s1", "text": "what is ghostwire"})
	require.Equal(t, http.StatusOK, first.Code)

	rec := env.do(t, http.MethodPost, "/retrieve",
		map[string]any{"session_id": "s1", "text": "what is ghostwire", "top_k": 3})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status   string   `json:"status"`
		Contexts []string `json:"contexts"`
	}
	decodeJSON(t, rec, &body)
	assert.Equal(t, "ok", body.Status)
	require.Len(t, body.Contexts, 1)
	assert.Equal(t, "what is ghostwire", body.Contexts[0])
}

func TestRetrieveEmptySessionYieldsEmptyList(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/retrieve",
		map[string]any{"session_id": "nobody", "text": "anything"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","contexts":[]}`, rec.Body.String())
}

func TestRAGDefaultsSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/rag", map[string]any{"text": "hello there"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello world", rec.Body.String())

	turns, err := env.deps.Repo.BySession(t.Context(), defaultSessionID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "hello there", turns[0].PromptText)
}

func TestSummarizeMissingText(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/summarize", map[string]any{})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.JSONEq(t, `{"error":"Missing text"}`, rec.Body.String())
}

func TestSummarizeReturnsSummary(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/summarize",
		map[string]any{"text": strings.Repeat("memory pressure builds slowly. ", 10)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"summary":"Hello world"}`, rec.Body.String())
}

func TestChatCompletionNonStreaming(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/chat_completion", map[string]any{
		"text": "summarize my day",
		"history": []map[string]string{
			{"prompt": "hi", "answer": "hello"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"summary":"Hello world"}`, rec.Body.String())
}

func TestCacheStatsCountsEntries(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total":0,"expired":0,"active":0}`, rec.Body.String())

	first := env.do(t, http.MethodPost, "/chat_embedding",
		map[string]any{"session_id": "s1", "text": "what is ghostwire"})
	require.Equal(t, http.StatusOK, first.Code)

	rec = env.do(t, http.MethodGet, "/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		Total  int64 `json:"total"`
		Active int64 `json:"active"`
	}
	decodeJSON(t, rec, &stats)
	assert.Equal(t, int64(2), stats.Total, "one exact and one approximate entry")
	assert.Equal(t, int64(2), stats.Active)
}

func TestDocumentsIngestsChunks(t *testing.T) {
	env := newTestEnv(t)

	text := strings.Repeat("GhostWire keeps per-session conversational memory on disk. ", 20)
	rec := env.do(t, http.MethodPost, "/documents", map[string]any{
		"session_id": "docs",
		"text":       text,
		"source":     "notes.txt",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status  string `json:"status"`
		DocID   string `json:"doc_id"`
		Chunks  int    `json:"chunks"`
		Session string `json:"session"`
	}
	decodeJSON(t, rec, &body)
	assert.Equal(t, "ok", body.Status)
	assert.True(t, strings.HasPrefix(body.DocID, "doc_"), "doc id %q", body.DocID)
	assert.GreaterOrEqual(t, body.Chunks, 2)
	assert.Equal(t, "docs", body.Session)

	turns, err := env.deps.Repo.BySession(t.Context(), "docs", 0)
	require.NoError(t, err)
	assert.Len(t, turns, body.Chunks)
	assert.Contains(t, turns[0].AnswerText, body.DocID)
}

func TestDocumentsRejectsEmptyText(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/documents",
		map[string]any{"session_id": "docs", "text": "   "})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestBenchmarkReportsScore(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/benchmark",
		map[string]any{"task": "rag", "iterations": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Task           string  `json:"task"`
		Iterations     int     `json:"iterations"`
		AvgLatencySecs float64 `json:"avg_latency_seconds"`
		GhostwireScore float64 `json:"ghostwire_score"`
	}
	decodeJSON(t, rec, &body)
	assert.Equal(t, "rag", body.Task)
	assert.Equal(t, 1, body.Iterations)
	assert.GreaterOrEqual(t, body.AvgLatencySecs, 0.0)
	assert.Greater(t, body.GhostwireScore, 0.0)
}

func TestBenchmarkClampsIterations(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/benchmark",
		map[string]any{"task": "summarize", "iterations": -5})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Iterations int `json:"iterations"`
	}
	decodeJSON(t, rec, &body)
	assert.Equal(t, 1, body.Iterations)
}

func TestWhitespaceTokens(t *testing.T) {
	assert.Equal(t, 0, whitespaceTokens(""))
	assert.Equal(t, 2, whitespaceTokens("hello world"))
	assert.Equal(t, 3, whitespaceTokens("a\tb\nc"))
	assert.Equal(t, 4, whitespaceTokens("one two", "three  four"))
}

// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
)

// embedEpsilon replaces non-finite components and seeds the fallback
// vector. Small enough to be semantically inert, large enough that a
// normalized fallback never divides by zero.
const embedEpsilon = 1e-8

// embedRequestTimeout is the per-upstream-call budget. Embedding a single
// utterance on a local model is sub-second; 30 s covers cold model loads.
const embedRequestTimeout = 30 * time.Second

// embedBatchConcurrency bounds parallel upstream calls during document
// ingestion. 10 concurrent requests saturates a local Ollama instance
// without overwhelming it.
const embedBatchConcurrency = 10

// embedEndpoints are tried in order per candidate model. Older Ollama
// builds only serve the first; newer ones only document the second.
var embedEndpoints = []string{"/api/embeddings", "/api/embed"}

// ollamaEmbedRequest is the body sent to either embedding endpoint.
type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// ollamaEmbedResponse covers the three wire shapes upstreams answer with:
// a bare vector, an OpenAI-style data array, or a batched embeddings array.
type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
	Data      []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Embeddings [][]float32 `json:"embeddings"`
}

// vector returns the first populated shape, or nil.
func (r *ollamaEmbedResponse) vector() []float32 {
	if len(r.Embedding) > 0 {
		return r.Embedding
	}
	if len(r.Data) > 0 && len(r.Data[0].Embedding) > 0 {
		return r.Data[0].Embedding
	}
	if len(r.Embeddings) > 0 && len(r.Embeddings[0]) > 0 {
		return r.Embeddings[0]
	}
	return nil
}

// =============================================================================
// Embedder
// =============================================================================

// Embedder turns text into fixed-dimension vectors via the local model
// server, walking an ordered candidate list until one model answers.
//
// # Description
//
// The first model that succeeds becomes sticky: later calls try it first
// so a warm model keeps serving. Stickiness is advisory; a stale read just
// costs one extra upstream probe, so the race is benign.
//
// Every returned vector is sanitized to exactly dim finite components.
// When every candidate fails, the caller still gets a usable epsilon
// vector together with an UpstreamEmbeddingError; most surfaces log and
// continue, only /v1/embeddings propagates the failure.
//
// # Thread Safety
//
// Safe for concurrent use.
type Embedder struct {
	baseURL string
	models  []string
	dim     int
	client  *http.Client
	memo    *EmbeddingMemo // nil disables memoization

	mu     sync.Mutex
	sticky string
}

// NewEmbedder builds an embedder. memo may be nil.
func NewEmbedder(baseURL string, models []string, dim int, memo *EmbeddingMemo) *Embedder {
	return &Embedder{
		baseURL: baseURL,
		models:  models,
		dim:     dim,
		client:  &http.Client{Timeout: embedRequestTimeout},
		memo:    memo,
	}
}

// Embed returns a sanitized dim-length vector for text.
//
// # Outputs
//
//   - []float32: always non-nil and dim long, even on total failure.
//   - error: UpstreamEmbeddingError when no candidate produced a vector.
//     The vector is then the epsilon fallback.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for _, model := range e.candidates() {
		if e.memo != nil {
			if vec, err := e.memo.Get(ctx, model, text); err != nil {
				slog.Warn("Embed memo lookup failed", "error", err)
			} else if vec != nil {
				return e.sanitize(vec), nil
			}
		}

		vec, err := e.embedWith(ctx, model, text)
		if err != nil {
			slog.Debug("Embedding candidate failed", "model", model, "error", err)
			lastErr = err
			continue
		}

		e.setSticky(model)
		clean := e.sanitize(vec)
		if e.memo != nil {
			if err := e.memo.Put(ctx, model, text, clean); err != nil {
				slog.Warn("Embed memo save failed", "error", err)
			}
		}
		return clean, nil
	}

	slog.Error("All embedding candidates failed", "candidates", len(e.models), "error", lastErr)
	return e.epsilonVector(), &datatypes.UpstreamEmbeddingError{Model: "all", Cause: lastErr}
}

// EmbedBatch embeds texts in parallel with bounded concurrency, for the
// document ingestion surface. Individual failures fall back to the epsilon
// vector; the error reports only a wholesale upstream outage.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	failures := make([]bool, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, embedBatchConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			vec, err := e.Embed(gctx, text)
			vectors[i] = vec
			failures[i] = err != nil
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	failed := 0
	for _, f := range failures {
		if f {
			failed++
		}
	}
	if failed == len(texts) && len(texts) > 0 {
		return vectors, &datatypes.UpstreamEmbeddingError{
			Model: "all",
			Cause: fmt.Errorf("all %d batch embeddings failed", failed),
		}
	}
	if failed > 0 {
		slog.Warn("Partial batch embedding failure", "failed", failed, "total", len(texts))
	}
	return vectors, nil
}

// Dim reports the configured vector dimension.
func (e *Embedder) Dim() int { return e.dim }

// candidates returns the model list with the sticky model moved to front.
func (e *Embedder) candidates() []string {
	e.mu.Lock()
	sticky := e.sticky
	e.mu.Unlock()

	if sticky == "" {
		return e.models
	}
	out := make([]string, 0, len(e.models))
	out = append(out, sticky)
	for _, m := range e.models {
		if m != sticky {
			out = append(out, m)
		}
	}
	return out
}

func (e *Embedder) setSticky(model string) {
	e.mu.Lock()
	if e.sticky != model {
		slog.Info("Embedding model selected", "model", model)
		e.sticky = model
	}
	e.mu.Unlock()
}

// embedWith tries both endpoints for one model, retrying once per endpoint
// on a transient gateway status.
func (e *Embedder) embedWith(ctx context.Context, model, text string) ([]float32, error) {
	var lastErr error
	for _, endpoint := range embedEndpoints {
		vec, err := e.post(ctx, endpoint, model, text)
		if err == nil {
			return vec, nil
		}
		if isRetryableStatusError(err) {
			vec, err = e.post(ctx, endpoint, model, text)
			if err == nil {
				return vec, nil
			}
		}
		lastErr = err
	}
	return nil, lastErr
}

func (e *Embedder) post(ctx context.Context, endpoint, model, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed HTTP call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{status: resp.StatusCode, body: string(raw)}
	}

	var parsed ollamaEmbedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse embed response: %w", err)
	}
	vec := parsed.vector()
	if vec == nil {
		return nil, fmt.Errorf("embed response carried no vector")
	}
	return vec, nil
}

// =============================================================================
// Sanitization
// =============================================================================

// sanitize forces a vector into shape: finite components only, exactly dim
// long, and never effectively zero.
func (e *Embedder) sanitize(vec []float32) []float32 {
	out := make([]float32, e.dim)
	n := copy(out, vec)
	for i := 0; i < n; i++ {
		if math.IsNaN(float64(out[i])) || math.IsInf(float64(out[i]), 0) {
			out[i] = embedEpsilon
		}
	}
	// Short vectors are padded with epsilon, not zero, so the tail stays
	// consistent with the fallback vector and never contributes exact
	// zeros to a stored embedding.
	for i := n; i < e.dim; i++ {
		out[i] = embedEpsilon
	}

	var l1 float64
	for _, v := range out {
		l1 += math.Abs(float64(v))
	}
	if l1 < embedEpsilon {
		return e.epsilonVector()
	}
	return out
}

// epsilonVector is the uniform fallback used when no real embedding is
// available. Retrieval quality degrades but nothing downstream breaks.
func (e *Embedder) epsilonVector() []float32 {
	vec := make([]float32, e.dim)
	for i := range vec {
		vec[i] = embedEpsilon
	}
	return vec
}

// NormalizeVector scales a vector to unit L2 norm so cosine similarity
// reduces to a dot product. Zero vectors are returned unchanged.
func NormalizeVector(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// =============================================================================
// Status Helpers
// =============================================================================

// httpStatusError carries an upstream status for retry classification.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.status, e.body)
}

// isRetryableStatusError reports whether err is a transient gateway
// failure worth one more attempt: 502, 503, or 504.
func isRetryableStatusError(err error) bool {
	se, ok := err.(*httpStatusError)
	if !ok {
		return false
	}
	switch se.status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

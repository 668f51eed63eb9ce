// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
)

// The Qdrant facade maps collections onto sessions: a collection name is a
// session id, points are turns, and the single configured dimension D is
// the only accepted vector size.

// qdrantOK writes the Qdrant result envelope.
func qdrantOK(c *gin.Context, start time.Time, result any) {
	c.JSON(http.StatusOK, datatypes.QdrantEnvelope{
		Status: "ok",
		Result: result,
		Time:   time.Since(start).Seconds(),
	})
}

// qdrantFail writes a Qdrant-style error status.
func qdrantFail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"status": gin.H{"error": message}, "time": 0.0})
}

// HandleQdrantListCollections is GET /collections.
func HandleQdrantListCollections(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		sessions, err := deps.Repo.Sessions(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		entries := make([]gin.H, 0, len(sessions))
		for _, name := range sessions {
			entries = append(entries, gin.H{"name": name})
		}
		qdrantOK(c, start, gin.H{"collections": entries})
	}
}

// HandleQdrantCreateCollection is PUT /collections/:name. The store is
// single-schema: only vector size D with Cosine distance is accepted.
// Re-creating a dropped collection clears its tombstone.
func HandleQdrantCreateCollection(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		name := c.Param("name")

		var req datatypes.QdrantCreateCollection
		if err := c.ShouldBindJSON(&req); err != nil {
			qdrantFail(c, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Vectors.Size != 0 && req.Vectors.Size != deps.Cfg.EmbedDim {
			qdrantFail(c, http.StatusBadRequest, "vector size mismatch")
			return
		}
		if err := deps.Repo.Undrop(c.Request.Context(), name); err != nil {
			respondError(c, err)
			return
		}
		slog.Info("Collection created", "collection", name)
		qdrantOK(c, start, true)
	}
}

// HandleQdrantGetCollection is GET /collections/:name. Collections exist
// implicitly once written; a dropped or never-written empty collection is
// a 404.
func HandleQdrantGetCollection(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		name := c.Param("name")
		ctx := c.Request.Context()

		dropped, err := deps.Repo.IsDropped(ctx, name)
		if err != nil {
			respondError(c, err)
			return
		}
		count, err := deps.Repo.SizeOf(ctx, name)
		if err != nil {
			respondError(c, err)
			return
		}
		if dropped || count == 0 {
			qdrantFail(c, http.StatusNotFound, "collection not found")
			return
		}

		qdrantOK(c, start, datatypes.QdrantCollectionInfo{
			Status:       "green",
			VectorsCount: count,
			PointsCount:  count,
			Config: map[string]any{
				"params": map[string]any{
					"vectors": datatypes.QdrantVectorParams{
						Size:     deps.Cfg.EmbedDim,
						Distance: "Cosine",
					},
				},
			},
		})
	}
}

// HandleQdrantDeleteCollection is DELETE /collections/:name: drops every
// row and records the tombstone.
func HandleQdrantDeleteCollection(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		name := c.Param("name")

		existed, err := deps.Repo.Drop(c.Request.Context(), name)
		if err != nil {
			respondError(c, err)
			return
		}
		slog.Info("Collection dropped", "collection", name, "had_rows", existed)
		qdrantOK(c, start, true)
	}
}

// HandleQdrantUpsertPoints serves PUT and POST /collections/:name/points.
//
// # Description
//
// Accepts all three client shapes (bare list, {"points": [...]}, columnar
// {"batch": {...}}). Each point becomes one turn: the payload's text field
// (falling back to the point id) is the prompt, the JSON-encoded payload
// is the answer. Long free-text payloads are summarized first, unless the
// payload opts out with summarize:false, the text looks like code, or
// summarization is disabled. Points without a vector are embedded
// server-side from the summary when one was produced, otherwise from the
// full text.
func HandleQdrantUpsertPoints(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		name := c.Param("name")
		ctx := c.Request.Context()

		raw, err := c.GetRawData()
		if err != nil {
			qdrantFail(c, http.StatusBadRequest, "unreadable body")
			return
		}
		points, err := decodeUpsertPoints(raw)
		if err != nil {
			qdrantFail(c, http.StatusBadRequest, err.Error())
			return
		}

		upserted := 0
		for _, p := range points {
			text := pointText(p)
			payload, _ := json.Marshal(p.Payload)

			// Summarization runs before embedding: a server-side vector
			// indexes the summary when one exists, so retrieval matches
			// what is actually surfaced.
			summary := ""
			if wantSummary(p) && deps.Summarizer.ShouldSummarize(text) {
				if s, err := deps.Summarizer.Summarize(ctx, text, 0); err == nil && s != "" && s != text {
					summary = s
				}
			}

			vec := p.Vector
			if len(vec) == 0 {
				embedText := text
				if summary != "" {
					embedText = summary
				}
				if vec, err = deps.Embedder.Embed(ctx, embedText); err != nil {
					slog.Warn("Point embedding degraded", "collection", name, "error", err)
				}
			} else if len(vec) != deps.Cfg.EmbedDim {
				qdrantFail(c, http.StatusBadRequest, "vector size mismatch")
				return
			}

			id, err := deps.Writer.Write(ctx, name, text, string(payload), vec)
			if err != nil {
				respondError(c, err)
				return
			}
			upserted++

			if summary != "" {
				if err := deps.Writer.AttachSummary(ctx, id, summary); err != nil {
					slog.Warn("Summary attach failed", "row_id", id, "error", err)
				}
			}
		}

		slog.Debug("Upserted points", "collection", name, "count", upserted)
		qdrantOK(c, start, gin.H{"operation_id": 0, "status": "completed"})
	}
}

// decodeUpsertPoints accepts both a bare JSON list and the object forms.
func decodeUpsertPoints(raw []byte) ([]datatypes.QdrantPoint, error) {
	var list []datatypes.QdrantPoint
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var req datatypes.QdrantUpsertRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, datatypes.NewValidationError("body", "invalid points body")
	}
	return req.AllPoints(), nil
}

// pointText extracts the free-text content of a point's payload.
func pointText(p datatypes.QdrantPoint) string {
	for _, key := range []string{"text", "content", "prompt_text"} {
		if v, ok := p.Payload[key].(string); ok && v != "" {
			return v
		}
	}
	return p.IDString()
}

// wantSummary honors the payload's summarize flag, defaulting to true.
func wantSummary(p datatypes.QdrantPoint) bool {
	if v, ok := p.Payload["summarize"].(bool); ok {
		return v
	}
	return true
}

// HandleQdrantSearch serves POST /collections/:name/points/search and its
// /points/query alias.
func HandleQdrantSearch(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		name := c.Param("name")

		var req datatypes.QdrantSearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			qdrantFail(c, http.StatusBadRequest, "invalid request body")
			return
		}
		vec, err := req.ResolveVector()
		if err != nil {
			qdrantFail(c, http.StatusBadRequest, "missing query vector")
			return
		}
		if len(vec) != deps.Cfg.EmbedDim {
			qdrantFail(c, http.StatusBadRequest, "vector size mismatch")
			return
		}

		limit := req.ResolveLimit(deps.Cfg.TopK)
		turns := deps.RAG.RetrieveByVector(c.Request.Context(), name, vec)
		if limit < len(turns) {
			turns = turns[:limit]
		}

		withVectors := req.WithVectors != nil && *req.WithVectors
		results := make([]datatypes.QdrantScoredPoint, 0, len(turns))
		for _, t := range turns {
			point := datatypes.QdrantScoredPoint{
				ID:    t.ID,
				Score: float32(cosine32(vec, t.Embedding)),
				Payload: map[string]any{
					"text":      t.PromptText,
					"timestamp": t.Timestamp,
				},
			}
			if withVectors {
				point.Vector = t.Embedding
			}
			results = append(results, point)
		}
		qdrantOK(c, start, results)
	}
}

// HandleQdrantGetPoint is GET /collections/:name/points/:id.
func HandleQdrantGetPoint(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		name := c.Param("name")

		var id int64
		if err := json.Unmarshal([]byte(c.Param("id")), &id); err != nil {
			qdrantFail(c, http.StatusNotFound, "point not found")
			return
		}
		turns, err := deps.Repo.ByIDs(c.Request.Context(), []int64{id}, name)
		if err != nil {
			respondError(c, err)
			return
		}
		if len(turns) == 0 {
			qdrantFail(c, http.StatusNotFound, "point not found")
			return
		}

		t := turns[0]
		qdrantOK(c, start, gin.H{
			"id":     t.ID,
			"vector": t.Embedding,
			"payload": gin.H{
				"text":      t.PromptText,
				"timestamp": t.Timestamp,
			},
		})
	}
}

// HandleQdrantDeletePoints is POST /collections/:name/points/delete. An
// empty filter clears the whole collection; a filter matching on key "id"
// (or an explicit points list) deletes those rows.
func HandleQdrantDeletePoints(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		name := c.Param("name")
		ctx := c.Request.Context()

		var req datatypes.QdrantDeletePoints
		if err := c.ShouldBindJSON(&req); err != nil {
			qdrantFail(c, http.StatusBadRequest, "invalid request body")
			return
		}

		ids := append([]int64(nil), req.Points...)
		if req.Filter != nil {
			for _, cond := range req.Filter.Must {
				if cond.Key != "id" {
					continue
				}
				if v, ok := cond.Match["value"].(float64); ok {
					ids = append(ids, int64(v))
				}
				if anyList, ok := cond.Match["any"].([]any); ok {
					for _, item := range anyList {
						if v, ok := item.(float64); ok {
							ids = append(ids, int64(v))
						}
					}
				}
			}
		}

		if len(ids) == 0 {
			// No selector at all: the whole collection goes.
			if _, err := deps.Repo.Drop(ctx, name); err != nil {
				respondError(c, err)
				return
			}
			qdrantOK(c, start, gin.H{"operation_id": 0, "status": "completed"})
			return
		}

		deleted, err := deps.Repo.DeleteByIDs(ctx, name, ids)
		if err != nil {
			respondError(c, err)
			return
		}
		slog.Debug("Deleted points", "collection", name, "requested", len(ids), "deleted", deleted)
		qdrantOK(c, start, gin.H{"operation_id": 0, "status": "completed"})
	}
}

// HandleQdrantCreateIndex is PUT /collections/:name/index. The ANN index
// covers every collection already; the call is acknowledged as a no-op.
func HandleQdrantCreateIndex(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		qdrantOK(c, start, gin.H{"operation_id": 0, "status": "acknowledged"})
	}
}

func cosine32(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
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

// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
	"github.com/hsmalley/ghostwire-refractory/services/controller/services"
)

// HandleChatEmbedding is POST /chat_embedding: the native streaming entry
// point. Accepts an optional caller-computed embedding and context
// override; replies as a plain-text token stream.
func HandleChatEmbedding(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var req datatypes.ChatEmbeddingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, datatypes.NewValidationError("body", "invalid JSON"))
			return
		}
		if err := req.Validate(); err != nil {
			deps.Metrics.RecordError("chat_embedding", string(datatypes.CodeFor(err)))
			respondError(c, err)
			return
		}
		if len(req.Embedding) > 0 && len(req.Embedding) != deps.Cfg.EmbedDim {
			respondError(c, &datatypes.DimensionMismatchError{
				Expected: deps.Cfg.EmbedDim,
				Actual:   len(req.Embedding),
			})
			return
		}

		emit := startStream(c)
		deps.Metrics.StreamStarted("chat_embedding")
		defer deps.Metrics.StreamEnded("chat_embedding")

		err := deps.RAG.Answer(c.Request.Context(), services.RAGQuery{
			SessionID: req.SessionID,
			Text:      req.Query(),
			Context:   req.Context,
			Model:     req.Model,
			Embedding: req.Embedding,
		}, emit)

		status := "success"
		if err != nil {
			status = "error"
		}
		deps.Metrics.RecordRequest("chat_embedding", status, time.Since(start).Seconds())
	}
}

// HandleRetrieve is POST /retrieve: context lookup without generation.
func HandleRetrieve(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var req datatypes.RetrieveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, datatypes.NewValidationError("body", "invalid JSON"))
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, err)
			return
		}

		contexts, err := deps.RAG.Retrieve(c.Request.Context(), req.SessionID, req.Text, req.TopK)
		if err != nil {
			deps.Metrics.RecordError("retrieve", string(datatypes.CodeFor(err)))
			respondError(c, err)
			return
		}
		if contexts == nil {
			contexts = []string{}
		}
		deps.Metrics.RecordRequest("retrieve", "success", time.Since(start).Seconds())
		c.JSON(http.StatusOK, datatypes.RetrieveResponse{Status: "ok", Contexts: contexts})
	}
}

// HandleRAG is POST /rag: the relaxed entry point. Session defaults, the
// embedding is always computed server-side.
func HandleRAG(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var req datatypes.RAGRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, datatypes.NewValidationError("body", "invalid JSON"))
			return
		}
		if req.SessionID == "" {
			req.SessionID = defaultSessionID
		}
		if err := datatypes.ValidateText(req.Text); err != nil {
			respondError(c, err)
			return
		}

		emit := startStream(c)
		deps.Metrics.StreamStarted("rag")
		defer deps.Metrics.StreamEnded("rag")

		err := deps.RAG.Answer(c.Request.Context(), services.RAGQuery{
			SessionID: req.SessionID,
			Text:      req.Text,
			Model:     req.Model,
		}, emit)

		status := "success"
		if err != nil {
			status = "error"
		}
		deps.Metrics.RecordRequest("rag", status, time.Since(start).Seconds())
	}
}

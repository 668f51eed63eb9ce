// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
)

// openaiError writes the OpenAI-dialect error envelope.
func openaiError(c *gin.Context, status int, message, errType string) {
	c.JSON(status, datatypes.OpenAIErrorBody{
		Error: datatypes.OpenAIErrorDetail{Message: message, Type: errType},
	})
}

// HandleOpenAIEmbeddings is POST /v1/embeddings.
//
// # Description
//
// Accepts string, array, and nested-array input; every text is embedded
// through the gateway. Per-text upstream failures degrade to the epsilon
// vector; the request only fails as 500 when every candidate model failed
// for every input.
func HandleOpenAIEmbeddings(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var req datatypes.OpenAIEmbeddingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			openaiError(c, http.StatusUnprocessableEntity, "Missing input text", "invalid_request")
			return
		}
		texts, err := req.FlattenInput()
		if err != nil {
			openaiError(c, http.StatusUnprocessableEntity, "Missing input text", "invalid_request")
			return
		}

		items := make([]datatypes.OpenAIEmbeddingItem, len(texts))
		failures := 0
		for i, text := range texts {
			vec, err := deps.Embedder.Embed(c.Request.Context(), text)
			if err != nil {
				var ue *datatypes.UpstreamEmbeddingError
				if errors.As(err, &ue) {
					failures++
				}
			}
			items[i] = datatypes.OpenAIEmbeddingItem{Object: "embedding", Embedding: vec, Index: i}
		}
		if failures == len(texts) {
			deps.Metrics.RecordError("v1_embeddings", string(datatypes.ErrCodeEmbedding))
			openaiError(c, http.StatusInternalServerError, "embedding upstream unavailable", "internal_error")
			return
		}

		tokens := whitespaceTokens(texts...)
		deps.Metrics.RecordRequest("v1_embeddings", "success", time.Since(start).Seconds())
		c.JSON(http.StatusOK, datatypes.OpenAIEmbeddingsResponse{
			Object: "list",
			Data:   items,
			Model:  req.Model,
			Usage:  datatypes.OpenAIUsage{PromptTokens: tokens, TotalTokens: tokens},
		})
	}
}

// HandleOpenAIChatCompletions is POST /v1/chat/completions: a passthrough
// to the generator gateway in OpenAI dress. Only the final user message
// drives generation; prior messages ride along as upstream chat history.
func HandleOpenAIChatCompletions(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var req datatypes.OpenAIChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			openaiError(c, http.StatusUnprocessableEntity, "invalid request body", "invalid_request")
			return
		}
		if req.N > 1 {
			openaiError(c, http.StatusBadRequest, "n > 1 is not supported", "not_implemented")
			return
		}
		if len(req.Messages) == 0 {
			openaiError(c, http.StatusUnprocessableEntity, "messages must not be empty", "invalid_request")
			return
		}

		messages := make([]datatypes.ChatMessage, 0, len(req.Messages))
		for _, m := range req.Messages {
			messages = append(messages, datatypes.ChatMessage{Role: m.Role, Content: m.Text()})
		}

		if req.Stream {
			streamOpenAI(c, deps, req.Model, "chat.completion.chunk", func(emit func(string) error) error {
				return deps.Generator.StreamChat(c.Request.Context(), messages, req.Model, emit)
			})
			deps.Metrics.RecordRequest("v1_chat_completions", "success", time.Since(start).Seconds())
			return
		}

		var sb strings.Builder
		err := deps.Generator.StreamChat(c.Request.Context(), messages, req.Model, func(f string) error {
			sb.WriteString(f)
			return nil
		})
		if err != nil {
			deps.Metrics.RecordError("v1_chat_completions", string(datatypes.CodeFor(err)))
			openaiError(c, http.StatusInternalServerError, err.Error(), "internal_error")
			return
		}

		reply := sb.String()
		prompt := ""
		for _, m := range messages {
			prompt += m.Content + " "
		}
		finish := "stop"
		deps.Metrics.RecordRequest("v1_chat_completions", "success", time.Since(start).Seconds())
		c.JSON(http.StatusOK, datatypes.OpenAIChatResponse{
			ID:      fmt.Sprintf("chatcmpl-%d", time.Now().Unix()),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []datatypes.OpenAIChoice{{
				Index:        0,
				Message:      &datatypes.OpenAIReply{Role: "assistant", Content: reply},
				FinishReason: &finish,
			}},
			Usage: datatypes.OpenAIUsage{
				PromptTokens:     whitespaceTokens(prompt),
				CompletionTokens: whitespaceTokens(reply),
				TotalTokens:      whitespaceTokens(prompt) + whitespaceTokens(reply),
			},
		})
	}
}

// HandleOpenAICompletions is POST /v1/completions, the legacy text shape.
func HandleOpenAICompletions(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var req datatypes.OpenAICompletionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			openaiError(c, http.StatusUnprocessableEntity, "invalid request body", "invalid_request")
			return
		}
		if req.N > 1 {
			openaiError(c, http.StatusBadRequest, "n > 1 is not supported", "not_implemented")
			return
		}
		prompt := req.PromptText()
		if strings.TrimSpace(prompt) == "" {
			openaiError(c, http.StatusUnprocessableEntity, "Missing input text", "invalid_request")
			return
		}

		if req.Stream {
			streamOpenAI(c, deps, req.Model, "text_completion", func(emit func(string) error) error {
				return deps.Generator.Stream(c.Request.Context(), prompt, req.Model, emit)
			})
			deps.Metrics.RecordRequest("v1_completions", "success", time.Since(start).Seconds())
			return
		}

		reply, err := deps.Generator.Generate(c.Request.Context(), prompt, req.Model)
		if err != nil {
			deps.Metrics.RecordError("v1_completions", string(datatypes.CodeFor(err)))
			openaiError(c, http.StatusInternalServerError, err.Error(), "internal_error")
			return
		}

		finish := "stop"
		deps.Metrics.RecordRequest("v1_completions", "success", time.Since(start).Seconds())
		c.JSON(http.StatusOK, datatypes.OpenAIChatResponse{
			ID:      fmt.Sprintf("cmpl-%d", time.Now().Unix()),
			Object:  "text_completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []datatypes.OpenAIChoice{{
				Index:        0,
				Text:         reply,
				FinishReason: &finish,
			}},
			Usage: datatypes.OpenAIUsage{
				PromptTokens:     whitespaceTokens(prompt),
				CompletionTokens: whitespaceTokens(reply),
				TotalTokens:      whitespaceTokens(prompt, reply),
			},
		})
	}
}

// streamOpenAI runs generate under an SSE framing: each fragment becomes
// one `data: {json}` event, terminated by `data: [DONE]`.
func streamOpenAI(c *gin.Context, deps *Deps, model, object string, generate func(emit func(string) error) error) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	id := fmt.Sprintf("chatcmpl-%d", time.Now().Unix())
	created := time.Now().Unix()

	_ = generate(func(fragment string) error {
		chunk := datatypes.OpenAIChatResponse{
			ID:      id,
			Object:  object,
			Created: created,
			Model:   model,
			Choices: []datatypes.OpenAIChoice{{
				Index: 0,
				Delta: &datatypes.OpenAIReply{Content: fragment},
			}},
		}
		if err := writeSSE(c, chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})

	_, _ = c.Writer.WriteString("data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// writeSSE writes one data event.
func writeSSE(c *gin.Context, payload any) error {
	if _, err := c.Writer.WriteString("data: "); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := c.Writer.Write(raw); err != nil {
		return err
	}
	_, err = c.Writer.WriteString("\n\n")
	return err
}

// HandleOpenAIModels is GET /v1/models: the union of both upstreams, with
// remote models surfaced under a `remote-` prefix.
func HandleOpenAIModels(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		local, remote := deps.Catalog.List(c.Request.Context())
		now := time.Now().Unix()

		models := make([]datatypes.OpenAIModel, 0, len(local)+len(remote))
		for _, name := range local {
			models = append(models, datatypes.OpenAIModel{
				ID: name, Object: "model", Created: now, OwnedBy: "ghostwire-local",
			})
		}
		for _, name := range remote {
			models = append(models, datatypes.OpenAIModel{
				ID: "remote-" + name, Object: "model", Created: now, OwnedBy: "ghostwire-remote",
			})
		}
		c.JSON(http.StatusOK, datatypes.OpenAIModelList{Object: "list", Data: models})
	}
}

// HandleOpenAIModelDetail is GET /v1/models/:id.
func HandleOpenAIModelDetail(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		ownedBy := "ghostwire-local"
		if strings.HasPrefix(id, "remote-") {
			ownedBy = "ghostwire-remote"
		}
		now := time.Now().Unix()
		c.JSON(http.StatusOK, datatypes.OpenAIModel{
			ID:      id,
			Object:  "model",
			Created: now,
			OwnedBy: ownedBy,
			Permission: []map[string]any{{
				"id":                  "modelperm-" + id,
				"object":              "model_permission",
				"created":             now,
				"allow_create_engine": false,
				"allow_sampling":      true,
				"allow_logprobs":      false,
				"allow_view":          true,
				"is_blocking":         false,
			}},
		})
	}
}

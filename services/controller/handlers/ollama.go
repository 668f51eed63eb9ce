// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
)

// HandleOllamaGenerate is POST /api/generate: the Ollama dialect over the
// generator gateway. Streaming mode relays ND-JSON frames; non-streaming
// accumulates into a single frame.
func HandleOllamaGenerate(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.OllamaGenerateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, datatypes.NewValidationError("body", "invalid JSON"))
			return
		}

		stream := req.Stream == nil || *req.Stream
		if !stream {
			reply, err := deps.Generator.Generate(c.Request.Context(), req.Prompt, req.Model)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, datatypes.OllamaStreamFrame{
				Model:      req.Model,
				CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
				Response:   reply,
				Done:       true,
				DoneReason: "stop",
			})
			return
		}

		emit := ndjsonEmitter(c, func(fragment string, done bool) datatypes.OllamaStreamFrame {
			frame := datatypes.OllamaStreamFrame{
				Model:     req.Model,
				CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
				Response:  fragment,
				Done:      done,
			}
			if done {
				frame.DoneReason = "stop"
			}
			return frame
		})
		_ = deps.Generator.Stream(c.Request.Context(), req.Prompt, req.Model, emit.fragment)
		emit.finish()
	}
}

// HandleOllamaChat is POST /api/chat, the message-shaped variant.
func HandleOllamaChat(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.OllamaChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, datatypes.NewValidationError("body", "invalid JSON"))
			return
		}

		stream := req.Stream == nil || *req.Stream
		if !stream {
			var sb strings.Builder
			err := deps.Generator.StreamChat(c.Request.Context(), req.Messages, req.Model, func(f string) error {
				sb.WriteString(f)
				return nil
			})
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, datatypes.OllamaStreamFrame{
				Model:     req.Model,
				CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
				Message:   &datatypes.ChatMessage{Role: "assistant", Content: sb.String()},
				Done:      true,
			})
			return
		}

		emit := ndjsonEmitter(c, func(fragment string, done bool) datatypes.OllamaStreamFrame {
			return datatypes.OllamaStreamFrame{
				Model:     req.Model,
				CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
				Message:   &datatypes.ChatMessage{Role: "assistant", Content: fragment},
				Done:      done,
			}
		})
		_ = deps.Generator.StreamChat(c.Request.Context(), req.Messages, req.Model, emit.fragment)
		emit.finish()
	}
}

// HandleOllamaTags serves GET /api/tags and GET /api/list: the combined
// model inventory with side prefixes so clients can route explicitly.
func HandleOllamaTags(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		local, remote := deps.Catalog.List(c.Request.Context())

		tags := make([]datatypes.OllamaModelTag, 0, len(local)+len(remote))
		for _, name := range local {
			tags = append(tags, datatypes.OllamaModelTag{Name: "local-" + name, Model: name})
		}
		for _, name := range remote {
			tags = append(tags, datatypes.OllamaModelTag{Name: "remote-" + name, Model: name})
		}
		c.JSON(http.StatusOK, datatypes.OllamaTagsResponse{Models: tags})
	}
}

// HandleOllamaProxy forwards model management calls (/api/pull,
// /api/delete) to the remote upstream verbatim.
func HandleOllamaProxy(deps *Deps, path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			respondError(c, datatypes.NewValidationError("body", "unreadable body"))
			return
		}
		raw, status, err := deps.Generator.Proxy(c.Request.Context(), path, body)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Pull failed: " + err.Error()})
			return
		}
		c.Data(status, "application/json", raw)
	}
}

// =============================================================================
// ND-JSON Emission
// =============================================================================

// ndjsonStream writes Ollama-style newline-delimited frames to the client.
type ndjsonStream struct {
	c       *gin.Context
	flusher http.Flusher
	frame   func(fragment string, done bool) datatypes.OllamaStreamFrame
}

func ndjsonEmitter(c *gin.Context, frame func(string, bool) datatypes.OllamaStreamFrame) *ndjsonStream {
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)
	return &ndjsonStream{c: c, flusher: flusher, frame: frame}
}

func (s *ndjsonStream) fragment(text string) error {
	return s.write(s.frame(text, false))
}

// finish emits the terminal done frame.
func (s *ndjsonStream) finish() {
	_ = s.write(s.frame("", true))
}

func (s *ndjsonStream) write(frame datatypes.OllamaStreamFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := s.c.Writer.Write(append(raw, '\n')); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

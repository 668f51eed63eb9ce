// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the controller's HTTP surface: the native
// memory endpoints plus the OpenAI, Ollama, and Qdrant compatibility
// facades. All three facades translate onto the same pipeline; the row
// store and index never know which dialect a request arrived in.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hsmalley/ghostwire-refractory/services/llm"

	"github.com/hsmalley/ghostwire-refractory/services/controller/config"
	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
	"github.com/hsmalley/ghostwire-refractory/services/controller/observability"
	"github.com/hsmalley/ghostwire-refractory/services/controller/services"
	"github.com/hsmalley/ghostwire-refractory/services/controller/storage"
	"github.com/hsmalley/ghostwire-refractory/services/controller/vector"
)

// Version is the controller release string reported by /health. Overridden
// at link time for tagged builds.
var Version = "dev"

// defaultSessionID is the session used when RAG callers omit one.
const defaultSessionID = "default_session"

// Deps bundles every component the handlers reach. Constructed once in
// main and shared by all routes.
type Deps struct {
	Cfg        config.Config
	RAG        *services.RAGService
	Embedder   *llm.Embedder
	Generator  *llm.Generator
	Catalog    *llm.Catalog
	Summarizer *llm.Summarizer
	Repo       storage.MemoryRepository
	Index      *vector.Index
	Cache      *storage.ResponseCache
	Writer     *services.MemoryWriter
	Metrics    *observability.Metrics
}

// respondError writes the native error envelope for err, mapping the
// error family to its HTTP status.
func respondError(c *gin.Context, err error) {
	code := datatypes.CodeFor(err)
	c.JSON(code.HTTPStatus(), datatypes.NewErrorBody(err))
}

// startStream prepares a chunked text/plain streaming response and returns
// the fragment writer. The writer flushes after every fragment so tokens
// reach the client as they arrive.
func startStream(c *gin.Context) func(string) error {
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	return func(fragment string) error {
		if _, err := c.Writer.WriteString(fragment); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
}

// whitespaceTokens is the usage-count stand-in for a real tokenizer.
func whitespaceTokens(texts ...string) int {
	n := 0
	for _, t := range texts {
		inWord := false
		for _, r := range t {
			if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
				inWord = false
				continue
			}
			if !inWord {
				n++
				inWord = true
			}
		}
	}
	return n
}

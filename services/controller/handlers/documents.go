// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
)

const (
	// docChunkSize and docChunkOverlap shape document splitting. 512/50
	// keeps chunks inside one embedding call while preserving continuity
	// across boundaries.
	docChunkSize    = 512
	docChunkOverlap = 50
)

// HandleDocuments is POST /documents: bulk text ingestion.
//
// # Description
//
// Accepts either a JSON body {session_id, text, source} or a multipart
// form with a "file" part. The text is split into overlapping chunks,
// batch-embedded, and each chunk persisted as one turn whose answer text
// records the source document id.
func HandleDocuments(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := c.Request.Context()

		sessionID, text, source, err := readDocument(c)
		if err != nil {
			respondError(c, err)
			return
		}
		if sessionID == "" {
			sessionID = defaultSessionID
		}
		if err := datatypes.ValidateSessionID(sessionID); err != nil {
			respondError(c, err)
			return
		}
		if strings.TrimSpace(text) == "" {
			respondError(c, datatypes.NewValidationError("text", "must not be empty"))
			return
		}

		splitter := textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(docChunkSize),
			textsplitter.WithChunkOverlap(docChunkOverlap),
		)
		chunks, err := splitter.SplitText(text)
		if err != nil {
			respondError(c, datatypes.NewValidationError("text", "could not split document"))
			return
		}

		vectors, err := deps.Embedder.EmbedBatch(ctx, chunks)
		if err != nil {
			deps.Metrics.RecordError("documents", string(datatypes.CodeFor(err)))
			respondError(c, err)
			return
		}

		docID := documentID(text, source)
		stored := 0
		for i, chunk := range chunks {
			answer := fmt.Sprintf(`{"doc_id":%q,"source":%q,"chunk":%d}`, docID, source, i)
			if _, err := deps.Writer.Write(ctx, sessionID, chunk, answer, vectors[i]); err != nil {
				slog.Warn("Chunk persistence failed", "doc_id", docID, "chunk", i, "error", err)
				continue
			}
			stored++
		}

		slog.Info("Document ingested",
			"doc_id", docID, "session_id", sessionID, "chunks", stored, "source", source)
		deps.Metrics.RecordRequest("documents", "success", time.Since(start).Seconds())
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"doc_id":  docID,
			"chunks":  stored,
			"session": sessionID,
		})
	}
}

// readDocument extracts (sessionID, text, source) from either body form.
func readDocument(c *gin.Context) (string, string, string, error) {
	contentType := c.ContentType()
	if strings.HasPrefix(contentType, "multipart/") {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			return "", "", "", datatypes.NewValidationError("file", "missing file part")
		}
		defer func() { _ = file.Close() }()

		raw, err := io.ReadAll(file)
		if err != nil {
			return "", "", "", datatypes.NewValidationError("file", "unreadable file part")
		}
		return c.PostForm("session_id"), string(raw), header.Filename, nil
	}

	var req datatypes.DocumentIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return "", "", "", datatypes.NewValidationError("body", "invalid JSON")
	}
	return req.SessionID, req.Text, req.Source, nil
}

// documentID derives a stable short id from the document content.
func documentID(text, source string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + text))
	return "doc_" + hex.EncodeToString(sum[:])[:12]
}

// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxSessionIDLength bounds the opaque session key. Longer ids are a 422.
	MaxSessionIDLength = 64

	// MaxTextLength bounds a single utterance. 8 KiB matches the original
	// surface; documents go through /documents chunking instead.
	MaxTextLength = 8 * 1024
)

// =============================================================================
// Core Requests
// =============================================================================

// ChatEmbeddingRequest is the body of POST /chat_embedding. The caller may
// supply a pre-computed embedding; when absent the controller embeds text
// itself. PromptText is accepted as an alias for Text.
type ChatEmbeddingRequest struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	PromptText string    `json:"prompt_text"`
	Embedding  []float32 `json:"embedding"`
	Context    string    `json:"context"`
	Model      string    `json:"model"`
}

// Query returns the effective utterance: Text, falling back to PromptText.
func (r *ChatEmbeddingRequest) Query() string {
	if r.Text != "" {
		return r.Text
	}
	return r.PromptText
}

// Validate enforces the up-front input contract: non-empty bounded session
// id with a restricted charset, non-empty bounded text, and (when present)
// an all-finite embedding. Dimension is checked by the caller, which knows
// the configured D.
func (r *ChatEmbeddingRequest) Validate() error {
	if err := ValidateSessionID(r.SessionID); err != nil {
		return err
	}
	if err := ValidateText(r.Query()); err != nil {
		return err
	}
	for i, v := range r.Embedding {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return NewValidationError("embedding", "non-finite component at index "+strconv.Itoa(i))
		}
	}
	return nil
}

// RetrieveRequest is the body of POST /retrieve.
type RetrieveRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	TopK      int    `json:"top_k"`
}

// Validate checks the session id and query text.
func (r *RetrieveRequest) Validate() error {
	if err := ValidateSessionID(r.SessionID); err != nil {
		return err
	}
	return ValidateText(r.Text)
}

// RetrieveResponse is the body returned by POST /retrieve.
type RetrieveResponse struct {
	Status   string   `json:"status"`
	Contexts []string `json:"contexts"`
}

// RAGRequest is the body of POST /rag. SessionID is optional and defaults
// to "default_session" so one-off clients can skip session bookkeeping.
type RAGRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Model     string `json:"model"`
	Stream    *bool  `json:"stream"`
}

// SummarizeRequest is the body of POST /summarize.
type SummarizeRequest struct {
	Text      string `json:"text"`
	MaxLength int    `json:"max_length"`
}

// ChatCompletionRequest is the body of POST /chat_completion (the summary
// shaped endpoint, distinct from the OpenAI /v1 surface).
type ChatCompletionRequest struct {
	Text    string         `json:"text"`
	Model   string         `json:"model"`
	History []TurnExchange `json:"history"`
	Stream  bool           `json:"stream"`
}

// TurnExchange is one prior (prompt, reply) pair supplied by the client.
type TurnExchange struct {
	Prompt string `json:"prompt"`
	Answer string `json:"answer"`
}

// BenchmarkRequest is the body of POST /benchmark.
type BenchmarkRequest struct {
	Task       string `json:"task"`
	Iterations int    `json:"iterations"`
}

// BenchmarkResponse reports per-run latency and the composite score.
type BenchmarkResponse struct {
	Task           string  `json:"task"`
	Iterations     int     `json:"iterations"`
	AvgLatencySecs float64 `json:"avg_latency_seconds"`
	GhostwireScore float64 `json:"ghostwire_score"`
}

// DocumentIngestRequest is the JSON body of POST /documents.
type DocumentIngestRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Source    string `json:"source"`
}

// =============================================================================
// Turn
// =============================================================================

// Turn is one persisted (prompt, reply, embedding) record for a session.
// IDs are assigned by the row store at insert and never reused.
type Turn struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	PromptText  string    `json:"prompt_text"`
	AnswerText  string    `json:"answer_text"`
	Timestamp   float64   `json:"timestamp"`
	Embedding   []float32 `json:"-"`
	SummaryText string    `json:"summary_text,omitempty"`
}

// Time converts the wall-clock-seconds timestamp to a time.Time.
func (t *Turn) Time() time.Time {
	secs := int64(t.Timestamp)
	nanos := int64((t.Timestamp - float64(secs)) * 1e9)
	return time.Unix(secs, nanos)
}

// =============================================================================
// Field Validators
// =============================================================================

// ValidateSessionID enforces the session id contract: non-empty, at most
// MaxSessionIDLength bytes, printable characters only (no control chars).
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return NewValidationError("session_id", "must not be empty")
	}
	if len(sessionID) > MaxSessionIDLength {
		return NewValidationError("session_id", "exceeds maximum length")
	}
	for _, r := range sessionID {
		if r < 0x20 || r == 0x7f {
			return NewValidationError("session_id", "contains control characters")
		}
	}
	return nil
}

// ValidateText enforces the utterance contract: non-empty after trimming,
// at most MaxTextLength bytes.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return NewValidationError("text", "must not be empty")
	}
	if len(text) > MaxTextLength {
		return NewValidationError("text", "exceeds maximum length")
	}
	return nil
}

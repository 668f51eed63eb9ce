// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// OpenAI-Compatible Surface
// =============================================================================

// OpenAIEmbeddingsRequest is the body of POST /v1/embeddings. Input may be
// a string, an array of strings, or a nested array; FlattenInput normalizes
// all of them.
type OpenAIEmbeddingsRequest struct {
	Input json.RawMessage `json:"input"`
	Model string          `json:"model"`
}

// FlattenInput decodes the polymorphic input field into a flat string list.
// Nested arrays are flattened depth-first; non-string leaves are rejected.
func (r *OpenAIEmbeddingsRequest) FlattenInput() ([]string, error) {
	if len(r.Input) == 0 {
		return nil, NewValidationError("input", "missing input text")
	}
	var out []string
	if err := flattenJSONStrings(r.Input, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, NewValidationError("input", "missing input text")
	}
	return out, nil
}

func flattenJSONStrings(raw json.RawMessage, out *[]string) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		*out = append(*out, s)
		return nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		for _, item := range arr {
			if err := flattenJSONStrings(item, out); err != nil {
				return err
			}
		}
		return nil
	}
	return NewValidationError("input", "must be a string or array of strings")
}

// OpenAIEmbeddingsResponse is the list envelope returned by /v1/embeddings.
type OpenAIEmbeddingsResponse struct {
	Object string                `json:"object"`
	Data   []OpenAIEmbeddingItem `json:"data"`
	Model  string                `json:"model"`
	Usage  OpenAIUsage           `json:"usage"`
}

// OpenAIEmbeddingItem is one embedding in the list.
type OpenAIEmbeddingItem struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// OpenAIUsage carries whitespace-token counts; the surface does not run a
// real tokenizer.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIChatRequest is the body of POST /v1/chat/completions.
type OpenAIChatRequest struct {
	Model    string          `json:"model"`
	Messages []OpenAIMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	N        int             `json:"n"`
}

// OpenAIMessage is one chat message. Content is polymorphic: OpenAI clients
// may send a plain string or an array of {type, text} parts.
type OpenAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Text extracts the message content, flattening content-part arrays.
func (m *OpenAIMessage) Text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		out := ""
		for _, p := range parts {
			out += p.Text
		}
		return out
	}
	return ""
}

// OpenAICompletionRequest is the body of POST /v1/completions.
type OpenAICompletionRequest struct {
	Model  string          `json:"model"`
	Prompt json.RawMessage `json:"prompt"`
	Stream bool            `json:"stream"`
	N      int             `json:"n"`
}

// PromptText decodes the polymorphic prompt: string or array of strings
// (joined with newlines).
func (r *OpenAICompletionRequest) PromptText() string {
	var s string
	if err := json.Unmarshal(r.Prompt, &s); err == nil {
		return s
	}
	var arr []string
	if err := json.Unmarshal(r.Prompt, &arr); err == nil {
		out := ""
		for i, p := range arr {
			if i > 0 {
				out += "\n"
			}
			out += p
		}
		return out
	}
	return ""
}

// OpenAIChatResponse is the non-streaming /v1/chat/completions envelope.
type OpenAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
}

// OpenAIChoice is one completion choice.
type OpenAIChoice struct {
	Index        int            `json:"index"`
	Message      *OpenAIReply   `json:"message,omitempty"`
	Delta        *OpenAIReply   `json:"delta,omitempty"`
	Text         string         `json:"text,omitempty"`
	FinishReason *string        `json:"finish_reason"`
	Logprobs     map[string]any `json:"logprobs,omitempty"`
}

// OpenAIReply is the assistant message (or stream delta) payload.
type OpenAIReply struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// OpenAIModel is one entry in GET /v1/models.
type OpenAIModel struct {
	ID         string           `json:"id"`
	Object     string           `json:"object"`
	Created    int64            `json:"created"`
	OwnedBy    string           `json:"owned_by"`
	Permission []map[string]any `json:"permission,omitempty"`
}

// OpenAIModelList is the envelope of GET /v1/models.
type OpenAIModelList struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}

// OpenAIErrorBody is the error envelope the /v1 surface uses, distinct
// from the controller's native envelope.
type OpenAIErrorBody struct {
	Error OpenAIErrorDetail `json:"error"`
}

// OpenAIErrorDetail mirrors OpenAI's error object.
type OpenAIErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// =============================================================================
// Ollama-Compatible Surface
// =============================================================================

// OllamaGenerateRequest is the body of POST /api/generate, both as exposed
// by the controller and as forwarded to upstreams.
type OllamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  *bool          `json:"stream,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// OllamaChatRequest is the body of POST /api/chat.
type OllamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Stream   *bool          `json:"stream,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// ChatMessage is one {role, content} pair on the Ollama surface.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OllamaStreamFrame is one newline-delimited JSON frame of an Ollama
// generation stream. Generate frames carry Response; chat frames carry
// Message.Content.
type OllamaStreamFrame struct {
	Model      string       `json:"model,omitempty"`
	CreatedAt  string       `json:"created_at,omitempty"`
	Response   string       `json:"response,omitempty"`
	Message    *ChatMessage `json:"message,omitempty"`
	Done       bool         `json:"done"`
	DoneReason string       `json:"done_reason,omitempty"`
}

// Fragment extracts the token text from whichever field the frame uses.
func (f *OllamaStreamFrame) Fragment() string {
	if f.Response != "" {
		return f.Response
	}
	if f.Message != nil {
		return f.Message.Content
	}
	return ""
}

// OllamaTagsResponse is GET /api/tags: the model inventory of an upstream.
type OllamaTagsResponse struct {
	Models []OllamaModelTag `json:"models"`
}

// OllamaModelTag is one model entry. Extra upstream fields pass through.
type OllamaModelTag struct {
	Name       string         `json:"name"`
	Model      string         `json:"model,omitempty"`
	ModifiedAt string         `json:"modified_at,omitempty"`
	Size       int64          `json:"size,omitempty"`
	Digest     string         `json:"digest,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// =============================================================================
// Qdrant-Compatible Surface
// =============================================================================

// QdrantEnvelope wraps every Qdrant-style response:
// {"status":"ok","result":...,"time":...}.
type QdrantEnvelope struct {
	Status string  `json:"status"`
	Result any     `json:"result"`
	Time   float64 `json:"time"`
}

// QdrantCreateCollection is the body of PUT /collections/{name}.
type QdrantCreateCollection struct {
	Vectors QdrantVectorParams `json:"vectors"`
}

// QdrantVectorParams carries the collection's vector shape.
type QdrantVectorParams struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

// QdrantCollectionInfo is the result of GET /collections/{name}.
type QdrantCollectionInfo struct {
	Status       string         `json:"status"`
	VectorsCount int64          `json:"vectors_count"`
	PointsCount  int64          `json:"points_count"`
	Config       map[string]any `json:"config"`
}

// QdrantPoint is one upsert point. ID may be an integer or string on the
// wire; Payload is stored JSON-encoded as the turn's answer text.
type QdrantPoint struct {
	ID      json.RawMessage `json:"id"`
	Vector  []float32       `json:"vector"`
	Payload map[string]any  `json:"payload"`
}

// IDString renders the polymorphic point id for storage and logs.
func (p *QdrantPoint) IDString() string {
	var s string
	if err := json.Unmarshal(p.ID, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(p.ID, &n); err == nil {
		return fmt.Sprintf("%d", n)
	}
	return string(p.ID)
}

// QdrantUpsertRequest accepts the three point-batch shapes Qdrant clients
// send: a bare list, {"points": [...]}, or {"batch": {...}} column form.
type QdrantUpsertRequest struct {
	Points []QdrantPoint `json:"points"`
	Batch  *QdrantBatch  `json:"batch"`
}

// QdrantBatch is the columnar upsert form.
type QdrantBatch struct {
	IDs      []json.RawMessage `json:"ids"`
	Vectors  [][]float32       `json:"vectors"`
	Payloads []map[string]any  `json:"payloads"`
}

// AllPoints normalizes whichever shape was sent into a flat point list.
func (r *QdrantUpsertRequest) AllPoints() []QdrantPoint {
	if r.Batch == nil {
		return r.Points
	}
	points := make([]QdrantPoint, 0, len(r.Batch.IDs))
	for i, id := range r.Batch.IDs {
		p := QdrantPoint{ID: id}
		if i < len(r.Batch.Vectors) {
			p.Vector = r.Batch.Vectors[i]
		}
		if i < len(r.Batch.Payloads) {
			p.Payload = r.Batch.Payloads[i]
		}
		points = append(points, p)
	}
	return points
}

// QdrantSearchRequest is the body of POST /collections/{name}/points/search
// and its /points/query alias. The alias sends the vector under "query"
// (possibly nested) and the limit under "top"; ResolveVector and
// ResolveLimit accept all of it.
type QdrantSearchRequest struct {
	Vector      json.RawMessage `json:"vector"`
	Query       json.RawMessage `json:"query"`
	Limit       int             `json:"limit"`
	Top         int             `json:"top"`
	Offset      int             `json:"offset"`
	WithPayload *bool           `json:"with_payload"`
	WithVectors *bool           `json:"with_vector"`
}

// ResolveVector returns the query vector from whichever key carries it.
// Accepted shapes: [..] under vector, [..] under query, and
// {"vector": [..]} under query.
func (r *QdrantSearchRequest) ResolveVector() ([]float32, error) {
	for _, raw := range []json.RawMessage{r.Vector, r.Query} {
		if len(raw) == 0 {
			continue
		}
		var v []float32
		if err := json.Unmarshal(raw, &v); err == nil && len(v) > 0 {
			return v, nil
		}
		var nested struct {
			Vector []float32 `json:"vector"`
		}
		if err := json.Unmarshal(raw, &nested); err == nil && len(nested.Vector) > 0 {
			return nested.Vector, nil
		}
	}
	return nil, NewValidationError("vector", "missing query vector")
}

// ResolveLimit returns the effective result limit, defaulting to def.
func (r *QdrantSearchRequest) ResolveLimit(def int) int {
	if r.Limit > 0 {
		return r.Limit
	}
	if r.Top > 0 {
		return r.Top
	}
	return def
}

// QdrantScoredPoint is one search result.
type QdrantScoredPoint struct {
	ID      int64          `json:"id"`
	Version int            `json:"version"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
	Vector  []float32      `json:"vector,omitempty"`
}

// QdrantDeletePoints is the body of POST /collections/{name}/points/delete.
// An empty filter drops the whole collection; a filter matching on key
// "id" deletes by ids, best effort: the ANN index keeps orphans, which
// retrieval filters out).
type QdrantDeletePoints struct {
	Points []int64       `json:"points"`
	Filter *QdrantFilter `json:"filter"`
}

// QdrantFilter is the subset of Qdrant's filter language the surface
// accepts: a must list of key/match conditions.
type QdrantFilter struct {
	Must []QdrantCondition `json:"must"`
}

// QdrantCondition is one key/match pair.
type QdrantCondition struct {
	Key   string         `json:"key"`
	Match map[string]any `json:"match"`
}

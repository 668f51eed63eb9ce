// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsmalley/ghostwire-refractory/services/llm"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
)

func TestOpenAIEmbeddingsAcceptsAllInputShapes(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name  string
		input string
		want  int
	}{
		{"string", `"hello"`, 1},
		{"array", `["one", "two"]`, 2},
		{"nested", `[["one"], ["two", "three"]]`, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := []byte(`{"model":"test-embed","input":` + tc.input + `}`)
			rec := env.do(t, http.MethodPost, "/v1/embeddings", body)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp datatypes.OpenAIEmbeddingsResponse
			decodeJSON(t, rec, &resp)
			assert.Equal(t, "list", resp.Object)
			require.Len(t, resp.Data, tc.want)
			for i, item := range resp.Data {
				assert.Equal(t, "embedding", item.Object)
				assert.Equal(t, i, item.Index)
				assert.Len(t, item.Embedding, testDim)
			}
			assert.Equal(t, tc.want, resp.Usage.PromptTokens)
			assert.Equal(t, tc.want, resp.Usage.TotalTokens)
		})
	}
}

func TestOpenAIEmbeddingsMissingInput(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []string{`{}`, `{"input":[]}`, `not json`} {
		rec := env.do(t, http.MethodPost, "/v1/embeddings", []byte(body))
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code, "body %q", body)

		var resp datatypes.OpenAIErrorBody
		decodeJSON(t, rec, &resp)
		assert.Equal(t, "Missing input text", resp.Error.Message)
		assert.Equal(t, "invalid_request", resp.Error.Type)
	}
}

func TestOpenAIEmbeddingsUpstreamDown(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Embedder = llm.NewEmbedder("http://127.0.0.1:1", []string{"dead"}, testDim, nil)

	rec := env.do(t, http.MethodPost, "/v1/embeddings",
		map[string]any{"input": "hello"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp datatypes.OpenAIErrorBody
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "internal_error", resp.Error.Type)
}

func TestOpenAIChatCompletions(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model": "test-model",
		"messages": []map[string]any{
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "say hello"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp datatypes.OpenAIChatResponse
	decodeJSON(t, rec, &resp)
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	require.NotNil(t, resp.Choices[0].Message)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "Hello world", resp.Choices[0].Message.Content)
	require.NotNil(t, resp.Choices[0].FinishReason)
	assert.Equal(t, "stop", *resp.Choices[0].FinishReason)
	assert.Equal(t, 2, resp.Usage.CompletionTokens)
	assert.Equal(t, resp.Usage.PromptTokens+2, resp.Usage.TotalTokens)
}

func TestOpenAIChatCompletionsContentParts(t *testing.T) {
	env := newTestEnv(t)

	body := []byte(`{
		"model": "test-model",
		"messages": [
			{"role": "user", "content": [{"type": "text", "text": "say hello"}]}
		]
	}`)
	rec := env.do(t, http.MethodPost, "/v1/chat/completions", body)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenAIChatCompletionsRejectsMultipleChoices(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "test-model",
		"n":        2,
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp datatypes.OpenAIErrorBody
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "not_implemented", resp.Error.Type)
}

func TestOpenAIChatCompletionsRejectsEmptyMessages(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/chat/completions",
		map[string]any{"model": "test-model", "messages": []any{}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestOpenAIChatCompletionsStreaming(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "test-model",
		"stream":   true,
		"messages": []map[string]any{{"role": "user", "content": "say hello"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	events := sseEvents(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "[DONE]", events[len(events)-1])

	var reply strings.Builder
	for _, event := range events[:len(events)-1] {
		var chunk datatypes.OpenAIChatResponse
		require.NoError(t, json.Unmarshal([]byte(event), &chunk))
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		require.Len(t, chunk.Choices, 1)
		require.NotNil(t, chunk.Choices[0].Delta)
		reply.WriteString(chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, "Hello world", reply.String())
}

func TestOpenAICompletions(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/completions",
		map[string]any{"model": "test-model", "prompt": "say hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp datatypes.OpenAIChatResponse
	decodeJSON(t, rec, &resp)
	assert.True(t, strings.HasPrefix(resp.ID, "cmpl-"))
	assert.Equal(t, "text_completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello world", resp.Choices[0].Text)
}

func TestOpenAICompletionsMissingPrompt(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/completions",
		map[string]any{"model": "test-model", "prompt": "   "})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp datatypes.OpenAIErrorBody
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "Missing input text", resp.Error.Message)
}

func TestOpenAIModels(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list datatypes.OpenAIModelList
	decodeJSON(t, rec, &list)
	assert.Equal(t, "list", list.Object)

	byID := map[string]string{}
	for _, m := range list.Data {
		byID[m.ID] = m.OwnedBy
	}
	assert.Equal(t, "ghostwire-local", byID["test-model"])
	assert.Equal(t, "ghostwire-remote", byID["remote-test-model"])
}

func TestOpenAIModelDetail(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/models/test-model", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var model datatypes.OpenAIModel
	decodeJSON(t, rec, &model)
	assert.Equal(t, "test-model", model.ID)
	assert.Equal(t, "ghostwire-local", model.OwnedBy)
	require.Len(t, model.Permission, 1)

	rec = env.do(t, http.MethodGet, "/v1/models/remote-big", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &model)
	assert.Equal(t, "ghostwire-remote", model.OwnedBy)
}

// sseEvents extracts the payloads of `data:` events from an SSE body.
func sseEvents(t *testing.T, body string) []string {
	t.Helper()
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			events = append(events, after)
		}
	}
	return events
}

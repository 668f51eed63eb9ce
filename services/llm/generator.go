// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
)

// streamScanBufferSize caps a single ND-JSON line. 1 MiB absorbs models
// that emit very large single fragments.
const streamScanBufferSize = 1 << 20

// connectErrorPrefix is the in-stream sentinel emitted when the upstream
// cannot be reached at all. Clients see it as regular generated text.
const connectErrorPrefix = "[ERROR] Failed to connect to generation upstream: "

// ollamaGenerateRequest is the /api/generate upstream body.
type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// ollamaChatUpstreamRequest is the /api/chat upstream body.
type ollamaChatUpstreamRequest struct {
	Model    string                  `json:"model"`
	Messages []datatypes.ChatMessage `json:"messages"`
	Stream   bool                    `json:"stream"`
}

// =============================================================================
// Generator
// =============================================================================

// Generator streams completions from the local or remote model server.
//
// # Description
//
// Model names route the request: a `remote-` prefix or `:remote` suffix
// selects the remote upstream, everything else goes local. Routing affixes
// (`remote-`, `local-`, `:remote`, `:local`) are stripped before the name
// is forwarded, so upstreams only ever see their own model names.
//
// Generation carries no client timeout; long streams are legitimate.
// Cancellation rides the request context, which closes the upstream body.
//
// # Thread Safety
//
// Safe for concurrent use.
type Generator struct {
	localURL     string
	remoteURL    string
	defaultModel string
	client       *http.Client
}

// NewGenerator builds a generator over the two upstream base URLs.
func NewGenerator(localURL, remoteURL, defaultModel string) *Generator {
	return &Generator{
		localURL:     localURL,
		remoteURL:    remoteURL,
		defaultModel: defaultModel,
		client:       &http.Client{},
	}
}

// DefaultModel reports the configured fallback model name.
func (g *Generator) DefaultModel() string { return g.defaultModel }

// Resolve maps a requested model name to (baseURL, cleanModel). An empty
// name resolves to the local default.
func (g *Generator) Resolve(model string) (string, string) {
	if model == "" {
		return g.localURL, g.defaultModel
	}
	remote := strings.HasPrefix(model, "remote-") || strings.HasSuffix(model, ":remote")

	clean := strings.TrimPrefix(model, "remote-")
	clean = strings.TrimPrefix(clean, "local-")
	clean = strings.TrimSuffix(clean, ":remote")
	clean = strings.TrimSuffix(clean, ":local")
	if clean == "" {
		clean = g.defaultModel
	}

	if remote {
		return g.remoteURL, clean
	}
	return g.localURL, clean
}

// Stream generates a completion for prompt and delivers each text fragment
// to emit in arrival order.
//
// # Description
//
// POSTs `{base}/api/generate` with stream:true and scans the ND-JSON reply
// line by line. Malformed lines are skipped with a debug log. A local 404
// for a non-default model retries once with the default model. A transport
// failure emits a single in-stream error sentinel and returns nil; the
// stream is the error channel for clients already reading it. A non-OK
// status likewise emits the sentinel, then returns the upstream error.
//
// # Inputs
//
//   - ctx: request-scoped; cancellation aborts the upstream read.
//   - prompt: fully composed prompt text.
//   - model: routed model name; empty selects the local default.
//   - emit: fragment callback. A non-nil return aborts the stream and is
//     returned to the caller (typically the client hung up).
//
// # Outputs
//
//   - error: emit's error, a context error, or an UpstreamGenerationError
//     for a non-OK upstream status.
func (g *Generator) Stream(ctx context.Context, prompt, model string, emit func(fragment string) error) error {
	base, clean := g.Resolve(model)

	body, err := json.Marshal(ollamaGenerateRequest{Model: clean, Prompt: prompt, Stream: true})
	if err != nil {
		return &datatypes.UpstreamGenerationError{Cause: err}
	}

	resp, err := g.post(ctx, base+"/api/generate", body)
	if err != nil {
		return g.emitConnectError(err, emit)
	}

	// Step 1: an unknown local model falls back to the default once.
	if resp.StatusCode == http.StatusNotFound && base == g.localURL && clean != g.defaultModel {
		_ = resp.Body.Close()
		slog.Warn("Local model not found, retrying with default",
			"model", clean, "default", g.defaultModel)
		body, _ = json.Marshal(ollamaGenerateRequest{Model: g.defaultModel, Prompt: prompt, Stream: true})
		resp, err = g.post(ctx, base+"/api/generate", body)
		if err != nil {
			return g.emitConnectError(err, emit)
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return g.emitStatusError("generation", resp.StatusCode, raw, emit)
	}

	// Step 2: scan ND-JSON fragments until done or EOF.
	return scanStream(resp.Body, emit)
}

// StreamChat is Stream for the conversational upstream shape, forwarding a
// message history to `{base}/api/chat`.
func (g *Generator) StreamChat(ctx context.Context, messages []datatypes.ChatMessage, model string, emit func(fragment string) error) error {
	base, clean := g.Resolve(model)

	body, err := json.Marshal(ollamaChatUpstreamRequest{Model: clean, Messages: messages, Stream: true})
	if err != nil {
		return &datatypes.UpstreamGenerationError{Cause: err}
	}

	resp, err := g.post(ctx, base+"/api/chat", body)
	if err != nil {
		return g.emitConnectError(err, emit)
	}
	if resp.StatusCode == http.StatusNotFound && base == g.localURL && clean != g.defaultModel {
		_ = resp.Body.Close()
		slog.Warn("Local model not found, retrying with default",
			"model", clean, "default", g.defaultModel)
		body, _ = json.Marshal(ollamaChatUpstreamRequest{Model: g.defaultModel, Messages: messages, Stream: true})
		resp, err = g.post(ctx, base+"/api/chat", body)
		if err != nil {
			return g.emitConnectError(err, emit)
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return g.emitStatusError("chat", resp.StatusCode, raw, emit)
	}
	return scanStream(resp.Body, emit)
}

// Generate is the non-streaming form: it runs Stream and accumulates the
// fragments into one string.
func (g *Generator) Generate(ctx context.Context, prompt, model string) (string, error) {
	var sb strings.Builder
	err := g.Stream(ctx, prompt, model, func(fragment string) error {
		sb.WriteString(fragment)
		return nil
	})
	return sb.String(), err
}

// Proxy forwards a model management call (pull, delete) to the remote
// upstream verbatim and returns its body and status.
func (g *Generator) Proxy(ctx context.Context, path string, body []byte) ([]byte, int, error) {
	resp, err := g.post(ctx, g.remoteURL+path, body)
	if err != nil {
		return nil, 0, &datatypes.UpstreamGenerationError{Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &datatypes.UpstreamGenerationError{Cause: err}
	}
	return raw, resp.StatusCode, nil
}

// =============================================================================
// Internals
// =============================================================================

func (g *Generator) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return g.client.Do(req)
}

// emitConnectError surfaces a transport failure as one in-stream fragment.
func (g *Generator) emitConnectError(cause error, emit func(string) error) error {
	slog.Error("Generation upstream unreachable", "error", cause)
	if err := emit(connectErrorPrefix + cause.Error()); err != nil {
		return err
	}
	return nil
}

// emitStatusError surfaces a non-OK upstream status as one in-stream
// fragment, then returns the upstream error so callers skip persistence.
func (g *Generator) emitStatusError(upstream string, status int, raw []byte, emit func(string) error) error {
	cause := fmt.Errorf("%s upstream returned %d: %s", upstream, status, string(raw))
	slog.Error("Generation upstream rejected request", "upstream", upstream, "status", status)
	if err := emit("[ERROR] " + cause.Error()); err != nil {
		return err
	}
	return &datatypes.UpstreamGenerationError{Cause: cause}
}

// scanStream reads ND-JSON frames from body and forwards their fragments.
func scanStream(body io.Reader, emit func(string) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), streamScanBufferSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame datatypes.OllamaStreamFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			slog.Debug("Skipping malformed stream line", "error", err)
			continue
		}
		if fragment := frame.Fragment(); fragment != "" {
			if err := emit(fragment); err != nil {
				return err
			}
		}
		if frame.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return &datatypes.UpstreamGenerationError{Cause: fmt.Errorf("stream read: %w", err)}
	}
	return nil
}

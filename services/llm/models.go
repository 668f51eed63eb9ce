// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
)

// catalogTimeout bounds the /api/tags probes. Model listing is a metadata
// call and should never hang a client.
const catalogTimeout = 10 * time.Second

// Catalog lists the models served by the local and remote upstreams.
//
// An upstream that cannot be reached contributes a single fallback entry
// instead of failing the whole listing; clients always get something to
// pick from.
type Catalog struct {
	localURL     string
	remoteURL    string
	defaultModel string
	remoteModel  string
	client       *http.Client
}

// NewCatalog builds a catalog over the two upstream base URLs. The model
// names are the per-side fallback entries.
func NewCatalog(localURL, remoteURL, defaultModel, remoteModel string) *Catalog {
	return &Catalog{
		localURL:     localURL,
		remoteURL:    remoteURL,
		defaultModel: defaultModel,
		remoteModel:  remoteModel,
		client:       &http.Client{Timeout: catalogTimeout},
	}
}

// List returns the local and remote model names, unprefixed. Each side
// degrades to its configured fallback model on upstream error.
func (c *Catalog) List(ctx context.Context) (local []string, remote []string) {
	local, err := c.tags(ctx, c.localURL)
	if err != nil {
		slog.Warn("Local model listing failed, using fallback", "error", err)
		local = []string{c.defaultModel}
	}
	remote, err = c.tags(ctx, c.remoteURL)
	if err != nil {
		slog.Warn("Remote model listing failed, using fallback", "error", err)
		remote = []string{c.remoteModel}
	}
	return local, remote
}

func (c *Catalog) tags(ctx context.Context, base string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{status: resp.StatusCode, body: string(raw)}
	}

	var parsed datatypes.OllamaTagsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

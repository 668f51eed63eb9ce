// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsmalley/ghostwire-refractory/services/controller/config"
	"github.com/hsmalley/ghostwire-refractory/services/controller/handlers"
)

// testRouter wires the full route table over empty deps. Requests that
// fail validation never touch the nil services, which is enough to test
// routing and middleware behavior.
func testRouter(requests int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.RateLimitRequests = requests
	cfg.RateLimitWindow = time.Minute

	router := gin.New()
	SetupRoutes(router, &handlers.Deps{Cfg: cfg})
	return router
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:1234"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetricsBypassRateLimit(t *testing.T) {
	router := testRouter(1)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/health", "").Code)
	}
	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/metrics", "").Code)
}

func TestRateLimitAppliesToAPIEndpoints(t *testing.T) {
	router := testRouter(2)

	// Invalid bodies are rejected by validation but still consume budget.
	first := doRequest(router, http.MethodPost, "/retrieve", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, first.Code)
	second := doRequest(router, http.MethodPost, "/retrieve", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, second.Code)

	third := doRequest(router, http.MethodPost, "/retrieve", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.Contains(t, third.Body.String(), "RATE_LIMIT_EXCEEDED")
}

func TestAllSurfacesAreRegistered(t *testing.T) {
	router := testRouter(100)

	// A 404 means the route is missing; validation failures mean it exists.
	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/chat_embedding"},
		{http.MethodPost, "/retrieve"},
		{http.MethodPost, "/rag"},
		{http.MethodPost, "/summarize"},
		{http.MethodPost, "/documents"},
		{http.MethodPost, "/v1/embeddings"},
		{http.MethodPost, "/v1/chat/completions"},
		{http.MethodPost, "/v1/completions"},
		{http.MethodPost, "/api/generate"},
		{http.MethodPost, "/api/chat"},
		{http.MethodPost, "/collections/qa/points/search"},
	}
	for _, p := range paths {
		rec := doRequest(router, p.method, p.path, `{"bad":`)
		assert.NotEqual(t, http.StatusNotFound, rec.Code, "%s %s not registered", p.method, p.path)
	}
}

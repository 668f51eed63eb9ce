// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limitedRouter(requests int, window time.Duration) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewRateLimiter(requests, window).Middleware())
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return router
}

func get(router *gin.Engine, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterAllowsBurstThenRejects(t *testing.T) {
	router := limitedRouter(2, time.Minute)

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234").Code)

	rec := get(router, "10.0.0.1:1234")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")
}

func TestRateLimiterIsPerClient(t *testing.T) {
	router := limitedRouter(1, time.Minute)

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(router, "10.0.0.1:1234").Code)

	// A different client has its own bucket.
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.2:1234").Code)
}

func TestRateLimiterRefills(t *testing.T) {
	router := limitedRouter(20, 100*time.Millisecond)

	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234").Code)
	}
	require.Equal(t, http.StatusTooManyRequests, get(router, "10.0.0.1:1234").Code)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234").Code)
}

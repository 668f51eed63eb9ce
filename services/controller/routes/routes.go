// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the controller's HTTP surface onto a gin engine.
package routes

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/hsmalley/ghostwire-refractory/services/controller/handlers"
	"github.com/hsmalley/ghostwire-refractory/services/controller/middleware"
)

// SetupRoutes registers every endpoint: the native memory surface, the
// OpenAI /v1 facade, the Ollama /api facade, and the Qdrant /collections
// facade. Tracing, CORS, and per-IP rate limiting apply to all of them;
// /health and /metrics bypass the rate limiter so probes never starve.
func SetupRoutes(router *gin.Engine, deps *handlers.Deps) {
	router.Use(otelgin.Middleware("ghostwire-controller"))
	router.Use(cors.Default())

	router.GET("/health", handlers.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := middleware.NewRateLimiter(deps.Cfg.RateLimitRequests, deps.Cfg.RateLimitWindow)
	limited := router.Group("/", limiter.Middleware())

	// Native surface.
	limited.POST("/chat_embedding", handlers.HandleChatEmbedding(deps))
	limited.POST("/retrieve", handlers.HandleRetrieve(deps))
	limited.POST("/rag", handlers.HandleRAG(deps))
	limited.POST("/chat_completion", handlers.HandleChatCompletion(deps))
	limited.POST("/summarize", handlers.HandleSummarize(deps))
	limited.POST("/benchmark", handlers.HandleBenchmark(deps))
	limited.POST("/documents", handlers.HandleDocuments(deps))
	limited.GET("/cache/stats", handlers.HandleCacheStats(deps))

	// OpenAI-compatible facade.
	v1 := limited.Group("/v1")
	{
		v1.POST("/embeddings", handlers.HandleOpenAIEmbeddings(deps))
		v1.POST("/chat/completions", handlers.HandleOpenAIChatCompletions(deps))
		v1.POST("/completions", handlers.HandleOpenAICompletions(deps))
		v1.GET("/models", handlers.HandleOpenAIModels(deps))
		v1.GET("/models/:id", handlers.HandleOpenAIModelDetail(deps))
	}

	// Ollama-compatible facade.
	api := limited.Group("/api")
	{
		api.POST("/generate", handlers.HandleOllamaGenerate(deps))
		api.POST("/chat", handlers.HandleOllamaChat(deps))
		api.GET("/tags", handlers.HandleOllamaTags(deps))
		api.GET("/list", handlers.HandleOllamaTags(deps))
		api.POST("/pull", handlers.HandleOllamaProxy(deps, "/api/pull"))
		api.POST("/delete", handlers.HandleOllamaProxy(deps, "/api/delete"))
	}

	// Qdrant-compatible facade.
	collections := limited.Group("/collections")
	{
		collections.GET("", handlers.HandleQdrantListCollections(deps))
		collections.PUT("/:name", handlers.HandleQdrantCreateCollection(deps))
		collections.GET("/:name", handlers.HandleQdrantGetCollection(deps))
		collections.DELETE("/:name", handlers.HandleQdrantDeleteCollection(deps))
		collections.PUT("/:name/points", handlers.HandleQdrantUpsertPoints(deps))
		collections.POST("/:name/points", handlers.HandleQdrantUpsertPoints(deps))
		collections.GET("/:name/points/:id", handlers.HandleQdrantGetPoint(deps))
		collections.POST("/:name/points/search", handlers.HandleQdrantSearch(deps))
		collections.POST("/:name/points/query", handlers.HandleQdrantSearch(deps))
		collections.POST("/:name/points/delete", handlers.HandleQdrantDeletePoints(deps))
		collections.PUT("/:name/index", handlers.HandleQdrantCreateIndex(deps))
	}
}

// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
	"github.com/hsmalley/ghostwire-refractory/services/controller/services"
)

// HandleHealth is GET /health.
func HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version})
}

// HandleSummarize is POST /summarize: direct access to the summarizer.
func HandleSummarize(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SummarizeRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Missing text"})
			return
		}

		summary, err := deps.Summarizer.Summarize(c.Request.Context(), req.Text, req.MaxLength)
		if err != nil {
			// The summarizer already fell back to the original text.
			deps.Metrics.RecordError("summarize", string(datatypes.CodeFor(err)))
		}
		c.JSON(http.StatusOK, gin.H{"summary": summary})
	}
}

// HandleChatCompletion is POST /chat_completion: generation with optional
// caller-supplied history, no retrieval and no persistence. Short texts
// bypass the summarization framing and go to the model verbatim.
func HandleChatCompletion(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ChatCompletionRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Missing text"})
			return
		}

		messages := make([]datatypes.ChatMessage, 0, len(req.History)*2+1)
		for _, turn := range req.History {
			messages = append(messages,
				datatypes.ChatMessage{Role: "user", Content: turn.Prompt},
				datatypes.ChatMessage{Role: "assistant", Content: turn.Answer})
		}
		messages = append(messages, datatypes.ChatMessage{Role: "user", Content: req.Text})

		if req.Stream {
			emit := startStream(c)
			_ = deps.Generator.StreamChat(c.Request.Context(), messages, req.Model, emit)
			return
		}

		var sb strings.Builder
		err := deps.Generator.StreamChat(c.Request.Context(), messages, req.Model, func(f string) error {
			sb.WriteString(f)
			return nil
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"summary": sb.String()})
	}
}

// HandleCacheStats is GET /cache/stats.
func HandleCacheStats(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := deps.Cache.Stats(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// HandleBenchmark is POST /benchmark: runs a named task repeatedly and
// reports the mean latency plus the composite score.
//
// The score rewards sub-second latency and substantive replies:
// round(100 * max(0, 1 - latency/5) * length_factor, 2), where the length
// factor saturates at 200 reply characters.
func HandleBenchmark(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.BenchmarkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, datatypes.NewValidationError("body", "invalid JSON"))
			return
		}
		if req.Task == "" {
			req.Task = "rag"
		}
		iterations := req.Iterations
		if iterations <= 0 {
			iterations = 1
		}
		if iterations > 20 {
			iterations = 20
		}

		ctx := c.Request.Context()
		var totalLatency, totalScore float64
		for i := 0; i < iterations; i++ {
			start := time.Now()
			reply := runBenchmarkTask(deps, c, req.Task)
			latency := time.Since(start).Seconds()

			lengthFactor := math.Min(1, float64(len(reply))/200.0)
			score := 100 * math.Max(0, 1-latency/5) * lengthFactor
			totalLatency += latency
			totalScore += math.Round(score*100) / 100

			if ctx.Err() != nil {
				return
			}
		}

		c.JSON(http.StatusOK, datatypes.BenchmarkResponse{
			Task:           req.Task,
			Iterations:     iterations,
			AvgLatencySecs: totalLatency / float64(iterations),
			GhostwireScore: math.Round(totalScore/float64(iterations)*100) / 100,
		})
	}
}

// runBenchmarkTask executes one probe round trip. Unknown task names are
// treated as model names for a direct generation probe.
func runBenchmarkTask(deps *Deps, c *gin.Context, task string) string {
	ctx := c.Request.Context()
	switch task {
	case "rag":
		var sb strings.Builder
		_ = deps.RAG.Answer(ctx, services.RAGQuery{
			SessionID: "benchmark_session",
			Text:      "Briefly describe what a vector database is.",
		}, func(f string) error {
			sb.WriteString(f)
			return nil
		})
		return sb.String()
	case "summarize":
		text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40)
		summary, _ := deps.Summarizer.Summarize(ctx, text, 0)
		return summary
	default:
		reply, _ := deps.Generator.Generate(ctx, "Reply with one short sentence.", task)
		return reply
	}
}

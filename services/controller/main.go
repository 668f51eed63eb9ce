// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// The controller is the GhostWire memory service: session-scoped
// conversational memory with ANN retrieval, a two-tier response cache,
// and OpenAI/Ollama/Qdrant compatible facades in front of the pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hsmalley/ghostwire-refractory/pkg/logging"
	"github.com/hsmalley/ghostwire-refractory/services/llm"

	"github.com/hsmalley/ghostwire-refractory/services/controller/config"
	"github.com/hsmalley/ghostwire-refractory/services/controller/handlers"
	"github.com/hsmalley/ghostwire-refractory/services/controller/observability"
	"github.com/hsmalley/ghostwire-refractory/services/controller/routes"
	"github.com/hsmalley/ghostwire-refractory/services/controller/services"
	"github.com/hsmalley/ghostwire-refractory/services/controller/storage"
	"github.com/hsmalley/ghostwire-refractory/services/controller/vector"
)

// initTracer wires the OTLP gRPC trace exporter. A missing collector is
// not fatal; spans are buffered and dropped by the batch processor.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("ghostwire-controller")))
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			slog.Error("Failed to shut down OTLP exporter", "error", err)
		}
	}, nil
}

// buildIndex restores the ANN index from its snapshot, or rebuilds it from
// the row store when the snapshot is missing or malformed.
func buildIndex(ctx context.Context, cfg config.Config, repo storage.MemoryRepository) (*vector.Index, error) {
	index, err := vector.New(vector.Params{
		Dim:            cfg.EmbedDim,
		MaxElements:    cfg.MaxElements,
		M:              cfg.M,
		EfConstruction: cfg.EfConstruction,
		EfQuery:        cfg.EfQuery,
	})
	if err != nil {
		return nil, err
	}

	if err := index.Restore(cfg.IndexPath); err == nil {
		slog.Info("Index restored from snapshot", "path", cfg.IndexPath, "size", index.Size())
		return index, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Index snapshot unusable, rebuilding from store",
			"path", cfg.IndexPath, "error", err)
	}

	rebuilt := 0
	err = repo.AllEmbeddings(ctx, func(id int64, vec []float32) error {
		if err := index.Add(llm.NormalizeVector(vec), uint64(id)); err != nil {
			slog.Warn("Skipping row during index rebuild", "row_id", id, "error", err)
		} else {
			rebuilt++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	slog.Info("Index rebuilt from row store", "vectors", rebuilt)
	return index, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: configuration invalid: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Format:  logging.Format(cfg.LogFormat),
		Service: "controller",
	})
	defer func() { _ = logger.Close() }()
	slog.SetDefault(logger.Slog())

	cleanupTracer, err := initTracer(cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("FATAL: could not set up the OTLP tracer: %v", err)
	}
	defer cleanupTracer(context.Background())

	metrics := observability.InitMetrics()

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("FATAL: could not open row store: %v", err)
	}
	repo := storage.NewMemoryRepository(db, cfg.EmbedDim)
	cache := storage.NewResponseCache(db, cfg.EmbedDim,
		cfg.CacheTTLExact, cfg.CacheTTLApprox, cfg.CacheSimThreshold)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	index, err := buildIndex(rootCtx, cfg, repo)
	if err != nil {
		log.Fatalf("FATAL: could not build index: %v", err)
	}
	metrics.SetIndexSize(index.Size())

	memo, err := llm.NewEmbeddingMemo(cfg.EmbedCacheDir, 0)
	if err != nil {
		log.Fatalf("FATAL: could not open embedding memo: %v", err)
	}
	defer func() { _ = memo.Close() }()

	embedder := llm.NewEmbedder(cfg.LocalGenURL, cfg.EmbedModels, cfg.EmbedDim, memo)
	generator := llm.NewGenerator(cfg.LocalGenURL, cfg.RemoteGenURL, cfg.DefaultModel)
	catalog := llm.NewCatalog(cfg.LocalGenURL, cfg.RemoteGenURL, cfg.DefaultModel, cfg.RemoteModel)
	summarizer := llm.NewSummarizer(generator, cfg.SummaryModel, cfg.DisableSummarization)

	writer := services.NewMemoryWriter(repo, index)
	rag := services.NewRAGService(
		embedder,
		generator,
		cache,
		services.NewRetriever(repo, index, cfg.TopK),
		services.NewComposer(cfg),
		writer,
	)

	go storage.NewSweeper(cache, storage.DefaultSweepInterval).Run(rootCtx)

	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, &handlers.Deps{
		Cfg:        cfg,
		RAG:        rag,
		Embedder:   embedder,
		Generator:  generator,
		Catalog:    catalog,
		Summarizer: summarizer,
		Repo:       repo,
		Index:      index,
		Cache:      cache,
		Writer:     writer,
		Metrics:    metrics,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}

	go func() {
		slog.Info("Controller listening", "addr", server.Addr, "embed_dim", cfg.EmbedDim)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server shutdown incomplete", "error", err)
	}

	if err := index.Snapshot(cfg.IndexPath); err != nil {
		slog.Error("Index snapshot failed", "path", cfg.IndexPath, "error", err)
	} else {
		slog.Info("Index snapshot written", "path", cfg.IndexPath, "size", index.Size())
	}

	services.PurgeSecureMemory()
}

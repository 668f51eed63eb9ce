// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitForExport gives the async exporter goroutines time to land.
func waitForExport() { time.Sleep(50 * time.Millisecond) }

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))

	// A typo in LOG_LEVEL must never silence the process.
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelInfo, ParseLevel("loud"))
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(99).String())
}

func TestNewFormats(t *testing.T) {
	for _, format := range []Format{FormatAuto, FormatJSON, FormatText, FormatPretty} {
		t.Run(string(format), func(t *testing.T) {
			logger := New(Config{Format: format, Quiet: true})
			require.NotNil(t, logger)
			logger.Info("controller started", "port", 8000)
			require.NoError(t, logger.Close())
		})
	}
}

func TestFileLoggingWritesJSON(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "controller",
		Quiet:   true,
	})
	require.NotNil(t, logger.file, "LogDir enables file logging")

	logger.Info("turn persisted", "session_id", "abc123", "row_id", 7)
	require.NoError(t, logger.Close())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0].Name(), "controller_"))

	content, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(content), "turn persisted")
	assert.Contains(t, string(content), `"session_id":"abc123"`)
	assert.Contains(t, string(content), `"service":"controller"`, "service attribute is stamped")
}

func TestFileLoggingDefaultsServiceName(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Quiet: true})
	defer func() { _ = logger.Close() }()

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0].Name(), "ghostwire_"))
}

func TestUnwritableLogDirDegradesToStderr(t *testing.T) {
	logger := New(Config{
		LogDir: "/proc/nonexistent/ghostwire/logs",
		Quiet:  true,
	})
	defer func() { _ = logger.Close() }()

	assert.Nil(t, logger.file, "no file handle when the directory cannot be created")
	logger.Info("still alive")
}

func TestExporterReceivesFilteredRecords(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelWarn,
		Service:  "embedder",
		Exporter: exporter,
		Quiet:    true,
	})
	defer func() { _ = logger.Close() }()

	logger.Debug("candidate model skipped")
	logger.Info("embedding resolved")
	logger.Warn("embedding upstream degraded", "model", "nomic-embed-text")
	logger.Error("memo store unavailable", "attempts", 3)
	waitForExport()

	entries := exporter.Entries()
	require.Len(t, entries, 2, "records below the minimum level are not exported")
	// Exports run on their own goroutines; arrival order is not fixed.
	byLevel := make(map[Level]LogEntry, len(entries))
	for _, e := range entries {
		byLevel[e.Level] = e
	}
	require.Contains(t, byLevel, LevelWarn)
	require.Contains(t, byLevel, LevelError)
	assert.Equal(t, "embedder", byLevel[LevelWarn].Service)
	assert.Equal(t, "nomic-embed-text", byLevel[LevelWarn].Attrs["model"])
	assert.Equal(t, 3, byLevel[LevelError].Attrs["attempts"])
}

func TestWithSharesFileAndExporter(t *testing.T) {
	dir := t.TempDir()
	exporter := NewBufferedExporter()
	logger := New(Config{
		LogDir:   dir,
		Service:  "controller",
		Exporter: exporter,
		Quiet:    true,
	})
	defer func() { _ = logger.Close() }()

	child := logger.With("session_id", "abc123")
	require.NotNil(t, child)
	assert.Same(t, logger.file, child.file, "child shares the parent's file handle")

	child.Info("retrieval complete", "hits", 4)
	waitForExport()
	require.Len(t, exporter.Entries(), 1)
}

func TestCloseSurfacesExporterFailure(t *testing.T) {
	logger := New(Config{
		Exporter: &failingExporter{flushErr: errors.New("aggregator down")},
		Quiet:    true,
	})

	err := logger.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush exporter")
}

func TestExportFailureIsDropped(t *testing.T) {
	logger := New(Config{
		Level:    LevelInfo,
		Exporter: &failingExporter{exportErr: errors.New("export failed")},
		Quiet:    true,
	})
	defer func() { _ = logger.Close() }()

	// Export errors must never reach the caller.
	logger.Info("cache hit", "tier", "exact")
	waitForExport()
}

func TestConcurrentLogging(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Exporter: exporter, Quiet: true})
	defer func() { _ = logger.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Info("request served", "n", n)
		}(i)
	}
	wg.Wait()
	time.Sleep(100 * time.Millisecond)

	assert.Len(t, exporter.Entries(), 100)
}

func TestMultiHandlerFansOutWithPerHandlerLevels(t *testing.T) {
	var debugBuf, errorBuf bytes.Buffer
	mh := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&errorBuf, &slog.HandlerOptions{Level: slog.LevelError}),
	}}

	ctx := context.Background()
	assert.True(t, mh.Enabled(ctx, slog.LevelDebug), "enabled when any child accepts")

	record := slog.NewRecord(time.Now(), slog.LevelInfo, "index snapshot saved", 0)
	require.NoError(t, mh.Handle(ctx, record))
	assert.Contains(t, debugBuf.String(), "index snapshot saved")
	assert.Zero(t, errorBuf.Len(), "child below its own level stays silent")

	empty := &multiHandler{}
	assert.False(t, empty.Enabled(ctx, slog.LevelError))
	require.NoError(t, empty.Handle(ctx, record))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".ghostwire/logs"), expandPath("~/.ghostwire/logs"))
	assert.Equal(t, "/var/log/ghostwire", expandPath("/var/log/ghostwire"))
	assert.Equal(t, "", expandPath(""))
}

func TestArgsToMap(t *testing.T) {
	got := argsToMap([]any{"session_id", "abc123", "rows", 12, "orphan"})
	assert.Equal(t, map[string]any{"session_id": "abc123", "rows": 12}, got,
		"trailing unpaired value is dropped")

	got = argsToMap([]any{42, "value", "valid", true})
	assert.Equal(t, map[string]any{"valid": true}, got, "non-string keys are skipped")
}

func TestBufferedExporterReturnsCopies(t *testing.T) {
	e := NewBufferedExporter()
	require.NoError(t, e.Export(context.Background(), LogEntry{Message: "original"}))

	first := e.Entries()
	first[0].Message = "mutated"
	assert.Equal(t, "original", e.Entries()[0].Message)
}

func TestWriterExporterFormat(t *testing.T) {
	var buf bytes.Buffer
	e := NewWriterExporter(&buf)

	require.NoError(t, e.Export(context.Background(), LogEntry{
		Timestamp: time.Now(),
		Level:     LevelWarn,
		Message:   "similarity cache write failed",
		Attrs:     map[string]any{"session_id": "abc123"},
	}))

	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "similarity cache write failed")
	assert.Contains(t, out, "session_id")
}

// failingExporter returns the configured errors from each hook.
type failingExporter struct {
	exportErr error
	flushErr  error
	closeErr  error
}

func (e *failingExporter) Export(ctx context.Context, entry LogEntry) error { return e.exportErr }
func (e *failingExporter) Flush(ctx context.Context) error                  { return e.flushErr }
func (e *failingExporter) Close() error                                     { return e.closeErr }

// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	serverURL string
	sessionID string
	modelName string
	topK      int

	rootCmd = &cobra.Command{
		Use:   "ghostwire",
		Short: "A cli for the GhostWire conversational memory service",
		Long: `ghostwire talks to a running GhostWire controller: ask questions
through the RAG pipeline, inspect what the memory would retrieve, and
administer sessions and caches.`,
	}

	// --- Chat ---
	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question through the RAG pipeline and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAskCommand, // Defined in cmd_chat.go
	}
	consoleCmd = &cobra.Command{
		Use:     "console",
		Short:   "Interactive chat session against the controller",
		Aliases: []string{"chat"},
		Run:     runConsoleCommand, // Defined in cmd_chat.go
	}
	retrieveCmd = &cobra.Command{
		Use:   "retrieve [query]",
		Short: "Show the contexts the memory would retrieve for a query",
		Args:  cobra.MinimumNArgs(1),
		Run:   runRetrieveCommand, // Defined in cmd_chat.go
	}

	// --- Administration ---
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check controller health",
		Run:   runHealthCommand, // Defined in cmd_admin.go
	}
	modelsCmd = &cobra.Command{
		Use:   "models",
		Short: "List the models visible to the controller",
		Run:   runModelsCommand, // Defined in cmd_admin.go
	}
	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "List sessions holding stored memory",
		Run:   runSessionsCommand, // Defined in cmd_admin.go
	}
	cacheStatsCmd = &cobra.Command{
		Use:   "cache-stats",
		Short: "Show response cache statistics",
		Run:   runCacheStatsCommand, // Defined in cmd_admin.go
	}
	benchCmd = &cobra.Command{
		Use:   "bench [task]",
		Short: "Run a controller benchmark task (rag, summarize, or a model name)",
		Run:   runBenchCommand, // Defined in cmd_admin.go
	}
)

func init() {
	defaultServer := os.Getenv("GHOSTWIRE_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8000"
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer,
		"Base URL of the GhostWire controller")
	rootCmd.PersistentFlags().StringVarP(&sessionID, "session", "s", "default_session",
		"Session id scoping memory reads and writes")
	rootCmd.PersistentFlags().StringVarP(&modelName, "model", "m", "",
		"Model name (prefix with remote- to route to the remote upstream)")
	retrieveCmd.Flags().IntVarP(&topK, "top-k", "k", 5, "Number of contexts to retrieve")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(cacheStatsCmd)
	rootCmd.AddCommand(benchCmd)
}

// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
)

// adminClient bounds administrative calls; nothing here streams.
var adminClient = &http.Client{Timeout: 30 * time.Second}

func getJSON(path string, out any) error {
	resp, err := adminClient.Get(serverURL + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("controller returned %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runHealthCommand(cmd *cobra.Command, args []string) {
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := getJSON("/health", &health); err != nil {
		fmt.Fprintf(os.Stderr, "Controller unreachable: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Status:  %s\nVersion: %s\n", health.Status, health.Version)
}

// runModelsCommand lists models through the controller's /v1 facade using
// a stock OpenAI client, which doubles as a compatibility check.
func runModelsCommand(cmd *cobra.Command, args []string) {
	cfg := openai.DefaultConfig("")
	cfg.BaseURL = serverURL + "/v1"
	client := openai.NewClientWithConfig(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	list, err := client.ListModels(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for _, m := range list.Models {
		fmt.Printf("%-40s %s\n", m.ID, m.OwnedBy)
	}
}

func runSessionsCommand(cmd *cobra.Command, args []string) {
	var envelope struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := getJSON("/collections", &envelope); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(envelope.Result.Collections) == 0 {
		fmt.Println("No sessions hold stored memory.")
		return
	}
	for _, c := range envelope.Result.Collections {
		fmt.Println(c.Name)
	}
}

func runCacheStatsCommand(cmd *cobra.Command, args []string) {
	var stats struct {
		Total   int64 `json:"total"`
		Expired int64 `json:"expired"`
		Active  int64 `json:"active"`
	}
	if err := getJSON("/cache/stats", &stats); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Total:   %d\nActive:  %d\nExpired: %d\n", stats.Total, stats.Active, stats.Expired)
}

func runBenchCommand(cmd *cobra.Command, args []string) {
	task := "rag"
	if len(args) > 0 {
		task = strings.Join(args, " ")
	}
	body, _ := json.Marshal(map[string]any{"task": task, "iterations": 3})

	resp, err := adminClient.Post(serverURL+"/benchmark", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		Task           string  `json:"task"`
		Iterations     int     `json:"iterations"`
		AvgLatencySecs float64 `json:"avg_latency_seconds"`
		GhostwireScore float64 `json:"ghostwire_score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(os.Stderr, "Error: malformed response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Task:        %s\nIterations:  %d\nAvg latency: %.3fs\nScore:       %.2f\n",
		result.Task, result.Iterations, result.AvgLatencySecs, result.GhostwireScore)
}

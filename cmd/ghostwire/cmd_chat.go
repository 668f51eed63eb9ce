// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// runAskCommand streams one answer from POST /chat_embedding.
func runAskCommand(cmd *cobra.Command, args []string) {
	question := strings.Join(args, " ")
	if err := streamQuestion(question); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runConsoleCommand is a line-oriented chat loop over the same endpoint.
// Memory accumulates under the chosen session, so follow-up questions see
// earlier turns.
func runConsoleCommand(cmd *cobra.Command, args []string) {
	fmt.Printf("GhostWire console (session %q). Ctrl-D or /quit to exit.\n", sessionID)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}
		if err := streamQuestion(line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// streamQuestion POSTs the question and relays the token stream to stdout.
func streamQuestion(question string) error {
	body, err := json.Marshal(map[string]string{
		"session_id": sessionID,
		"text":       question,
		"model":      modelName,
	})
	if err != nil {
		return err
	}

	resp, err := http.Post(serverURL+"/chat_embedding", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("controller returned %d: %s", resp.StatusCode, string(raw))
	}

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			fmt.Print(string(buf[:n]))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	fmt.Println()
	return nil
}

// runRetrieveCommand shows what the memory would hand to the composer.
func runRetrieveCommand(cmd *cobra.Command, args []string) {
	body, err := json.Marshal(map[string]any{
		"session_id": sessionID,
		"text":       strings.Join(args, " "),
		"top_k":      topK,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	resp, err := http.Post(serverURL+"/retrieve", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()

	var parsed struct {
		Status   string   `json:"status"`
		Contexts []string `json:"contexts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		fmt.Fprintf(os.Stderr, "Error: malformed response: %v\n", err)
		os.Exit(1)
	}

	if len(parsed.Contexts) == 0 {
		fmt.Println("No stored context matches this query.")
		return
	}
	for i, ctx := range parsed.Contexts {
		fmt.Printf("%2d. %s\n", i+1, ctx)
	}
}

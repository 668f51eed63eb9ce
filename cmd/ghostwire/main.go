// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// ghostwire is the client CLI for the GhostWire memory controller:
// streaming chat, retrieval inspection, and service administration.
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

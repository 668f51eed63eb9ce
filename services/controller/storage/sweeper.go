// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the sweeper purges expired cache rows
// when no interval is configured.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically removes expired cache rows. Reads already purge
// opportunistically; the sweeper keeps the tables bounded when a session
// goes idle and nothing reads its entries again.
type Sweeper struct {
	cache    *ResponseCache
	interval time.Duration
}

// NewSweeper builds a sweeper over the given cache. interval <= 0 falls
// back to DefaultSweepInterval.
func NewSweeper(cache *ResponseCache, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{cache: cache, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping once per interval. Call it
// from its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("Cache sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Cache sweeper stopped")
			return
		case <-ticker.C:
			purged, err := s.cache.PurgeExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Cache sweep failed", "error", err)
				continue
			}
			if purged > 0 {
				slog.Debug("Cache sweep purged expired entries", "purged", purged)
			}
		}
	}
}

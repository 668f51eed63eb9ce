// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package services implements the retrieval, composition, and RAG
// orchestration layer between the HTTP handlers and the stores.
package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// replyBufferSize caps one accumulated reply. 512 KB is roughly
	// 130k tokens, far beyond any single conversational answer.
	replyBufferSize = 512 * 1024

	// minMlockLimitKB is the mlock limit required for the secure path.
	minMlockLimitKB = 512
)

var (
	mlockOnce       sync.Once
	mlockSufficient bool
	mlockLimitKB    int64
)

// ReplyAccumulator collects streamed fragments on the server side of the
// tee so the full reply can be persisted and cached after the stream ends.
//
// # Description
//
// Replies pass through the accumulator exactly once, are hashed
// incrementally as they arrive, and are wiped after Finalize or Destroy.
// The secure implementation keeps the buffer in mlocked memory so reply
// text never swaps to disk; systems without the mlock budget fall back to
// plain memory when GHOSTWIRE_INSECURE_MEMORY=true.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type ReplyAccumulator interface {
	// Write appends one fragment. Errors after overflow or finalize.
	Write(fragment string) error

	// Len reports the bytes accumulated so far.
	Len() int

	// Finalize returns the reply and its SHA-256 hex digest, then wipes
	// the buffer. Single use.
	Finalize() (reply string, digest string, err error)

	// Destroy wipes without returning data. Idempotent.
	Destroy()

	// ID identifies the accumulator in logs.
	ID() string
}

// NewReplyAccumulator returns the secure implementation when the mlock
// limit allows it, the insecure fallback when GHOSTWIRE_INSECURE_MEMORY is
// set, and an error otherwise.
func NewReplyAccumulator() (ReplyAccumulator, error) {
	mlockOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, mlockLimitKB = checkMlockLimit()
		slog.Info("Reply accumulator memory mode",
			"mlock_limit_kb", mlockLimitKB, "secure", mlockSufficient)
	})

	if !mlockSufficient {
		if os.Getenv("GHOSTWIRE_INSECURE_MEMORY") == "true" {
			slog.Warn("Using insecure reply accumulator, mlock limit too low",
				"limit_kb", mlockLimitKB, "required_kb", minMlockLimitKB)
			return newPlainAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB; raise the limit or set GHOSTWIRE_INSECURE_MEMORY=true",
			mlockLimitKB, minMlockLimitKB)
	}

	buf := memguard.NewBuffer(replyBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate %d byte locked buffer", replyBufferSize)
	}
	buf.Melt()
	return &lockedAccumulator{
		id:     uuid.New().String(),
		buffer: buf,
		hasher: sha256.New(),
	}, nil
}

// PurgeSecureMemory wipes every live locked buffer. Call once during
// process shutdown, after the HTTP server has drained.
func PurgeSecureMemory() {
	memguard.Purge()
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// =============================================================================
// Locked Implementation
// =============================================================================

// lockedAccumulator stores the reply in a memguard LockedBuffer: mlocked,
// guarded, and zeroed on destroy.
type lockedAccumulator struct {
	id        string
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *lockedAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("reply buffer overflow")
	}
	b := []byte(fragment)
	if a.offset+len(b) > replyBufferSize {
		a.overflow = true
		return fmt.Errorf("reply buffer overflow: need %d bytes, have %d remaining",
			len(b), replyBufferSize-a.offset)
	}
	copy(a.buffer.Bytes()[a.offset:], b)
	a.offset += len(b)
	a.hasher.Write(b)
	return nil
}

func (a *lockedAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

func (a *lockedAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("reply buffer overflowed during accumulation")
	}
	reply := string(a.buffer.Bytes()[:a.offset])
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	slog.Debug("Finalized reply accumulator", "accumulator_id", a.id, "reply_length", len(reply))
	return reply, digest, nil
}

func (a *lockedAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.wipe()
	}
}

func (a *lockedAccumulator) ID() string { return a.id }

func (a *lockedAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// Plain Fallback
// =============================================================================

// plainAccumulator is the fallback for systems without the mlock budget.
// Wiping is best effort; the GC may hold copies.
type plainAccumulator struct {
	id        string
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
	createdAt time.Time
}

func newPlainAccumulator() *plainAccumulator {
	return &plainAccumulator{
		id:        uuid.New().String(),
		data:      make([]byte, 0, 4096),
		hasher:    sha256.New(),
		createdAt: time.Now(),
	}
}

func (a *plainAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("reply buffer overflow")
	}
	if len(a.data)+len(fragment) > replyBufferSize {
		a.overflow = true
		return fmt.Errorf("reply buffer overflow: need %d bytes, have %d remaining",
			len(fragment), replyBufferSize-len(a.data))
	}
	a.data = append(a.data, fragment...)
	a.hasher.Write([]byte(fragment))
	return nil
}

func (a *plainAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

func (a *plainAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("reply buffer overflowed during accumulation")
	}
	reply := string(a.data)
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return reply, digest, nil
}

func (a *plainAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.wipe()
	}
}

func (a *plainAccumulator) ID() string { return a.id }

func (a *plainAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

const (
	// summarizeThreshold is the text length below which summarization is
	// skipped entirely; short notes are cheaper to store verbatim.
	summarizeThreshold = 1000

	// summarizeMaxInput truncates pathological inputs before prompting.
	summarizeMaxInput = 50000

	// summarizeRatio is the target compression, clamped to the range below.
	summarizeRatio     = 0.3
	summarizeMinLength = 100
	summarizeMaxLength = 2000
)

// codePattern is a cheap heuristic for source code. Summarizing code
// destroys it, so anything that trips this is stored verbatim.
var codePattern = regexp.MustCompile(`(?m)^\s*(func |def |class |import |package |#include\b|const |var |fn |pub )|[{};]\s*$|^\s*(//|#|/\*)`)

// Summarizer compresses long free-text payloads through the generator
// before they are persisted as memory.
type Summarizer struct {
	gen      *Generator
	model    string
	disabled bool
}

// NewSummarizer builds a summarizer that prompts model via gen. disabled
// short-circuits ShouldSummarize, for deployments that want raw storage.
func NewSummarizer(gen *Generator, model string, disabled bool) *Summarizer {
	return &Summarizer{gen: gen, model: model, disabled: disabled}
}

// ShouldSummarize reports whether text is worth compressing: long enough,
// not disabled, and not detected as code.
func (s *Summarizer) ShouldSummarize(text string) bool {
	if s.disabled || len(text) <= summarizeThreshold {
		return false
	}
	if codePattern.MatchString(text) {
		slog.Debug("Skipping summarization, text looks like code")
		return false
	}
	return true
}

// Summarize compresses text to roughly maxLength characters. maxLength <= 0
// derives the target from the input length. On generation failure the
// original (truncated) text is returned with the error so callers can fall
// back to verbatim storage.
func (s *Summarizer) Summarize(ctx context.Context, text string, maxLength int) (string, error) {
	if len(text) > summarizeMaxInput {
		text = text[:summarizeMaxInput]
	}
	target := maxLength
	if target <= 0 {
		target = int(float64(len(text)) * summarizeRatio)
	}
	if target < summarizeMinLength {
		target = summarizeMinLength
	}
	if target > summarizeMaxLength {
		target = summarizeMaxLength
	}

	prompt := fmt.Sprintf(
		"Summarize this text concisely, keeping key details. Target length: approximately %d characters.\n\n%s",
		target, text)

	summary, err := s.gen.Generate(ctx, prompt, s.model)
	if err != nil {
		slog.Warn("Summarization failed, storing text verbatim", "error", err)
		return text, err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return text, nil
	}
	return summary, nil
}

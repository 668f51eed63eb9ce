// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"log/slog"
	"strings"

	"github.com/hsmalley/ghostwire-refractory/services/controller/config"
	"github.com/hsmalley/ghostwire-refractory/services/controller/datatypes"
)

const (
	// contextPrefix introduces the retrieved notes inside the prompt.
	contextPrefix = "Relevant prior notes: "

	// contextSeparator joins individual notes.
	contextSeparator = " | "

	// minUsefulItemLength drops items that truncation reduced to noise.
	minUsefulItemLength = 50

	// truncateTargetRatio leaves headroom under the per-item budget so the
	// joined block stays within the token budget after separators.
	truncateTargetRatio = 0.9

	// sentenceAcceptRatio is the fraction of the target a sentence-boundary
	// cut must reach to be preferred over a word cut.
	sentenceAcceptRatio = 0.7
)

// Composer turns retrieved turns into the context block that precedes the
// user prompt.
//
// # Description
//
// Selection follows the configured strategy, then the item and token
// budgets are applied in order. Items that exceed the per-item budget are
// truncated by the configured mode; items reduced below a useful length
// are dropped rather than padded.
//
// # Thread Safety
//
// Stateless after construction. Safe for concurrent use.
type Composer struct {
	maxItems   int
	minItems   int
	maxTokens  int
	strategy   config.ContextStrategy
	truncation config.TruncationMode
}

// NewComposer builds a composer from the retrieval knobs in cfg.
func NewComposer(cfg config.Config) *Composer {
	return &Composer{
		maxItems:   cfg.MaxContextItems,
		minItems:   cfg.MinContextItems,
		maxTokens:  cfg.MaxContextTokens,
		strategy:   cfg.ContextStrategy,
		truncation: cfg.ContextTruncation,
	}
}

// Compose renders turns into the context block. Returns "" when nothing
// survives selection and budgeting.
func (c *Composer) Compose(turns []datatypes.Turn) string {
	items := c.selectItems(turns)
	if len(items) == 0 {
		return ""
	}
	items = c.budget(items)
	if len(items) == 0 {
		return ""
	}
	return contextPrefix + strings.Join(items, contextSeparator) + "\n\n"
}

// Prompt assembles the final generation prompt from the composed context
// block and the user utterance.
func (c *Composer) Prompt(contextBlock, text string) string {
	return contextBlock + "User: " + text + "\n\nAssistant:"
}

// selectItems orders and deduplicates the turn texts per the strategy.
//
// Retrieval hands turns over already ranked: recency ranking when the
// strategy is recency, similarity ranking otherwise. recency and relevance
// therefore both take the head of the list; hybrid takes the first half of
// the item budget from the head and pads with the tail for variety.
func (c *Composer) selectItems(turns []datatypes.Turn) []string {
	texts := make([]string, 0, len(turns))
	seen := make(map[string]struct{}, len(turns))
	for _, t := range turns {
		text := strings.TrimSpace(t.PromptText)
		if text == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		texts = append(texts, text)
	}

	limit := c.maxItems
	if limit > len(texts) {
		limit = len(texts)
	}
	if limit < c.minItems && len(texts) >= c.minItems {
		limit = c.minItems
	}

	switch c.strategy {
	case config.StrategyHybrid:
		head := limit / 2
		if head == 0 && limit > 0 {
			head = 1
		}
		picked := append([]string(nil), texts[:head]...)
		for i := len(texts) - 1; i >= head && len(picked) < limit; i-- {
			picked = append(picked, texts[i])
		}
		return picked
	default:
		// recency and relevance: the input order already encodes the rank.
		return texts[:limit]
	}
}

// budget enforces the token budget, truncating the overflowing item and
// discarding the rest.
func (c *Composer) budget(items []string) []string {
	kept := make([]string, 0, len(items))
	used := 0
	for _, item := range items {
		cost := EstimateTokens(item)
		if used+cost <= c.maxTokens {
			kept = append(kept, item)
			used += cost
			continue
		}
		remaining := c.maxTokens - used
		if remaining <= 0 {
			break
		}
		truncated := c.truncate(item, remaining)
		if len(truncated) >= minUsefulItemLength {
			kept = append(kept, truncated)
		} else {
			slog.Debug("Dropping context item truncated below useful length",
				"original_length", len(item), "budget_tokens", remaining)
		}
		break
	}
	return kept
}

// truncate cuts text to roughly targetTokens per the configured mode.
func (c *Composer) truncate(text string, targetTokens int) string {
	// Tokens estimate back to characters at roughly 4 chars per token.
	targetChars := int(float64(targetTokens*4) * truncateTargetRatio)
	if targetChars >= len(text) {
		return text
	}
	if targetChars <= 0 {
		return ""
	}

	switch c.truncation {
	case config.TruncateSentence:
		if cut := lastSentenceBoundary(text, targetChars); cut > int(float64(targetChars)*sentenceAcceptRatio) {
			return strings.TrimSpace(text[:cut])
		}
		fallthrough
	case config.TruncateWord:
		if cut := strings.LastIndex(text[:targetChars], " "); cut > 0 {
			return strings.TrimSpace(text[:cut])
		}
		fallthrough
	default:
		return strings.TrimSpace(text[:targetChars])
	}
}

// lastSentenceBoundary returns the index just past the last sentence
// terminator at or before limit, or 0 when none exists.
func lastSentenceBoundary(text string, limit int) int {
	best := 0
	for i := 0; i < limit && i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			best = i + 1
		}
	}
	return best
}

// EstimateTokens approximates the token cost of text by averaging a
// character-based and a word-based estimate. Always at least 1.
func EstimateTokens(text string) int {
	chars := float64(len(text))
	words := float64(len(strings.Fields(text)))
	est := int((chars/4 + words/0.75) / 2)
	return max(1, est)
}

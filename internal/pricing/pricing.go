// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

// Package pricing computes USD cost for usage events from a per-model price
// table. Rates are expressed per 1000 tokens with separate prompt and
// completion prices. The table can be extended or overridden from a YAML
// file; models missing from the table cost zero and increment a counter so
// operators can spot gaps without log spam.
package pricing

import (
	"fmt"
	"math"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tomtom215/llmscope/internal/metrics"
)

// Price holds per-1000-token USD rates for a model.
type Price struct {
	PromptPer1K     float64 `koanf:"prompt_per_1k"`
	CompletionPer1K float64 `koanf:"completion_per_1k"`
}

// defaultPrices is the built-in price table.
var defaultPrices = map[string]Price{
	"gpt-4":           {PromptPer1K: 0.03, CompletionPer1K: 0.06},
	"gpt-3.5-turbo":   {PromptPer1K: 0.0015, CompletionPer1K: 0.002},
	"claude-3-opus":   {PromptPer1K: 0.015, CompletionPer1K: 0.075},
	"claude-3-sonnet": {PromptPer1K: 0.003, CompletionPer1K: 0.015},
}

// Table is a thread-safe model price table.
type Table struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// NewTable creates a table with the built-in default prices.
func NewTable() *Table {
	prices := make(map[string]Price, len(defaultPrices))
	for model, p := range defaultPrices {
		prices[model] = p
	}
	return &Table{prices: prices}
}

// LoadTable creates a table with the defaults merged with entries from the
// given YAML file. File entries win over defaults. An empty path returns the
// default table.
//
// File format:
//
//	gpt-4:
//	  prompt_per_1k: 0.03
//	  completion_per_1k: 0.06
func LoadTable(path string) (*Table, error) {
	t := NewTable()
	if path == "" {
		return t, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load price table %s: %w", path, err)
	}

	overrides := make(map[string]Price)
	if err := k.Unmarshal("", &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse price table %s: %w", path, err)
	}

	t.mu.Lock()
	for model, p := range overrides {
		if p.PromptPer1K < 0 || p.CompletionPer1K < 0 {
			t.mu.Unlock()
			return nil, fmt.Errorf("negative price for model %q", model)
		}
		t.prices[model] = p
	}
	t.mu.Unlock()

	return t, nil
}

// Lookup returns the price for a model and whether it is known.
func (t *Table) Lookup(model string) (Price, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[model]
	return p, ok
}

// Set adds or replaces a model price.
func (t *Table) Set(model string, p Price) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[model] = p
}

// Models returns the known model names in no particular order.
func (t *Table) Models() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	models := make([]string, 0, len(t.prices))
	for m := range t.prices {
		models = append(models, m)
	}
	return models
}

// Cost computes the USD cost for a call, rounded to 6 decimal places.
// Unknown models cost zero and are counted, never rejected.
func (t *Table) Cost(model string, promptTokens, completionTokens int) float64 {
	p, ok := t.Lookup(model)
	if !ok {
		metrics.RecordUnknownModel(model)
		return 0
	}

	cost := float64(promptTokens)/1000*p.PromptPer1K +
		float64(completionTokens)/1000*p.CompletionPer1K
	return Round(cost)
}

// Round rounds a USD amount to 6 decimal places.
func Round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

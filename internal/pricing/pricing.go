// Package pricing maps model names to EUR prices per 1K tokens. Cost
// resolution happens caller-side: the ledger records amounts this package
// computed, it never prices anything itself.
package pricing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lexhq/legal-ai-platform/internal/ledger"
)

// ModelPrice is the per-1K-token price pair for one model.
type ModelPrice struct {
	InputPerKTokens  ledger.MicroEUR `json:"input_per_1k_tokens"`
	OutputPerKTokens ledger.MicroEUR `json:"output_per_1k_tokens"`
}

// Table resolves invocation costs. Unknown models fall back to the standard
// tier price so cost accounting errs on the expensive side rather than
// recording zero.
type Table struct {
	prices   map[string]ModelPrice
	fallback ModelPrice
}

var defaultPrices = map[string]ModelPrice{
	"claude-haiku":     {InputPerKTokens: 250, OutputPerKTokens: 1_250},
	"claude-sonnet":    {InputPerKTokens: 3_000, OutputPerKTokens: 15_000},
	"claude-opus":      {InputPerKTokens: 15_000, OutputPerKTokens: 75_000},
	"gemini-2.5-flash": {InputPerKTokens: 280, OutputPerKTokens: 2_300},
}

// DefaultTable returns the built-in price table.
func DefaultTable() *Table {
	prices := make(map[string]ModelPrice, len(defaultPrices))
	for model, price := range defaultPrices {
		prices[model] = price
	}
	return &Table{prices: prices, fallback: defaultPrices["claude-sonnet"]}
}

// Load builds a table from the defaults overlaid with the JSON document in
// raw, shaped {"model":{"input_per_1k_tokens":"0.000250",...}}. An empty raw
// returns the defaults.
func Load(raw string) (*Table, error) {
	table := DefaultTable()
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return table, nil
	}
	var overrides map[string]ModelPrice
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return nil, fmt.Errorf("pricing: parse price table: %w", err)
	}
	for model, price := range overrides {
		model = strings.TrimSpace(model)
		if model == "" {
			continue
		}
		table.prices[model] = price
	}
	return table, nil
}

// Lookup returns the price for a model and whether it was explicitly listed.
func (t *Table) Lookup(model string) (ModelPrice, bool) {
	price, ok := t.prices[model]
	if !ok {
		return t.fallback, false
	}
	return price, true
}

// Cost computes the charge for one invocation. Arithmetic stays in integer
// micros; fractions below one micro truncate toward zero.
func (t *Table) Cost(model string, inputTokens, outputTokens int) ledger.MicroEUR {
	price, _ := t.Lookup(model)
	in := int64(inputTokens) * price.InputPerKTokens.Micros() / 1000
	out := int64(outputTokens) * price.OutputPerKTokens.Micros() / 1000
	return ledger.MicroEUR(in + out)
}

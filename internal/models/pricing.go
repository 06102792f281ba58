package models

import (
	"encoding/json"
	"fmt"
	"os"
)

// ModelPricing holds USD prices per million tokens for one model.
type ModelPricing struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// PricingTable maps model IDs to their token prices.
type PricingTable map[string]ModelPricing

// DefaultPricing returns the compiled-in pricing table. Unknown models fall
// back to the "default" entry.
func DefaultPricing() PricingTable {
	return PricingTable{
		"claude-sonnet-4-20250514":  {InputPerMillion: 3.0, OutputPerMillion: 15.0},
		"claude-opus-4-20250514":    {InputPerMillion: 15.0, OutputPerMillion: 75.0},
		"claude-3-5-haiku-20241022": {InputPerMillion: 0.8, OutputPerMillion: 4.0},
		"claude-3-haiku-20240307":   {InputPerMillion: 0.25, OutputPerMillion: 1.25},
		"default":                   {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	}
}

// For resolves the pricing for a model ID, falling back to "default".
func (t PricingTable) For(modelID string) ModelPricing {
	if p, ok := t[modelID]; ok {
		return p
	}
	return t["default"]
}

// Cost computes the USD cost of a token usage pair for a model.
func (t PricingTable) Cost(modelID string, inputTokens, outputTokens int64) float64 {
	p := t.For(modelID)
	return float64(inputTokens)*p.InputPerMillion/1_000_000 +
		float64(outputTokens)*p.OutputPerMillion/1_000_000
}

// LoadPricing loads a pricing table from a JSON file and merges it over the
// compiled-in defaults.
func LoadPricing(filePath string) (PricingTable, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	var overrides PricingTable
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse pricing JSON: %w", err)
	}

	table := DefaultPricing()
	for id, p := range overrides {
		table[id] = p
	}
	return table, nil
}

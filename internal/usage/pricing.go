package usage

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rates maps a model identifier to its price per token.
type Rates map[string]float64

// DefaultRates is used when no pricing file is configured.
func DefaultRates() Rates {
	return Rates{
		"gpt-4":      0.03,
		"gpt-3.5":    0.005,
		"claude-3":   0.015,
		"gemini-1.5": 0.0035,
	}
}

// Rate returns the per-token price for model, or 0 for unknown models.
func (r Rates) Rate(model string) float64 {
	rate, ok := r[normalizeModel(model)]
	if !ok || rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0
	}
	return rate
}

type Estimate struct {
	PromptTokens   int     `json:"prompt_tokens"`
	ResponseTokens int     `json:"response_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	Cost           float64 `json:"cost"`
}

// CountTokens counts whitespace-separated words. This is a known
// approximation of a real tokenizer and is kept on purpose: totals and costs
// stored so far were computed this way.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// Estimate is pure: the same inputs always give the same result, and an
// unknown model costs nothing instead of failing.
func (r Rates) Estimate(prompt, response, model string) Estimate {
	p := CountTokens(prompt)
	resp := CountTokens(response)
	total := p + resp
	return Estimate{
		PromptTokens:   p,
		ResponseTokens: resp,
		TotalTokens:    total,
		Cost:           float64(total) * r.Rate(model),
	}
}

type pricingFile struct {
	Rates map[string]float64 `yaml:"rates"`
}

// LoadRates reads a YAML pricing table:
//
//	rates:
//	  gpt-4: 0.03
//	  gpt-3.5: 0.005
//
// An empty path yields DefaultRates.
func LoadRates(path string) (Rates, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRates(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	return ParseRates(b)
}

func ParseRates(b []byte) (Rates, error) {
	var f pricingFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}
	if len(f.Rates) == 0 {
		return nil, errors.New("pricing file has no rates")
	}
	out := make(Rates, len(f.Rates))
	for model, rate := range f.Rates {
		if rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
			return nil, fmt.Errorf("invalid rate %v for model %q", rate, model)
		}
		out[normalizeModel(model)] = rate
	}
	return out, nil
}

func normalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

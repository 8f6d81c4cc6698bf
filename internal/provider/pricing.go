package provider

import "strings"

// DefaultTokenRate is charged for model families missing from the rate table.
const DefaultTokenRate = 0.00001

// tokenRates is a blended USD-per-token rate keyed by model family prefix.
var tokenRates = []struct {
	prefix string
	rate   float64
}{
	{"claude-opus", 0.000045},
	{"claude-sonnet", 0.000009},
	{"claude-3-5-haiku", 0.0000024},
	{"claude-haiku", 0.0000024},
	{"gpt-4o-mini", 0.0000004},
	{"gpt-4o", 0.0000063},
	{"gpt-4.1-mini", 0.0000010},
	{"gpt-4.1", 0.0000050},
	{"o3", 0.0000050},
	{"gemini", 0.0000030},
	{"llama", 0.0000002},
}

// TokenRate returns the approximate per-token cost for a model family. The
// longest matching prefix wins, so "gpt-4o-mini" is not priced as "gpt-4o".
func TokenRate(model string) float64 {
	m := strings.ToLower(model)
	best, bestLen := DefaultTokenRate, 0
	for _, r := range tokenRates {
		if strings.HasPrefix(m, r.prefix) && len(r.prefix) > bestLen {
			best, bestLen = r.rate, len(r.prefix)
		}
	}
	return best
}

// EstimateCost multiplies tokens by the model family's rate.
func EstimateCost(model string, tokens int) float64 {
	return float64(tokens) * TokenRate(model)
}

// Package pricing holds the static per-model cost table. Rates change only on
// redeploy; the table is injected data, not a live feed.
package pricing

import "strings"

// Rate is the USD cost per 1k input/output tokens for one model.
type Rate struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Table maps "provider/model" to its rate.
type Table struct {
	rates map[string]Rate
}

func key(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}

// New builds a table from a rate map keyed by "provider/model".
func New(rates map[string]Rate) *Table {
	m := make(map[string]Rate, len(rates))
	for k, v := range rates {
		m[strings.ToLower(k)] = v
	}
	return &Table{rates: m}
}

// Default returns the built-in rate table.
func Default() *Table {
	return New(map[string]Rate{
		"anthropic/claude-sonnet-4-5":  {InputPer1K: 0.003, OutputPer1K: 0.015},
		"anthropic/claude-haiku-4-5":   {InputPer1K: 0.001, OutputPer1K: 0.005},
		"openai/gpt-5":                 {InputPer1K: 0.00125, OutputPer1K: 0.010},
		"openai/gpt-5-mini":            {InputPer1K: 0.00025, OutputPer1K: 0.002},
		"openai/gpt-4o-mini":           {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"google/gemini-2.5-pro":        {InputPer1K: 0.00125, OutputPer1K: 0.010},
		"google/gemini-2.5-flash":      {InputPer1K: 0.0003, OutputPer1K: 0.0025},
		"google/gemini-2.5-flash-lite": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	})
}

// Lookup returns the rate for (provider, model). The second return is false
// for unknown keys; callers should log a warning and treat cost as zero, a
// pricing gap must never fail a call.
func (t *Table) Lookup(provider, model string) (Rate, bool) {
	r, ok := t.rates[key(provider, model)]
	return r, ok
}

// Estimate computes the USD cost of a call. Unknown models cost zero.
func (t *Table) Estimate(provider, model string, inTok, outTok int) float64 {
	r, ok := t.Lookup(provider, model)
	if !ok {
		return 0
	}
	return float64(inTok)/1000*r.InputPer1K + float64(outTok)/1000*r.OutputPer1K
}

// Package rates maps (model, prompt tokens, completion tokens) to cost.
package rates

// Rate is USD per 1k tokens, split by direction.
type Rate struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// defaultRate applies to models missing from the table.
var defaultRate = Rate{Input: 0.2, Output: 0.8}

// builtin is the compiled-in rate table. Overrides merge on top of it.
var builtin = map[string]Rate{
	"gpt-4o":            {Input: 2.5, Output: 10.0},
	"gpt-4o-mini":       {Input: 0.15, Output: 0.6},
	"gpt-4.1":           {Input: 2.0, Output: 8.0},
	"gpt-4.1-mini":      {Input: 0.4, Output: 1.6},
	"claude-sonnet-4-5": {Input: 3.0, Output: 15.0},
	"claude-haiku-4-5":  {Input: 1.0, Output: 5.0},
	"llama-3.3-70b":     {Input: 0.6, Output: 0.7},
	"mistral-large":     {Input: 2.0, Output: 6.0},
}

// Table resolves per-model rates. Zero value is not usable; use NewTable.
type Table struct {
	rates map[string]Rate
}

// NewTable returns the builtin table merged with overrides. Override
// entries replace builtin entries with the same model name.
func NewTable(overrides map[string]Rate) *Table {
	m := make(map[string]Rate, len(builtin)+len(overrides))
	for k, v := range builtin {
		m[k] = v
	}
	for k, v := range overrides {
		m[k] = v
	}
	return &Table{rates: m}
}

// Resolve returns the rate for model, or the default for unknown models.
func (t *Table) Resolve(model string) Rate {
	if r, ok := t.rates[model]; ok {
		return r
	}
	return defaultRate
}

// EstimateCost computes (prompt*input + completion*output) / 1000 in USD.
func (t *Table) EstimateCost(model string, promptTokens, completionTokens int) float64 {
	r := t.Resolve(model)
	return (float64(promptTokens)*r.Input + float64(completionTokens)*r.Output) / 1000.0
}

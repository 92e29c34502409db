package observer

// ModelRate holds per-million-token credit rates for a model. Credits are
// integer billing units; one credit corresponds to a fixed fraction of a
// cent, set by the operator.
type ModelRate struct {
	InputPerMillion  int
	OutputPerMillion int
}

// DefaultRates contains sensible defaults for common models.
// Operators override or extend via [observer.rates] in flock.toml.
var DefaultRates = map[string]ModelRate{
	// OpenAI
	"gpt-4o":       {250, 1000},
	"gpt-4o-mini":  {15, 60},
	"gpt-4.1":      {200, 800},
	"gpt-4.1-mini": {40, 160},
	"o3-mini":      {110, 440},

	// Anthropic
	"claude-sonnet-4-5": {300, 1500},
	"claude-haiku-3-5":  {80, 400},
	"claude-opus-4":     {1500, 7500},

	// Gemini
	"gemini-2.5-flash": {15, 60},
	"gemini-2.5-pro":   {125, 1000},
}

// CreditTable computes credit cost from token counts.
type CreditTable struct {
	rates map[string]ModelRate
}

// NewCreditTable creates a table with default rates, optionally merged with
// overrides.
func NewCreditTable(overrides map[string]ModelRate) *CreditTable {
	merged := make(map[string]ModelRate, len(DefaultRates)+len(overrides))
	for k, v := range DefaultRates {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return &CreditTable{rates: merged}
}

// Credits returns the credit cost for the given model and token counts,
// rounded up so partial usage is never free. Returns 0 for unknown models.
func (t *CreditTable) Credits(model string, inputTokens, outputTokens int) int {
	r, ok := t.rates[model]
	if !ok {
		return 0
	}
	cost := inputTokens*r.InputPerMillion + outputTokens*r.OutputPerMillion
	return (cost + 999_999) / 1_000_000
}

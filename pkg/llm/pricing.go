package llm

import "strings"

// modelPricing holds USD costs per million tokens.
type modelPricing struct {
	promptPerMTok     float64
	completionPerMTok float64
}

// pricingTable covers the models the benchmark harness is normally run with.
// Unknown models fall back to the prefix match, then to zero cost (local
// models through Ollama are free).
var pricingTable = map[string]modelPricing{
	"claude-sonnet-4-20250514":   {3.00, 15.00},
	"claude-3-5-sonnet-20241022": {3.00, 15.00},
	"claude-3-5-haiku-20241022":  {0.80, 4.00},
	"gpt-4o":                     {2.50, 10.00},
	"gpt-4o-mini":                {0.15, 0.60},
	"gpt-4-turbo":                {10.00, 30.00},
	"gemini-2.0-flash":           {0.10, 0.40},
	"gemini-1.5-pro":             {1.25, 5.00},
}

var pricingPrefixes = []struct {
	prefix  string
	pricing modelPricing
}{
	{"claude-sonnet", modelPricing{3.00, 15.00}},
	{"claude-opus", modelPricing{15.00, 75.00}},
	{"claude-3-5-haiku", modelPricing{0.80, 4.00}},
	{"claude", modelPricing{3.00, 15.00}},
	{"gpt-4o-mini", modelPricing{0.15, 0.60}},
	{"gpt-4o", modelPricing{2.50, 10.00}},
	{"gpt-4", modelPricing{10.00, 30.00}},
	{"gemini-2", modelPricing{0.10, 0.40}},
	{"gemini", modelPricing{1.25, 5.00}},
}

// CostFor returns the USD cost of a completion call for the given model.
func CostFor(model string, promptTokens, completionTokens int) float64 {
	pricing, ok := pricingTable[model]
	if !ok {
		for _, p := range pricingPrefixes {
			if strings.HasPrefix(model, p.prefix) {
				pricing = p.pricing
				ok = true
				break
			}
		}
	}
	if !ok {
		return 0
	}
	const mtok = 1_000_000
	return pricing.promptPerMTok*float64(promptTokens)/mtok +
		pricing.completionPerMTok*float64(completionTokens)/mtok
}

// UsageFor builds a Usage record with the cost filled in from the pricing table.
func UsageFor(model string, promptTokens, completionTokens int) Usage {
	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             CostFor(model, promptTokens, completionTokens),
	}
}

// Package usage tracks token consumption and estimated cost of assistant turns.
package usage

// Price is the USD cost per one million tokens.
type Price struct {
	InputPerMillion  float64 `json:"input"`
	OutputPerMillion float64 `json:"output"`
}

// Prices maps model ids to their price. Unknown models use Default.
type Prices struct {
	Default Price
	Models  map[string]Price
}

// DefaultPrices returns the built-in price table.
func DefaultPrices() Prices {
	return Prices{
		Default: Price{InputPerMillion: 3, OutputPerMillion: 15},
		Models: map[string]Price{
			"claude-sonnet-4-20250514":   {InputPerMillion: 3, OutputPerMillion: 15},
			"claude-3-5-sonnet-20241022": {InputPerMillion: 3, OutputPerMillion: 15},
			"claude-3-5-haiku-20241022":  {InputPerMillion: 0.8, OutputPerMillion: 4},
			"gpt-4o":                     {InputPerMillion: 2.5, OutputPerMillion: 10},
			"gpt-4o-mini":                {InputPerMillion: 0.15, OutputPerMillion: 0.6},
		},
	}
}

// For returns the price of model, falling back to the default.
func (p Prices) For(model string) Price {
	if pr, ok := p.Models[model]; ok {
		return pr
	}
	return p.Default
}

// Cost returns the estimated USD cost of a call.
func (p Prices) Cost(inputTokens, outputTokens int, model string) float64 {
	pr := p.For(model)
	return float64(inputTokens)/1e6*pr.InputPerMillion + float64(outputTokens)/1e6*pr.OutputPerMillion
}

// Cost prices a call with the built-in table.
func Cost(inputTokens, outputTokens int, model string) float64 {
	return DefaultPrices().Cost(inputTokens, outputTokens, model)
}

// Merge overlays overrides onto p and returns the result. A zero default in
// overrides keeps p's default.
func (p Prices) Merge(overrides Prices) Prices {
	out := Prices{Default: p.Default, Models: make(map[string]Price, len(p.Models)+len(overrides.Models))}
	if overrides.Default != (Price{}) {
		out.Default = overrides.Default
	}
	for k, v := range p.Models {
		out.Models[k] = v
	}
	for k, v := range overrides.Models {
		out.Models[k] = v
	}
	return out
}

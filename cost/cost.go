// Package cost estimates LLM spend per run from token counts and compares
// it against a per-run budget. Rates are conservative approximations;
// operators override them in config when the deployed models differ.
package cost

// Default rates approximate a Pro-tier model.
const (
	DefaultInputPerMillionUSD  = 1.25
	DefaultOutputPerMillionUSD = 10.0
	DefaultMaxPerRunUSD        = 0.5
)

// Pricing holds per-token rates and the per-run budget ceiling.
type Pricing struct {
	InputPerMillionUSD  float64 `yaml:"input_per_million_usd"`
	OutputPerMillionUSD float64 `yaml:"output_per_million_usd"`
	MaxPerRunUSD        float64 `yaml:"max_per_run_usd"`
}

// DefaultPricing returns the default rates.
func DefaultPricing() Pricing {
	return Pricing{
		InputPerMillionUSD:  DefaultInputPerMillionUSD,
		OutputPerMillionUSD: DefaultOutputPerMillionUSD,
		MaxPerRunUSD:        DefaultMaxPerRunUSD,
	}
}

// Merge overlays non-zero fields from other onto p.
func (p Pricing) Merge(other Pricing) Pricing {
	if other.InputPerMillionUSD > 0 {
		p.InputPerMillionUSD = other.InputPerMillionUSD
	}
	if other.OutputPerMillionUSD > 0 {
		p.OutputPerMillionUSD = other.OutputPerMillionUSD
	}
	if other.MaxPerRunUSD > 0 {
		p.MaxPerRunUSD = other.MaxPerRunUSD
	}
	return p
}

// Estimate returns the approximate spend in USD for the given token counts.
func (p Pricing) Estimate(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1_000_000*p.InputPerMillionUSD +
		float64(outputTokens)/1_000_000*p.OutputPerMillionUSD
}

// CheckBudget returns the estimated spend and whether it exceeds the
// per-run ceiling. Spend equal to the ceiling is within budget.
func (p Pricing) CheckBudget(inputTokens, outputTokens int) (float64, bool) {
	estimated := p.Estimate(inputTokens, outputTokens)
	return estimated, estimated > p.MaxPerRunUSD
}

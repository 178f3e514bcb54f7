package pricing_test

import (
	"math"
	"testing"

	"github.com/xraph/folio/generate"
	"github.com/xraph/folio/pricing"
)

func newTestCalculator(opts ...pricing.CalculatorOption) *pricing.Calculator {
	table := pricing.NewTable(
		pricing.ModelPricing{Provider: "openai", Model: "gpt-4o", InputPer1K: 0.005, OutputPer1K: 0.015},
		pricing.ModelPricing{Provider: "internal", Model: "summarizer", FlatRate: 0.04},
	)
	return pricing.NewCalculator(table, opts...)
}

func TestCalculate_PerUnitRates(t *testing.T) {
	c := newTestCalculator()

	cost := c.Calculate("openai", "gpt-4o", generate.Usage{InputUnits: 1000, OutputUnits: 500})

	// 1000/1000*0.005 + 500/1000*0.015 = 0.0125
	if math.Abs(cost.RawUSD-0.0125) > 1e-9 {
		t.Errorf("RawUSD = %v, want 0.0125", cost.RawUSD)
	}
	// ceil(0.0125 * 5 * 100) = ceil(6.25) = 7
	if cost.Credits != 7 {
		t.Errorf("Credits = %d, want 7", cost.Credits)
	}
	if cost.Estimated {
		t.Error("Calculate must not set Estimated")
	}
}

func TestCalculate_FlatRate(t *testing.T) {
	c := newTestCalculator()

	cost := c.Calculate("internal", "summarizer", generate.Usage{})

	if math.Abs(cost.RawUSD-0.04) > 1e-9 {
		t.Errorf("RawUSD = %v, want 0.04", cost.RawUSD)
	}
	// ceil(0.04 * 5 * 100) = 20
	if cost.Credits != 20 {
		t.Errorf("Credits = %d, want 20", cost.Credits)
	}
}

func TestCalculate_AlwaysRoundsUp(t *testing.T) {
	table := pricing.NewTable(
		pricing.ModelPricing{Provider: "p", Model: "m", InputPer1K: 0.001},
	)
	c := pricing.NewCalculator(table, pricing.WithDefaultMarkup(1))

	// 1 input unit: 0.000001 USD * 1 * 100 = 0.0001 credits → 1.
	cost := c.Calculate("p", "m", generate.Usage{InputUnits: 1})
	if cost.Credits != 1 {
		t.Errorf("Credits = %d, want 1 (fractional credits round up)", cost.Credits)
	}
}

func TestCalculate_PerProviderMarkup(t *testing.T) {
	c := newTestCalculator(pricing.WithMarkup("openai", 2))

	cost := c.Calculate("openai", "gpt-4o", generate.Usage{InputUnits: 1000, OutputUnits: 500})

	// ceil(0.0125 * 2 * 100) = ceil(2.5) = 3
	if cost.Credits != 3 {
		t.Errorf("Credits = %d, want 3", cost.Credits)
	}
}

func TestCalculate_UnknownModelChargesZero(t *testing.T) {
	c := newTestCalculator()

	cost := c.Calculate("nobody", "no-model", generate.Usage{InputUnits: 100000, OutputUnits: 100000})

	if cost.Credits != 0 || cost.RawUSD != 0 {
		t.Errorf("unknown model should cost zero, got %+v", cost)
	}
}

func TestEstimate_MatchesCalculate(t *testing.T) {
	c := newTestCalculator()
	usage := generate.Usage{InputUnits: 1000, OutputUnits: 500}

	est := c.Estimate("openai", "gpt-4o", usage)
	calc := c.Calculate("openai", "gpt-4o", usage)

	if !est.Estimated {
		t.Error("Estimate must set Estimated")
	}
	if est.Credits != calc.Credits || est.RawUSD != calc.RawUSD {
		t.Errorf("estimate %+v differs from calculate %+v", est, calc)
	}
}

func TestLookup_CaseInsensitive(t *testing.T) {
	c := newTestCalculator()

	cost := c.Calculate("OpenAI", "GPT-4o", generate.Usage{InputUnits: 1000, OutputUnits: 500})
	if cost.Credits != 7 {
		t.Errorf("Credits = %d, want 7 (provider/model lookup is case-insensitive)", cost.Credits)
	}
}

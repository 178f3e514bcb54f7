// Package pricing converts raw model usage into billable credits. Costs
// are computed in USD from per-1K unit rates (or a flat per-job rate),
// multiplied by a provider markup, and converted to integer credits at
// 100 credits per dollar, always rounding up.
package pricing

import (
	"log/slog"
	"math"
	"strings"

	"github.com/xraph/folio/generate"
)

// CreditsPerUSD is the fixed credit conversion rate: 100 credits = $1.
const CreditsPerUSD = 100

// DefaultMarkup is the markup multiplier applied when no per-provider
// markup is configured.
const DefaultMarkup = 5.0

// ModelPricing describes how one provider/model pair is priced. Either
// the per-1K rates or the flat rate is set, not both.
type ModelPricing struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`

	// InputPer1K and OutputPer1K are USD rates per 1000 usage units.
	InputPer1K  float64 `json:"input_per_1k,omitempty"`
	OutputPer1K float64 `json:"output_per_1k,omitempty"`

	// FlatRate is a fixed USD cost per job, used when per-unit rates do
	// not apply.
	FlatRate float64 `json:"flat_rate,omitempty"`
}

// Flat reports whether this entry is flat-rate priced.
func (m ModelPricing) Flat() bool { return m.FlatRate > 0 }

// Cost is the priced outcome of a calculation.
type Cost struct {
	// RawUSD is the un-marked-up upstream cost in dollars.
	RawUSD float64 `json:"raw_usd"`
	// Credits is the final integer credit charge after markup.
	Credits int64 `json:"credits"`
	// Estimated marks pre-flight estimates used to size provisional
	// holds.
	Estimated bool `json:"estimated"`
}

// Table holds pricing entries keyed by provider/model.
type Table struct {
	entries map[string]ModelPricing
}

// NewTable creates a Table from the given entries.
func NewTable(entries ...ModelPricing) *Table {
	t := &Table{entries: make(map[string]ModelPricing, len(entries))}
	for _, e := range entries {
		t.Register(e)
	}
	return t
}

// Register adds or replaces a pricing entry.
func (t *Table) Register(e ModelPricing) {
	t.entries[tableKey(e.Provider, e.Model)] = e
}

// Lookup returns the entry for provider/model.
func (t *Table) Lookup(provider, model string) (ModelPricing, bool) {
	e, ok := t.entries[tableKey(provider, model)]
	return e, ok
}

func tableKey(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}

// Calculator prices usage against a Table with per-provider markup.
type Calculator struct {
	table         *Table
	markups       map[string]float64
	defaultMarkup float64
	logger        *slog.Logger
}

// CalculatorOption configures a Calculator.
type CalculatorOption func(*Calculator)

// WithMarkup sets the markup multiplier for one provider.
func WithMarkup(provider string, markup float64) CalculatorOption {
	return func(c *Calculator) { c.markups[strings.ToLower(provider)] = markup }
}

// WithDefaultMarkup sets the markup used for providers without a
// specific one.
func WithDefaultMarkup(markup float64) CalculatorOption {
	return func(c *Calculator) { c.defaultMarkup = markup }
}

// WithLogger sets the structured logger for the calculator.
func WithLogger(l *slog.Logger) CalculatorOption {
	return func(c *Calculator) { c.logger = l }
}

// NewCalculator creates a Calculator over the given table.
func NewCalculator(table *Table, opts ...CalculatorOption) *Calculator {
	c := &Calculator{
		table:         table,
		markups:       make(map[string]float64),
		defaultMarkup: DefaultMarkup,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Markup returns the markup multiplier for the provider.
func (c *Calculator) Markup(provider string) float64 {
	if m, ok := c.markups[strings.ToLower(provider)]; ok {
		return m
	}
	return c.defaultMarkup
}

// Calculate prices the given usage for provider/model. Unknown
// provider/model pairs yield a zero Cost and a log line, never an
// error; the operation proceeds unbilled. This is a deliberate,
// documented degradation.
func (c *Calculator) Calculate(provider, model string, usage generate.Usage) Cost {
	return c.price(provider, model, usage, false)
}

// Estimate performs the identical computation flagged as an estimate,
// for sizing pre-flight provisional holds.
func (c *Calculator) Estimate(provider, model string, usage generate.Usage) Cost {
	return c.price(provider, model, usage, true)
}

func (c *Calculator) price(provider, model string, usage generate.Usage, estimated bool) Cost {
	entry, ok := c.table.Lookup(provider, model)
	if !ok {
		c.logger.Warn("no pricing for model, charging zero credits",
			slog.String("provider", provider),
			slog.String("model", model),
		)
		return Cost{Estimated: estimated}
	}

	var raw float64
	if entry.Flat() {
		raw = entry.FlatRate
	} else {
		raw = float64(usage.InputUnits)/1000*entry.InputPer1K +
			float64(usage.OutputUnits)/1000*entry.OutputPer1K
	}

	credits := int64(math.Ceil(raw * c.Markup(provider) * CreditsPerUSD))

	return Cost{RawUSD: raw, Credits: credits, Estimated: estimated}
}

// Package generate defines the external Generator collaborator and the
// typed context passed to it for each chapter unit.
//
// The generator is the network-bound model call at the heart of every
// unit execution. Implementations must be retry-tolerant: calling
// Generate again after a failure must be safe.
package generate

import (
	"context"
	"fmt"
)

// ContextVersion is the current schema version of Context. Bump it when
// fields change meaning so downstream consumers can validate.
const ContextVersion = 1

// Usage reports how many model units a generation consumed. It feeds the
// pricing calculator.
type Usage struct {
	InputUnits  int64 `json:"input_units"`
	OutputUnits int64 `json:"output_units"`
}

// Add returns the sum of two usage reports.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputUnits:  u.InputUnits + other.InputUnits,
		OutputUnits: u.OutputUnits + other.OutputUnits,
	}
}

// Result is the outcome of a successful generation call.
type Result struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Context carries everything the generator needs to produce one chapter
// unit. It is an explicit, versioned struct: every stage that hands a
// Context onward validates it at the boundary instead of passing loose
// maps around.
type Context struct {
	Version   int    `json:"version"`
	JobID     string `json:"job_id"`
	UnitIndex int    `json:"unit_index"`

	// Narrative state supplied by the continuity store.
	BookTitle       string   `json:"book_title,omitempty"`
	Outline         string   `json:"outline,omitempty"`
	PreviousSummary string   `json:"previous_summary,omitempty"`
	Characters      []string `json:"characters,omitempty"`
	Themes          []string `json:"themes,omitempty"`
	OpenQuestions   []string `json:"open_questions,omitempty"`

	// Targets.
	TargetWords int `json:"target_words"`

	// Retry directives, stamped by the retry policy when a unit is
	// re-attempted with an improved context.
	RetryAttempt       int    `json:"retry_attempt,omitempty"`
	RetryGuidance      string `json:"retry_guidance,omitempty"`
	VaryVocabulary     bool   `json:"vary_vocabulary,omitempty"`
	WordCountDirective string `json:"word_count_directive,omitempty"`
	WordCountDelta     int    `json:"word_count_delta,omitempty"`
	FocusCategory      string `json:"focus_category,omitempty"`
}

// NewContext returns a Context for the given unit stamped with the
// current schema version.
func NewContext(jobID string, unitIndex, targetWords int) *Context {
	return &Context{
		Version:     ContextVersion,
		JobID:       jobID,
		UnitIndex:   unitIndex,
		TargetWords: targetWords,
	}
}

// Validate checks the Context invariants at a stage boundary.
func (c *Context) Validate() error {
	if c == nil {
		return fmt.Errorf("generate: nil context")
	}
	if c.Version != ContextVersion {
		return fmt.Errorf("generate: context version %d, want %d", c.Version, ContextVersion)
	}
	if c.UnitIndex < 1 {
		return fmt.Errorf("generate: unit index %d, must be >= 1", c.UnitIndex)
	}
	if c.TargetWords <= 0 {
		return fmt.Errorf("generate: target words %d, must be > 0", c.TargetWords)
	}
	return nil
}

// Clone returns a deep copy of the Context so retry mutation never
// aliases the original.
func (c *Context) Clone() *Context {
	cp := *c
	cp.Characters = append([]string(nil), c.Characters...)
	cp.Themes = append([]string(nil), c.Themes...)
	cp.OpenQuestions = append([]string(nil), c.OpenQuestions...)
	return &cp
}

// Generator is the external content-generation collaborator.
type Generator interface {
	// Generate produces the content for one chapter unit. It must be
	// safe to call again after a failure. Implementations should honor
	// ctx cancellation and deadlines.
	Generate(ctx context.Context, uc *Context) (*Result, error)
}

// Func adapts a plain function to the Generator interface.
type Func func(ctx context.Context, uc *Context) (*Result, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, uc *Context) (*Result, error) {
	return f(ctx, uc)
}

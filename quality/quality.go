// Package quality defines the Quality Gate collaborator that accepts or
// rejects generated content against a score threshold.
package quality

import "context"

// Assessment is the outcome of evaluating one piece of generated content.
type Assessment struct {
	// Overall is the aggregate score on a 0-10 scale.
	Overall float64 `json:"overall"`

	// Categories maps category names (e.g. "prose", "pacing",
	// "consistency") to their individual 0-10 scores.
	Categories map[string]float64 `json:"categories,omitempty"`

	// Passed reports whether the content cleared the gate.
	Passed bool `json:"passed"`

	// CriticalFailures lists blocking problems that fail the gate
	// regardless of score.
	CriticalFailures []string `json:"critical_failures,omitempty"`
}

// LowestCategory returns the name and score of the weakest category.
// Returns ("", 0) when no category scores are present.
func (a *Assessment) LowestCategory() (string, float64) {
	var (
		name  string
		score float64
		first = true
	)
	for cat, s := range a.Categories {
		if first || s < score || (s == score && cat < name) {
			name, score = cat, s
			first = false
		}
	}
	if first {
		return "", 0
	}
	return name, score
}

// Gate is the external quality evaluation collaborator.
type Gate interface {
	// Assess evaluates generated content. A non-nil error means the
	// assessment itself could not run, not that the content failed.
	Assess(ctx context.Context, content string) (*Assessment, error)
}

// GateFunc adapts a plain function to the Gate interface.
type GateFunc func(ctx context.Context, content string) (*Assessment, error)

// Assess calls f.
func (f GateFunc) Assess(ctx context.Context, content string) (*Assessment, error) {
	return f(ctx, content)
}

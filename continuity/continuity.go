// Package continuity defines the Continuity Store collaborator that owns
// long-lived narrative state. It builds the generation context for each
// chapter unit from what earlier units established, and records each
// completed unit's content and analysis for later units to draw on.
//
// The text analysis used here is a best-effort heuristic, deliberately
// kept behind the Analyzer interface so it can be replaced without
// touching the orchestration core.
package continuity

import (
	"context"

	"github.com/xraph/folio/generate"
)

// Analysis is the narrative state extracted from one chapter's content.
type Analysis struct {
	Summary       string   `json:"summary,omitempty"`
	Characters    []string `json:"characters,omitempty"`
	Themes        []string `json:"themes,omitempty"`
	OpenQuestions []string `json:"open_questions,omitempty"`
	WordCount     int      `json:"word_count"`
}

// Store is the Continuity Store collaborator. It owns narrative state;
// the orchestration core accesses it only through this interface.
type Store interface {
	// BuildContext assembles the generation context for the chapter at
	// the given 1-based index, folding in state recorded by earlier
	// units.
	BuildContext(ctx context.Context, index int) (*generate.Context, error)

	// RecordResult stores a completed chapter's content and analysis
	// for use by later units. Passing a nil analysis lets the store run
	// its own analyzer.
	RecordResult(ctx context.Context, index int, content string, analysis *Analysis) error
}

// Analyzer extracts narrative state from chapter content. Implementations
// are replaceable heuristics, not hard contracts.
type Analyzer interface {
	Analyze(content string) *Analysis
}

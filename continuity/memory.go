package continuity

import (
	"context"
	"sync"

	"github.com/xraph/folio/generate"
)

// MemoryStore is an in-memory continuity store for one book. It keeps
// per-chapter analyses and assembles generation contexts from them.
// Safe for concurrent use, though within one job chapter units are
// strictly sequential.
type MemoryStore struct {
	mu       sync.RWMutex
	jobID    string
	title    string
	outline  string
	target   int
	analyzer Analyzer
	chapters map[int]*Analysis
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithAnalyzer replaces the default heuristic analyzer.
func WithAnalyzer(a Analyzer) MemoryOption {
	return func(m *MemoryStore) { m.analyzer = a }
}

// WithOutline sets the book outline included in every context.
func WithOutline(outline string) MemoryOption {
	return func(m *MemoryStore) { m.outline = outline }
}

// NewMemoryStore creates a continuity store for one book job.
func NewMemoryStore(jobID, title string, targetWords int, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		jobID:    jobID,
		title:    title,
		target:   targetWords,
		analyzer: NewHeuristicAnalyzer(),
		chapters: make(map[int]*Analysis),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BuildContext assembles the context for the chapter at index, folding
// in the state recorded by all earlier chapters.
func (m *MemoryStore) BuildContext(_ context.Context, index int) (*generate.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uc := generate.NewContext(m.jobID, index, m.target)
	uc.BookTitle = m.title
	uc.Outline = m.outline

	seenChar := make(map[string]bool)
	seenTheme := make(map[string]bool)

	// Fold earlier chapters in order; the most recent summary wins.
	for i := 1; i < index; i++ {
		a, ok := m.chapters[i]
		if !ok {
			continue
		}
		if a.Summary != "" {
			uc.PreviousSummary = a.Summary
		}
		for _, c := range a.Characters {
			if !seenChar[c] {
				seenChar[c] = true
				uc.Characters = append(uc.Characters, c)
			}
		}
		for _, th := range a.Themes {
			if !seenTheme[th] {
				seenTheme[th] = true
				uc.Themes = append(uc.Themes, th)
			}
		}
		// Questions from the immediately preceding chapter only; older
		// ones are assumed addressed or stale.
		if i == index-1 {
			uc.OpenQuestions = append([]string(nil), a.OpenQuestions...)
		}
	}

	if err := uc.Validate(); err != nil {
		return nil, err
	}
	return uc, nil
}

// RecordResult stores the chapter's analysis. A nil analysis is
// computed with the store's analyzer.
func (m *MemoryStore) RecordResult(_ context.Context, index int, content string, analysis *Analysis) error {
	if analysis == nil {
		analysis = m.analyzer.Analyze(content)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.chapters[index] = analysis
	return nil
}

// Chapter returns the recorded analysis for a chapter, if any.
func (m *MemoryStore) Chapter(index int) (*Analysis, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.chapters[index]
	return a, ok
}

package book

import (
	"github.com/xraph/folio"
	"github.com/xraph/folio/id"
)

// Options configures a new book job.
type Options struct {
	// Provider and Model select the upstream generator pricing entry.
	Provider string
	Model    string

	// UnitCount is how many chapter units the job generates.
	UnitCount int

	// StartIndex is the 1-based index of the first unit. Jobs that
	// continue an existing book start past 1.
	StartIndex int

	// TargetWords is the word target per chapter unit.
	TargetWords int
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		UnitCount:   10,
		StartIndex:  1,
		TargetWords: 3000,
	}
}

// Option is a functional option for configuring a job.
type Option func(*Options)

// WithProvider sets the generator provider and model.
func WithProvider(provider, model string) Option {
	return func(o *Options) {
		o.Provider = provider
		o.Model = model
	}
}

// WithUnitCount sets how many chapter units to generate.
func WithUnitCount(n int) Option {
	return func(o *Options) { o.UnitCount = n }
}

// WithStartIndex sets the 1-based index of the first unit.
func WithStartIndex(n int) Option {
	return func(o *Options) { o.StartIndex = n }
}

// WithTargetWords sets the per-unit word target.
func WithTargetWords(n int) Option {
	return func(o *Options) { o.TargetWords = n }
}

// NewJob creates a job in not_started state for the given user.
func NewJob(userID, title string, opts ...Option) *Job {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Job{
		Entity:      folio.NewEntity(),
		ID:          id.NewJobID(),
		UserID:      userID,
		Title:       title,
		State:       StateNotStarted,
		Provider:    o.Provider,
		Model:       o.Model,
		StartIndex:  o.StartIndex,
		UnitCount:   o.UnitCount,
		TargetWords: o.TargetWords,
		NextIndex:   o.StartIndex,
		Progress:    Progress{UnitsTotal: o.UnitCount},
	}
}

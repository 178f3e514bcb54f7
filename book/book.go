// Package book defines the job and chapter unit models for book
// generation, their lifecycle states, and the persistence contract.
package book

import (
	"time"

	"github.com/xraph/folio"
	"github.com/xraph/folio/id"
	"github.com/xraph/folio/retry"
)

// State is the lifecycle state of a book job.
type State string

const (
	// StateNotStarted means the job exists but Start has not been called.
	StateNotStarted State = "not_started"
	// StateInitializing means the unit queue is being built.
	StateInitializing State = "initializing"
	// StateGenerating means chapter units are being produced.
	StateGenerating State = "generating"
	// StateQualityChecking means the current unit is under assessment.
	StateQualityChecking State = "quality_checking"
	// StateRetrying means the current unit failed and a retry is pending.
	StateRetrying State = "retrying"
	// StatePaused means generation stopped at a unit boundary and can
	// resume from the next unprocessed unit.
	StatePaused State = "paused"
	// StateCompleted means every unit finished. Terminal.
	StateCompleted State = "completed"
	// StateFailed means the job stopped on an unrecoverable error. Terminal.
	StateFailed State = "failed"
	// StateCancelled means the job was cancelled. Terminal.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state ends the job. Paused is not
// terminal: it is resumable.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// UnitState is the lifecycle state of one chapter unit.
type UnitState string

const (
	// UnitPending means the unit has not been attempted.
	UnitPending UnitState = "pending"
	// UnitGenerating means the unit is in flight.
	UnitGenerating UnitState = "generating"
	// UnitCompleted means the unit passed and its artifact is recorded.
	UnitCompleted UnitState = "completed"
	// UnitFailed means the unit exhausted its retries.
	UnitFailed UnitState = "failed"
)

// ChapterUnit is the atomic, sequentially ordered piece of work within
// a book job. Indexes are unique within a job and processed strictly
// ascending.
type ChapterUnit struct {
	folio.Entity

	ID    id.UnitID `json:"id"`
	JobID id.JobID  `json:"job_id"`

	// Index is the 1-based position of this unit in the book.
	Index int       `json:"index"`
	State UnitState `json:"state"`

	// QualityScore is recorded only for units that reached completed.
	QualityScore *float64 `json:"quality_score,omitempty"`
	WordCount    int      `json:"word_count,omitempty"`
	FailReason   string   `json:"fail_reason,omitempty"`

	// Attempts is the unit's retry history.
	Attempts []retry.Attempt `json:"attempts,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Progress accumulates job-level counters as units complete.
type Progress struct {
	UnitsTotal     int     `json:"units_total"`
	UnitsCompleted int     `json:"units_completed"`
	UnitsFailed    int     `json:"units_failed"`
	WordsWritten   int     `json:"words_written"`
	AvgQuality     float64 `json:"avg_quality"`
}

// Job is one book-generation job: an ordered list of chapter units plus
// the job-level state machine fields.
type Job struct {
	folio.Entity

	ID     id.JobID `json:"id"`
	UserID string   `json:"user_id"`
	Title  string   `json:"title"`

	State    State    `json:"state"`
	Units    []*ChapterUnit `json:"units,omitempty"`
	Progress Progress `json:"progress"`

	// NextIndex is the first unprocessed unit; a resumed run continues
	// here.
	NextIndex int `json:"next_index"`

	// Error is the terminal failure message for failed jobs.
	Error string `json:"error,omitempty"`

	// Generation parameters.
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	StartIndex  int    `json:"start_index"`
	UnitCount   int    `json:"unit_count"`
	TargetWords int    `json:"target_words"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Unit returns the chapter unit at the given index, or nil.
func (j *Job) Unit(index int) *ChapterUnit {
	for _, u := range j.Units {
		if u.Index == index {
			return u
		}
	}
	return nil
}

// Clone returns a deep copy of the unit.
func (u *ChapterUnit) Clone() *ChapterUnit {
	cp := *u
	if u.QualityScore != nil {
		v := *u.QualityScore
		cp.QualityScore = &v
	}
	if u.StartedAt != nil {
		v := *u.StartedAt
		cp.StartedAt = &v
	}
	if u.CompletedAt != nil {
		v := *u.CompletedAt
		cp.CompletedAt = &v
	}
	cp.Attempts = append([]retry.Attempt(nil), u.Attempts...)
	return &cp
}

// Clone returns a deep copy of the job, units included.
func (j *Job) Clone() *Job {
	cp := *j
	if j.StartedAt != nil {
		v := *j.StartedAt
		cp.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		cp.CompletedAt = &v
	}
	if j.Units != nil {
		cp.Units = make([]*ChapterUnit, len(j.Units))
		for i, u := range j.Units {
			cp.Units[i] = u.Clone()
		}
	}
	return &cp
}

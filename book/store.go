package book

import (
	"context"

	"github.com/xraph/folio/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// UserID filters by owner. Empty means all users.
	UserID string
}

// Store defines the persistence contract for book jobs and their units.
type Store interface {
	// CreateJob persists a new job. Returns folio.ErrJobAlreadyExists
	// when the ID is taken.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job and its units by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job (not its units).
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job and its units.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ListJobsByState returns jobs in the given state. An empty state
	// matches all jobs.
	ListJobsByState(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// UpsertUnit inserts or updates one chapter unit.
	UpsertUnit(ctx context.Context, u *ChapterUnit) error

	// ListUnits returns a job's units in ascending index order.
	ListUnits(ctx context.Context, jobID id.JobID) ([]*ChapterUnit, error)

	// CountJobs returns the number of jobs in the given state. An empty
	// state counts all jobs.
	CountJobs(ctx context.Context, state State) (int64, error)
}

// Package hook defines the lifecycle hook system for folio. Hooks are
// notified of lifecycle events (unit completed, job failed, hold
// settled, etc.) and can react to them: audit logging, metrics,
// notifications.
//
// Each lifecycle event is a separate interface so hooks opt in only to
// the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/xraph/folio/book"
	"github.com/xraph/folio/ledger"
	"github.com/xraph/folio/retry"
)

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// ──────────────────────────────────────────────────
// Unit lifecycle
// ──────────────────────────────────────────────────

// UnitStarted is called when a chapter unit begins generating.
type UnitStarted interface {
	OnUnitStarted(ctx context.Context, j *book.Job, u *book.ChapterUnit) error
}

// UnitCompleted is called after a chapter unit completes successfully.
type UnitCompleted interface {
	OnUnitCompleted(ctx context.Context, j *book.Job, u *book.ChapterUnit, elapsed time.Duration) error
}

// UnitRetrying is called when a unit attempt fails but will be retried.
type UnitRetrying interface {
	OnUnitRetrying(ctx context.Context, j *book.Job, u *book.ChapterUnit, attempt retry.Attempt) error
}

// UnitFailed is called when a unit fails terminally (retries exhausted
// or non-retryable kind).
type UnitFailed interface {
	OnUnitFailed(ctx context.Context, j *book.Job, u *book.ChapterUnit, kind retry.FailureKind) error
}

// ──────────────────────────────────────────────────
// Job lifecycle
// ──────────────────────────────────────────────────

// JobStarted is called when a job transitions to generating.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *book.Job) error
}

// JobCompleted is called when a job reaches completed.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *book.Job, elapsed time.Duration) error
}

// JobFailed is called when a job reaches failed.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *book.Job, err error) error
}

// JobCancelled is called when a job reaches cancelled.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *book.Job) error
}

// JobPaused is called when a job pauses at a unit boundary.
type JobPaused interface {
	OnJobPaused(ctx context.Context, j *book.Job) error
}

// ──────────────────────────────────────────────────
// Ledger settlement
// ──────────────────────────────────────────────────

// HoldFinalized is called after a job's provisional hold is finalized.
type HoldFinalized interface {
	OnHoldFinalized(ctx context.Context, txn *ledger.Transaction) error
}

// HoldVoided is called after a job's provisional hold is voided.
type HoldVoided interface {
	OnHoldVoided(ctx context.Context, txn *ledger.Transaction) error
}

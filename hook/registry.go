package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/folio/book"
	"github.com/xraph/folio/ledger"
	"github.com/xraph/folio/retry"
)

// Named entry types pair a hook implementation with the hook name
// captured at registration time. This avoids type-asserting back to
// Hook inside the emit methods.
type unitStartedEntry struct {
	name string
	hook UnitStarted
}

type unitCompletedEntry struct {
	name string
	hook UnitCompleted
}

type unitRetryingEntry struct {
	name string
	hook UnitRetrying
}

type unitFailedEntry struct {
	name string
	hook UnitFailed
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobCompletedEntry struct {
	name string
	hook JobCompleted
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobCancelledEntry struct {
	name string
	hook JobCancelled
}

type jobPausedEntry struct {
	name string
	hook JobPaused
}

type holdFinalizedEntry struct {
	name string
	hook HoldFinalized
}

type holdVoidedEntry struct {
	name string
	hook HoldVoided
}

// Registry holds registered hooks and dispatches lifecycle events to
// them. It type-caches hooks at registration time so emit calls iterate
// only over hooks that implement the relevant event. Hook errors are
// logged, never propagated: observers must not break orchestration.
type Registry struct {
	hooks  []Hook
	logger *slog.Logger

	unitStarted   []unitStartedEntry
	unitCompleted []unitCompletedEntry
	unitRetrying  []unitRetryingEntry
	unitFailed    []unitFailedEntry
	jobStarted    []jobStartedEntry
	jobCompleted  []jobCompletedEntry
	jobFailed     []jobFailedEntry
	jobCancelled  []jobCancelledEntry
	jobPaused     []jobPausedEntry
	holdFinalized []holdFinalizedEntry
	holdVoided    []holdVoidedEntry
}

// NewRegistry creates a hook registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a hook and type-asserts it into all applicable event
// caches. Hooks are notified in registration order.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
	name := h.Name()

	if e, ok := h.(UnitStarted); ok {
		r.unitStarted = append(r.unitStarted, unitStartedEntry{name, e})
	}
	if e, ok := h.(UnitCompleted); ok {
		r.unitCompleted = append(r.unitCompleted, unitCompletedEntry{name, e})
	}
	if e, ok := h.(UnitRetrying); ok {
		r.unitRetrying = append(r.unitRetrying, unitRetryingEntry{name, e})
	}
	if e, ok := h.(UnitFailed); ok {
		r.unitFailed = append(r.unitFailed, unitFailedEntry{name, e})
	}
	if e, ok := h.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, e})
	}
	if e, ok := h.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, jobCompletedEntry{name, e})
	}
	if e, ok := h.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, e})
	}
	if e, ok := h.(JobCancelled); ok {
		r.jobCancelled = append(r.jobCancelled, jobCancelledEntry{name, e})
	}
	if e, ok := h.(JobPaused); ok {
		r.jobPaused = append(r.jobPaused, jobPausedEntry{name, e})
	}
	if e, ok := h.(HoldFinalized); ok {
		r.holdFinalized = append(r.holdFinalized, holdFinalizedEntry{name, e})
	}
	if e, ok := h.(HoldVoided); ok {
		r.holdVoided = append(r.holdVoided, holdVoidedEntry{name, e})
	}
}

// Len returns the number of registered hooks.
func (r *Registry) Len() int { return len(r.hooks) }

func (r *Registry) hookError(name, event string, err error) {
	r.logger.Warn("hook error",
		slog.String("hook", name),
		slog.String("event", event),
		slog.String("error", err.Error()),
	)
}

// EmitUnitStarted notifies UnitStarted hooks.
func (r *Registry) EmitUnitStarted(ctx context.Context, j *book.Job, u *book.ChapterUnit) {
	for _, e := range r.unitStarted {
		if err := e.hook.OnUnitStarted(ctx, j, u); err != nil {
			r.hookError(e.name, "unit_started", err)
		}
	}
}

// EmitUnitCompleted notifies UnitCompleted hooks.
func (r *Registry) EmitUnitCompleted(ctx context.Context, j *book.Job, u *book.ChapterUnit, elapsed time.Duration) {
	for _, e := range r.unitCompleted {
		if err := e.hook.OnUnitCompleted(ctx, j, u, elapsed); err != nil {
			r.hookError(e.name, "unit_completed", err)
		}
	}
}

// EmitUnitRetrying notifies UnitRetrying hooks.
func (r *Registry) EmitUnitRetrying(ctx context.Context, j *book.Job, u *book.ChapterUnit, attempt retry.Attempt) {
	for _, e := range r.unitRetrying {
		if err := e.hook.OnUnitRetrying(ctx, j, u, attempt); err != nil {
			r.hookError(e.name, "unit_retrying", err)
		}
	}
}

// EmitUnitFailed notifies UnitFailed hooks.
func (r *Registry) EmitUnitFailed(ctx context.Context, j *book.Job, u *book.ChapterUnit, kind retry.FailureKind) {
	for _, e := range r.unitFailed {
		if err := e.hook.OnUnitFailed(ctx, j, u, kind); err != nil {
			r.hookError(e.name, "unit_failed", err)
		}
	}
}

// EmitJobStarted notifies JobStarted hooks.
func (r *Registry) EmitJobStarted(ctx context.Context, j *book.Job) {
	for _, e := range r.jobStarted {
		if err := e.hook.OnJobStarted(ctx, j); err != nil {
			r.hookError(e.name, "job_started", err)
		}
	}
}

// EmitJobCompleted notifies JobCompleted hooks.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *book.Job, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		if err := e.hook.OnJobCompleted(ctx, j, elapsed); err != nil {
			r.hookError(e.name, "job_completed", err)
		}
	}
}

// EmitJobFailed notifies JobFailed hooks.
func (r *Registry) EmitJobFailed(ctx context.Context, j *book.Job, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.hookError(e.name, "job_failed", err)
		}
	}
}

// EmitJobCancelled notifies JobCancelled hooks.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *book.Job) {
	for _, e := range r.jobCancelled {
		if err := e.hook.OnJobCancelled(ctx, j); err != nil {
			r.hookError(e.name, "job_cancelled", err)
		}
	}
}

// EmitJobPaused notifies JobPaused hooks.
func (r *Registry) EmitJobPaused(ctx context.Context, j *book.Job) {
	for _, e := range r.jobPaused {
		if err := e.hook.OnJobPaused(ctx, j); err != nil {
			r.hookError(e.name, "job_paused", err)
		}
	}
}

// EmitHoldFinalized notifies HoldFinalized hooks.
func (r *Registry) EmitHoldFinalized(ctx context.Context, txn *ledger.Transaction) {
	for _, e := range r.holdFinalized {
		if err := e.hook.OnHoldFinalized(ctx, txn); err != nil {
			r.hookError(e.name, "hold_finalized", err)
		}
	}
}

// EmitHoldVoided notifies HoldVoided hooks.
func (r *Registry) EmitHoldVoided(ctx context.Context, txn *ledger.Transaction) {
	for _, e := range r.holdVoided {
		if err := e.hook.OnHoldVoided(ctx, txn); err != nil {
			r.hookError(e.name, "hold_voided", err)
		}
	}
}

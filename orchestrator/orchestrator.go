// Package orchestrator drives one book job through its state machine:
// it builds the unit queue, executes units strictly in order, applies
// the retry policy between attempts, and honors pause and cancel
// requests at unit boundaries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/folio"
	"github.com/xraph/folio/book"
	"github.com/xraph/folio/continuity"
	"github.com/xraph/folio/generate"
	"github.com/xraph/folio/hook"
	"github.com/xraph/folio/id"
	"github.com/xraph/folio/retry"
)

// transitions is the legal state graph for a book job. Any transition
// not listed here is rejected.
var transitions = map[book.State][]book.State{
	book.StateNotStarted:      {book.StateInitializing, book.StateCancelled},
	book.StateInitializing:    {book.StateGenerating, book.StateFailed, book.StateCancelled},
	book.StateGenerating:      {book.StateQualityChecking, book.StateRetrying, book.StatePaused, book.StateCompleted, book.StateFailed, book.StateCancelled},
	book.StateQualityChecking: {book.StateGenerating, book.StateRetrying, book.StatePaused, book.StateCompleted, book.StateFailed, book.StateCancelled},
	book.StateRetrying:        {book.StateGenerating, book.StatePaused, book.StateFailed, book.StateCancelled},
	book.StatePaused:          {book.StateGenerating, book.StateCancelled},
}

// CanTransition reports whether moving from one job state to another is
// legal.
func CanTransition(from, to book.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Orchestrator runs a single book job. It is not reusable across jobs;
// create one per job. Run may be called again on a paused job to resume
// it from the next unprocessed unit.
type Orchestrator struct {
	job        *book.Job
	store      book.Store
	executor   *Executor
	policy     *retry.Policy
	continuity continuity.Store
	hooks      *hook.Registry
	logger     *slog.Logger

	unitTimeout time.Duration

	// usage accumulates generator consumption across all attempts so
	// settlement can bill actual work.
	usage generate.Usage

	pauseRequested  atomic.Bool
	cancelRequested atomic.Bool

	// mu guards job mutation and persistence. Run holds it for state
	// changes; Pause, Resume and Cancel take it to inspect state.
	mu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHooks sets the lifecycle hook registry.
func WithHooks(r *hook.Registry) Option {
	return func(o *Orchestrator) { o.hooks = r }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithUnitTimeout bounds each unit attempt. Zero disables the bound.
func WithUnitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.unitTimeout = d }
}

// New creates an orchestrator for the given job.
func New(j *book.Job, store book.Store, exec *Executor, policy *retry.Policy, cont continuity.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		job:        j,
		store:      store,
		executor:   exec,
		policy:     policy,
		continuity: cont,
		hooks:      hook.NewRegistry(nil),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Job returns a deep copy of the job this orchestrator drives. The
// copy is safe to read while the run goroutine mutates the original.
func (o *Orchestrator) Job() *book.Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.job.Clone()
}

// Usage returns total generator consumption so far, including failed
// attempts.
func (o *Orchestrator) Usage() generate.Usage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.usage
}

// ObservePhase mirrors an executor phase onto the in-memory job state
// so status reads during a unit distinguish generating from
// quality_checking. The change is not persisted; the next persisted
// transition overwrites it. Wire it via orchestrator.WithPhaseFunc on
// the executor.
func (o *Orchestrator) ObservePhase(phase string) {
	var to book.State
	switch phase {
	case PhaseGenerating:
		to = book.StateGenerating
	case PhaseQualityChecking:
		to = book.StateQualityChecking
	default:
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.job.State != to && CanTransition(o.job.State, to) {
		o.job.State = to
	}
}

// Pause requests a pause at the next unit boundary. The unit in flight
// finishes first. Legal only while the job is actively generating.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.job.State {
	case book.StateGenerating, book.StateQualityChecking, book.StateRetrying:
		o.pauseRequested.Store(true)
		return nil
	default:
		return fmt.Errorf("pause from %s: %w", o.job.State, folio.ErrInvalidState)
	}
}

// Resume clears a pause so a subsequent Run continues from the next
// unprocessed unit. Legal only for paused jobs.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.job.State != book.StatePaused {
		return fmt.Errorf("resume from %s: %w", o.job.State, folio.ErrInvalidState)
	}
	o.pauseRequested.Store(false)
	return nil
}

// Cancel requests cancellation. A running job stops at the next unit
// boundary; a queued job that has not started yet is cancelled before
// its first unit; a paused job is finalized immediately since no Run
// loop is active to observe the flag. Cancelling a job that already
// reached a terminal state is a no-op: the race with a finishing run
// is settled idempotently at the ledger.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.job.State {
	case book.StateNotStarted, book.StateInitializing,
		book.StateGenerating, book.StateQualityChecking, book.StateRetrying:
		o.cancelRequested.Store(true)
		return nil
	case book.StatePaused:
		return o.finalizeCancelledLocked(ctx)
	default:
		return nil
	}
}

// Run drives the job until it reaches a terminal state or pauses. It
// returns the job in its final state; the error is non-nil only for
// infrastructure failures (persistence, illegal start state), not for
// jobs that end in failed or cancelled.
func (o *Orchestrator) Run(ctx context.Context) (*book.Job, error) {
	o.mu.Lock()
	// A cancel that arrived while the job was queued lands here, before
	// any unit work or queue building.
	if (ctx.Err() != nil || o.cancelRequested.Load()) && !o.job.State.Terminal() {
		err := o.finalizeCancelledLocked(context.WithoutCancel(ctx))
		o.mu.Unlock()
		return o.job, err
	}
	switch o.job.State {
	case book.StateNotStarted:
		if err := o.initializeLocked(ctx); err != nil {
			o.mu.Unlock()
			return o.job, err
		}
	case book.StatePaused:
		if err := o.transitionLocked(ctx, book.StateGenerating); err != nil {
			o.mu.Unlock()
			return o.job, err
		}
	default:
		o.mu.Unlock()
		return o.job, fmt.Errorf("run from %s: %w", o.job.State, folio.ErrJobAlreadyStarted)
	}
	o.mu.Unlock()

	o.hooks.EmitJobStarted(ctx, o.job)
	start := time.Now()

	end := o.job.StartIndex + o.job.UnitCount
	for o.job.NextIndex < end {
		if ctx.Err() != nil || o.cancelRequested.Load() {
			o.mu.Lock()
			err := o.finalizeCancelledLocked(context.WithoutCancel(ctx))
			o.mu.Unlock()
			return o.job, err
		}
		if o.pauseRequested.Load() {
			o.mu.Lock()
			err := o.transitionLocked(ctx, book.StatePaused)
			o.mu.Unlock()
			if err != nil {
				return o.job, err
			}
			o.hooks.EmitJobPaused(ctx, o.job)
			return o.job, nil
		}

		u := o.job.Unit(o.job.NextIndex)
		if u == nil {
			o.mu.Lock()
			err := o.finalizeFailedLocked(ctx, fmt.Errorf("unit %d missing from queue", o.job.NextIndex))
			o.mu.Unlock()
			return o.job, err
		}

		out, runErr := o.runUnit(ctx, u)
		if runErr != nil {
			if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
				o.mu.Lock()
				err := o.finalizeCancelledLocked(context.WithoutCancel(ctx))
				o.mu.Unlock()
				return o.job, err
			}
			o.mu.Lock()
			err := o.finalizeFailedLocked(ctx, runErr)
			o.mu.Unlock()
			return o.job, err
		}

		if !out.Completed {
			// Sequential ordering: a failed unit fails the job, later
			// units are never attempted.
			o.hooks.EmitUnitFailed(ctx, o.job, u, out.Kind)
			o.mu.Lock()
			err := o.finalizeFailedLocked(ctx, fmt.Errorf("unit %d failed (%s): %w", u.Index, out.Kind, out.Err))
			o.mu.Unlock()
			o.hooks.EmitJobFailed(ctx, o.job, out.Err)
			return o.job, err
		}

		o.mu.Lock()
		o.advanceLocked(u, out)
		if err := o.persistUnitLocked(ctx, u); err != nil {
			o.mu.Unlock()
			return o.job, err
		}
		o.mu.Unlock()

		o.hooks.EmitUnitCompleted(ctx, o.job, u, time.Since(start))
	}

	o.mu.Lock()
	now := time.Now().UTC()
	o.job.CompletedAt = &now
	err := o.transitionLocked(ctx, book.StateCompleted)
	o.mu.Unlock()
	if err != nil {
		return o.job, err
	}

	o.hooks.EmitJobCompleted(ctx, o.job, time.Since(start))
	o.logger.Info("job completed",
		slog.String("job_id", o.job.ID.String()),
		slog.Int("units", o.job.Progress.UnitsCompleted),
		slog.Int("words", o.job.Progress.WordsWritten),
	)
	return o.job, nil
}

// initializeLocked builds the unit queue and moves the job to
// generating. Units already present (a re-submitted job) are kept.
func (o *Orchestrator) initializeLocked(ctx context.Context) error {
	if err := o.transitionLocked(ctx, book.StateInitializing); err != nil {
		return err
	}

	for i := o.job.StartIndex; i < o.job.StartIndex+o.job.UnitCount; i++ {
		if o.job.Unit(i) != nil {
			continue
		}
		u := &book.ChapterUnit{
			Entity: folio.NewEntity(),
			ID:     id.NewUnitID(),
			JobID:  o.job.ID,
			Index:  i,
			State:  book.UnitPending,
		}
		o.job.Units = append(o.job.Units, u)
		if err := o.store.UpsertUnit(ctx, u); err != nil {
			return fmt.Errorf("persist unit %d: %w", i, err)
		}
	}

	now := time.Now().UTC()
	o.job.StartedAt = &now
	o.job.NextIndex = o.job.StartIndex
	return o.transitionLocked(ctx, book.StateGenerating)
}

// runUnit executes one unit through the retry loop. The returned error
// is non-nil only when the loop was interrupted by context
// cancellation; unit-level failure is reported through the Outcome.
func (o *Orchestrator) runUnit(ctx context.Context, u *book.ChapterUnit) (*Outcome, error) {
	o.mu.Lock()
	now := time.Now().UTC()
	u.State = book.UnitGenerating
	u.StartedAt = &now
	u.Touch()
	if err := o.persistUnitLocked(ctx, u); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.mu.Unlock()

	o.hooks.EmitUnitStarted(ctx, o.job, u)

	var lastOut *Outcome

	for attempt := 1; ; attempt++ {
		uc, err := o.buildContext(ctx, u)
		if err != nil {
			return &Outcome{Kind: retry.KindCritical, Err: err}, nil
		}

		// A retry under context improvement regenerates with directives
		// derived from the previous failure.
		if attempt > 1 && lastOut != nil {
			strategy := o.policy.SelectStrategy(lastOut.Kind, attempt)
			if strategy == retry.StrategyContextImprovement {
				o.policy.ImproveContext(lastOut.Kind, uc, lastOut.Assessment, lastOut.WordCount, attempt)
			}
		}

		out := o.executeAttempt(ctx, u, uc)

		o.mu.Lock()
		o.usage = o.usage.Add(out.Usage)
		o.mu.Unlock()

		if out.Completed {
			if attempt > 1 && lastOut != nil {
				o.recordAttempt(u, retry.Attempt{
					Number:    attempt,
					Kind:      lastOut.Kind,
					Succeeded: true,
				})
			}
			return out, nil
		}

		if ctx.Err() != nil || o.cancelRequested.Load() {
			return nil, context.Canceled
		}

		ok, strategy, delay := o.policy.Next(out.Kind, attempt)
		o.recordAttempt(u, retry.Attempt{
			Number:          attempt,
			Kind:            out.Kind,
			Strategy:        strategy,
			Delay:           delay,
			ContextImproved: strategy == retry.StrategyContextImprovement,
		})
		if !ok {
			return out, nil
		}

		o.logger.Warn("unit attempt failed, retrying",
			slog.String("job_id", o.job.ID.String()),
			slog.Int("unit_index", u.Index),
			slog.Int("attempt", attempt),
			slog.String("kind", string(out.Kind)),
			slog.String("strategy", string(strategy)),
			slog.Duration("delay", delay),
		)

		o.mu.Lock()
		if err := o.transitionLocked(ctx, book.StateRetrying); err != nil {
			o.mu.Unlock()
			return nil, err
		}
		o.mu.Unlock()

		o.hooks.EmitUnitRetrying(ctx, o.job, u, retry.Attempt{
			Number:   attempt,
			Kind:     out.Kind,
			Strategy: strategy,
			Delay:    delay,
		})

		if err := wait(ctx, delay); err != nil {
			return nil, err
		}

		o.mu.Lock()
		if err := o.transitionLocked(ctx, book.StateGenerating); err != nil {
			o.mu.Unlock()
			return nil, err
		}
		o.mu.Unlock()

		lastOut = out
	}
}

// executeAttempt runs a single executor attempt with the per-unit
// timeout, mirroring executor phases onto the job state.
func (o *Orchestrator) executeAttempt(ctx context.Context, u *book.ChapterUnit, uc *generate.Context) *Outcome {
	attemptCtx := ctx
	if o.unitTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, o.unitTimeout)
		defer cancel()
	}
	return o.executor.Execute(attemptCtx, u, uc)
}

// buildContext asks the continuity store for the unit's generation
// context and stamps job-level fields.
func (o *Orchestrator) buildContext(ctx context.Context, u *book.ChapterUnit) (*generate.Context, error) {
	uc, err := o.continuity.BuildContext(ctx, u.Index)
	if err != nil {
		return nil, fmt.Errorf("build context for unit %d: %w", u.Index, err)
	}
	uc.JobID = o.job.ID.String()
	if uc.BookTitle == "" {
		uc.BookTitle = o.job.Title
	}
	if uc.TargetWords == 0 {
		uc.TargetWords = o.job.TargetWords
	}
	return uc, nil
}

// advanceLocked applies a completed outcome to the unit and job.
func (o *Orchestrator) advanceLocked(u *book.ChapterUnit, out *Outcome) {
	now := time.Now().UTC()
	u.State = book.UnitCompleted
	u.CompletedAt = &now
	u.WordCount = out.WordCount
	u.QualityScore = out.Score
	u.Touch()

	o.job.NextIndex = u.Index + 1
	o.job.Progress.UnitsCompleted++
	o.job.Progress.WordsWritten += out.WordCount
	o.job.Progress.AvgQuality = avgQuality(o.job.Units)
	o.job.Touch()
}

// avgQuality averages quality scores across completed, scored units.
func avgQuality(units []*book.ChapterUnit) float64 {
	var sum float64
	var n int
	for _, u := range units {
		if u.State == book.UnitCompleted && u.QualityScore != nil {
			sum += *u.QualityScore
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (o *Orchestrator) recordAttempt(u *book.ChapterUnit, a retry.Attempt) {
	o.mu.Lock()
	u.Attempts = append(u.Attempts, a)
	o.mu.Unlock()
}

// persistUnitLocked writes the unit and the job's progress fields.
func (o *Orchestrator) persistUnitLocked(ctx context.Context, u *book.ChapterUnit) error {
	if err := o.store.UpsertUnit(ctx, u); err != nil {
		return fmt.Errorf("persist unit %d: %w", u.Index, err)
	}
	if err := o.store.UpdateJob(ctx, o.job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	return nil
}

// transitionLocked moves the job to a new state after validating the
// edge, and persists it.
func (o *Orchestrator) transitionLocked(ctx context.Context, to book.State) error {
	from := o.job.State
	if !CanTransition(from, to) {
		return fmt.Errorf("transition %s -> %s: %w", from, to, folio.ErrInvalidState)
	}
	o.job.State = to
	o.job.Touch()
	if err := o.store.UpdateJob(ctx, o.job); err != nil {
		o.job.State = from
		return fmt.Errorf("persist transition to %s: %w", to, err)
	}
	return nil
}

func (o *Orchestrator) finalizeFailedLocked(ctx context.Context, cause error) error {
	// Mark the current unit failed if it was in flight.
	if u := o.job.Unit(o.job.NextIndex); u != nil && u.State == book.UnitGenerating {
		u.State = book.UnitFailed
		u.FailReason = cause.Error()
		u.Touch()
		o.job.Progress.UnitsFailed++
		if err := o.store.UpsertUnit(ctx, u); err != nil {
			o.logger.Warn("persist failed unit", slog.String("error", err.Error()))
		}
	}
	now := time.Now().UTC()
	o.job.Error = cause.Error()
	o.job.CompletedAt = &now
	return o.transitionLocked(ctx, book.StateFailed)
}

func (o *Orchestrator) finalizeCancelledLocked(ctx context.Context) error {
	now := time.Now().UTC()
	o.job.CompletedAt = &now
	if err := o.transitionLocked(ctx, book.StateCancelled); err != nil {
		return err
	}
	o.hooks.EmitJobCancelled(ctx, o.job)
	return nil
}

// wait sleeps for d or until the context ends.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package processor runs book jobs concurrently and owns the billing
// settlement around each run: every submitted job carries a provisional
// credit hold that is finalized exactly once on success and voided
// exactly once on failure or cancellation.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/folio"
	"github.com/xraph/folio/book"
	"github.com/xraph/folio/hook"
	"github.com/xraph/folio/id"
	"github.com/xraph/folio/ledger"
	"github.com/xraph/folio/orchestrator"
	"github.com/xraph/folio/pricing"
)

// DefaultMaxConcurrent bounds simultaneous job runs when no limit is
// configured.
const DefaultMaxConcurrent = 4

// Submission describes one job run and the hold backing it.
type Submission struct {
	Orchestrator *orchestrator.Orchestrator

	// HoldTxnID is the pending provisional debit placed before submit.
	HoldTxnID id.TxnID

	// EstimateCredits is the held amount, used as the settlement
	// fallback when usage cannot be priced.
	EstimateCredits int64
}

// handle tracks one submitted job for the lifetime of its run plus the
// retention window.
type handle struct {
	orch            *orchestrator.Orchestrator
	userID          string
	holdTxnID       id.TxnID
	estimateCredits int64

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	finishedAt time.Time
	final      *book.Job
	runErr     error
}

func (h *handle) doneCh() chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

func (h *handle) interrupt() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	cancel()
}

// Processor is the concurrent job runner. Each submitted job runs on
// its own goroutine, bounded by a concurrency semaphore.
type Processor struct {
	ledger  *ledger.Service
	pricing *pricing.Calculator
	hooks   *hook.Registry
	logger  *slog.Logger

	sem chan struct{}

	mu     sync.Mutex
	jobs   map[string]*handle
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Processor.
type Option func(*Processor)

// WithMaxConcurrent bounds how many jobs run at once.
func WithMaxConcurrent(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.sem = make(chan struct{}, n)
		}
	}
}

// WithHooks sets the lifecycle hook registry used for settlement events.
func WithHooks(r *hook.Registry) Option {
	return func(p *Processor) { p.hooks = r }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// New creates a Processor that settles holds through svc and prices
// actual usage through calc.
func New(svc *ledger.Service, calc *pricing.Calculator, opts ...Option) *Processor {
	p := &Processor{
		ledger:  svc,
		pricing: calc,
		hooks:   hook.NewRegistry(nil),
		logger:  slog.Default(),
		sem:     make(chan struct{}, DefaultMaxConcurrent),
		jobs:    make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit starts the job run on its own goroutine. The job must already
// have its provisional hold placed; the processor settles it when the
// run ends.
func (p *Processor) Submit(ctx context.Context, sub Submission) error {
	j := sub.Orchestrator.Job()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return folio.ErrStoreClosed
	}
	if _, exists := p.jobs[j.ID.String()]; exists {
		p.mu.Unlock()
		return fmt.Errorf("job %s: %w", j.ID, folio.ErrJobAlreadyStarted)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &handle{
		orch:            sub.Orchestrator,
		userID:          j.UserID,
		holdTxnID:       sub.HoldTxnID,
		estimateCredits: sub.EstimateCredits,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
	p.jobs[j.ID.String()] = h
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(runCtx, h)
	return nil
}

func (p *Processor) run(ctx context.Context, h *handle) {
	done := h.doneCh()
	defer p.wg.Done()
	defer close(done)
	defer h.interrupt()

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		// Cancelled while queued; Run finalizes without unit work, so
		// no slot is needed.
	}

	_, err := h.orch.Run(ctx)

	// Snapshot after the run so settlement and late status reads see a
	// stable copy, detached from any later resume.
	j := h.orch.Job()

	h.mu.Lock()
	h.final = j
	h.runErr = err
	h.mu.Unlock()

	// Paused jobs keep their hold pending; a later resume re-submits
	// and the run that finishes settles it.
	if j.State == book.StatePaused {
		return
	}

	p.settle(context.WithoutCancel(ctx), h, j)

	h.mu.Lock()
	h.finishedAt = time.Now().UTC()
	h.mu.Unlock()
}

// settle finalizes the hold for completed jobs and voids it otherwise.
// Settlement is idempotent at the ledger: a second settle attempt hits
// the hold's terminal status and returns a state conflict, which is
// logged and dropped.
func (p *Processor) settle(ctx context.Context, h *handle, j *book.Job) {
	// Jobs submitted without a hold (zero-credit estimate) have nothing
	// to settle.
	if h.holdTxnID.IsNil() {
		return
	}

	switch j.State {
	case book.StateCompleted:
		amount := h.estimateCredits
		if cost := p.pricing.Calculate(j.Provider, j.Model, h.orch.Usage()); cost.Credits > 0 {
			amount = cost.Credits
		}
		txn, err := p.ledger.FinalizeProvisionalDebit(ctx, h.userID, h.holdTxnID, amount)
		if err != nil {
			p.logger.Error("finalize hold failed",
				slog.String("job_id", j.ID.String()),
				slog.String("txn_id", h.holdTxnID.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		p.hooks.EmitHoldFinalized(ctx, txn)

	case book.StateFailed, book.StateCancelled:
		txn, err := p.ledger.VoidProvisionalDebit(ctx, h.userID, h.holdTxnID, "job "+string(j.State))
		if err != nil {
			p.logger.Error("void hold failed",
				slog.String("job_id", j.ID.String()),
				slog.String("txn_id", h.holdTxnID.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		p.hooks.EmitHoldVoided(ctx, txn)
	}
}

// Pause requests a pause for the job at its next unit boundary.
func (p *Processor) Pause(jobID id.JobID) error {
	h, err := p.handleFor(jobID)
	if err != nil {
		return err
	}
	return h.orch.Pause()
}

// Resume re-submits a paused job so it continues from its next
// unprocessed unit. The original hold remains pending across the pause
// and is settled by the resumed run.
func (p *Processor) Resume(ctx context.Context, jobID id.JobID) error {
	h, err := p.handleFor(jobID)
	if err != nil {
		return err
	}
	if err := h.orch.Resume(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return folio.ErrStoreClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.mu.Lock()
	h.cancel = cancel
	h.done = make(chan struct{})
	h.mu.Unlock()

	go p.run(runCtx, h)
	return nil
}

// Cancel cancels the job. A running job stops at its next unit
// boundary; a job still queued behind the concurrency limit is
// cancelled before its first unit; a paused job is cancelled and its
// hold voided immediately. A cancel request always lands the job in
// cancelled, never failed. Cancelling a job whose run just finished is
// a no-op: the hold is already settled and the ledger rejects a second
// settlement.
func (p *Processor) Cancel(ctx context.Context, jobID id.JobID) error {
	h, err := p.handleFor(jobID)
	if err != nil {
		return err
	}

	wasPaused := h.orch.Job().State == book.StatePaused
	if err := h.orch.Cancel(ctx); err != nil {
		return err
	}
	if wasPaused {
		// No run loop is active; settle here.
		p.settle(context.WithoutCancel(ctx), h, h.orch.Job())
		h.mu.Lock()
		h.finishedAt = time.Now().UTC()
		h.mu.Unlock()
		return nil
	}

	// Interrupt any in-flight generation or retry wait. A run still
	// waiting on the semaphore observes the cancel flag before its
	// first unit, and its own settle path voids the hold.
	h.interrupt()
	return nil
}

// Wait blocks until the job's current run ends (terminal or paused).
func (p *Processor) Wait(ctx context.Context, jobID id.JobID) (*book.Job, error) {
	h, err := p.handleFor(jobID)
	if err != nil {
		return nil, err
	}
	select {
	case <-h.doneCh():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.final, h.runErr
}

// Job returns the tracked job by ID.
func (p *Processor) Job(jobID id.JobID) (*book.Job, error) {
	h, err := p.handleFor(jobID)
	if err != nil {
		return nil, err
	}
	return h.orch.Job(), nil
}

// Active returns the number of jobs currently tracked, finished runs
// within the retention window included.
func (p *Processor) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Cleanup drops handles for jobs that reached a terminal state longer
// than retention ago. It returns how many were removed.
func (p *Processor) Cleanup(retention time.Duration) int {
	cutoff := time.Now().UTC().Add(-retention)

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key, h := range p.jobs {
		h.mu.Lock()
		finished := h.finishedAt
		h.mu.Unlock()
		if !finished.IsZero() && finished.Before(cutoff) && h.orch.Job().State.Terminal() {
			delete(p.jobs, key)
			removed++
		}
	}
	return removed
}

// Shutdown cancels all running jobs and waits for their runs to settle,
// bounded by ctx.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	handles := make([]*handle, 0, len(p.jobs))
	for _, h := range p.jobs {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.interrupt()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) handleFor(jobID id.JobID) (*handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.jobs[jobID.String()]
	if !ok {
		return nil, folio.ErrJobNotFound
	}
	return h, nil
}

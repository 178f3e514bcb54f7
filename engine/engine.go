package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/folio"
	"github.com/xraph/folio/book"
	"github.com/xraph/folio/continuity"
	"github.com/xraph/folio/generate"
	"github.com/xraph/folio/hook"
	"github.com/xraph/folio/id"
	"github.com/xraph/folio/ledger"
	mw "github.com/xraph/folio/middleware"
	"github.com/xraph/folio/orchestrator"
	"github.com/xraph/folio/pricing"
	"github.com/xraph/folio/processor"
	"github.com/xraph/folio/quality"
	"github.com/xraph/folio/retry"
	"github.com/xraph/folio/store"
)

// ContinuityFactory builds the continuity store for one job. The engine
// calls it once per StartBook so each job owns its narrative state.
type ContinuityFactory func(j *book.Job) continuity.Store

// Estimator sizes the pre-flight usage estimate for a job. It feeds the
// pricing calculator to size the provisional hold.
type Estimator func(j *book.Job) generate.Usage

// defaultEstimator assumes roughly 4/3 model units per target word of
// output and half that much prompt input.
func defaultEstimator(j *book.Job) generate.Usage {
	words := int64(j.UnitCount) * int64(j.TargetWords)
	out := words * 4 / 3
	return generate.Usage{InputUnits: out / 2, OutputUnits: out}
}

// Engine wires the folio subsystems together and exposes the
// application-facing operations.
type Engine struct {
	cfg    folio.Config
	store  store.Store
	gen    generate.Generator
	gate   quality.Gate
	calc   *pricing.Calculator
	ledger *ledger.Service
	proc   *processor.Processor
	hooks  *hook.Registry
	logger *slog.Logger

	mws         []mw.Middleware
	userMws     []mw.Middleware
	contFactory ContinuityFactory
	estimator   Estimator

	maxConcurrent int
	overdraft     bool
	rateRPS       float64
	rateBurst     int

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the engine-wide defaults.
func WithConfig(cfg folio.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithQualityGate sets the quality gate used to assess generated units.
// Without one, every generated unit is accepted as-is.
func WithQualityGate(g quality.Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithPricing sets the pricing calculator. Without one, every job
// estimates to zero credits and runs unbilled.
func WithPricing(calc *pricing.Calculator) Option {
	return func(e *Engine) { e.calc = calc }
}

// WithHook registers a lifecycle hook with the engine.
func WithHook(h hook.Hook) Option {
	return func(e *Engine) { e.hooks.Register(h) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMiddleware appends middleware after the default stack.
func WithMiddleware(mws ...mw.Middleware) Option {
	return func(e *Engine) { e.userMws = append(e.userMws, mws...) }
}

// WithContinuityFactory replaces the per-job continuity store factory.
func WithContinuityFactory(fn ContinuityFactory) Option {
	return func(e *Engine) { e.contFactory = fn }
}

// WithEstimator replaces the pre-flight usage estimator.
func WithEstimator(fn Estimator) Option {
	return func(e *Engine) { e.estimator = fn }
}

// WithRateLimit wraps the generator with a shared token-bucket limiter
// so concurrent jobs do not exceed the upstream model's request rate.
func WithRateLimit(rps float64, burst int) Option {
	return func(e *Engine) {
		e.rateRPS = rps
		e.rateBurst = burst
	}
}

// WithMaxConcurrent caps how many jobs generate simultaneously.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) { e.maxConcurrent = n }
}

// WithOverdraft permits ledger balances to go negative on settlement.
func WithOverdraft() Option {
	return func(e *Engine) { e.overdraft = true }
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, the
// metrics middleware uses this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New creates an Engine over the given store and generator.
func New(st store.Store, gen generate.Generator, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, folio.ErrNoStore
	}
	if gen == nil {
		return nil, folio.ErrNoGenerator
	}

	e := &Engine{
		cfg:    folio.DefaultConfig(),
		store:  st,
		gen:    gen,
		logger: slog.Default(),
	}
	e.hooks = hook.NewRegistry(e.logger)
	for _, opt := range opts {
		opt(e)
	}

	if e.calc == nil {
		e.calc = pricing.NewCalculator(pricing.NewTable(), pricing.WithLogger(e.logger))
	}
	if e.contFactory == nil {
		e.contFactory = func(j *book.Job) continuity.Store {
			return continuity.NewMemoryStore(j.ID.String(), j.Title, j.TargetWords)
		}
	}
	if e.estimator == nil {
		e.estimator = defaultEstimator
	}
	if e.rateRPS > 0 {
		e.gen = generate.NewRateLimited(e.gen, e.rateRPS, e.rateBurst)
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer("github.com/xraph/folio"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter("github.com/xraph/folio"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	e.mws = []mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.Timeout(e.cfg.GenerationTimeout),
	}
	e.mws = append(e.mws, e.userMws...)

	ledgerOpts := []ledger.ServiceOption{ledger.WithLogger(e.logger)}
	if e.overdraft {
		ledgerOpts = append(ledgerOpts, ledger.WithOverdraft())
	}
	e.ledger = ledger.NewService(st, ledgerOpts...)

	procOpts := []processor.Option{
		processor.WithHooks(e.hooks),
		processor.WithLogger(e.logger),
	}
	if e.maxConcurrent > 0 {
		procOpts = append(procOpts, processor.WithMaxConcurrent(e.maxConcurrent))
	}
	e.proc = processor.New(e.ledger, e.calc, procOpts...)

	return e, nil
}

// ──────────────────────────────────────────────────
// Book operations
// ──────────────────────────────────────────────────

// CreateBook creates and persists a job in not_started state.
func (e *Engine) CreateBook(ctx context.Context, userID, title string, opts ...book.Option) (*book.Job, error) {
	j := book.NewJob(userID, title, opts...)
	if err := e.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}

	e.logger.Info("book job created",
		slog.String("job_id", j.ID.String()),
		slog.String("user_id", userID),
		slog.Int("unit_count", j.UnitCount),
	)
	return j, nil
}

// StartBook estimates the job's cost, places the provisional hold, and
// submits the run to the processor. Insufficient credits fail the call
// before any generation starts; the hold is settled by the processor
// when the run reaches a terminal state.
func (e *Engine) StartBook(ctx context.Context, jobID id.JobID) error {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	cost := e.calc.Estimate(j.Provider, j.Model, e.estimator(j))

	var holdID id.TxnID
	if cost.Credits > 0 {
		hold, holdErr := e.ledger.ProvisionalDebit(ctx, j.UserID, cost.Credits,
			"book generation: "+j.Title, "hold:"+j.ID.String())
		if holdErr != nil {
			return fmt.Errorf("place hold for job %s: %w", j.ID, holdErr)
		}
		holdID = hold.ID
	}

	orch := e.newOrchestrator(j)
	if err := e.proc.Submit(ctx, processor.Submission{
		Orchestrator:    orch,
		HoldTxnID:       holdID,
		EstimateCredits: cost.Credits,
	}); err != nil {
		if !holdID.IsNil() {
			if _, vErr := e.ledger.VoidProvisionalDebit(ctx, j.UserID, holdID, "submit failed"); vErr != nil {
				e.logger.Error("void orphaned hold failed",
					slog.String("txn_id", holdID.String()),
					slog.String("error", vErr.Error()),
				)
			}
		}
		return err
	}

	e.logger.Info("book job started",
		slog.String("job_id", j.ID.String()),
		slog.Int64("estimate_credits", cost.Credits),
	)
	return nil
}

// Pause requests a pause for the job at its next unit boundary.
func (e *Engine) Pause(jobID id.JobID) error {
	return e.proc.Pause(jobID)
}

// Resume restarts a paused job from its next unprocessed unit.
func (e *Engine) Resume(ctx context.Context, jobID id.JobID) error {
	return e.proc.Resume(ctx, jobID)
}

// Cancel cancels the job and voids its hold.
func (e *Engine) Cancel(ctx context.Context, jobID id.JobID) error {
	return e.proc.Cancel(ctx, jobID)
}

// Status returns the job's current state and progress. Jobs the
// processor still tracks are read live; others fall back to the store.
func (e *Engine) Status(ctx context.Context, jobID id.JobID) (*book.Job, error) {
	j, err := e.proc.Job(jobID)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, folio.ErrJobNotFound) {
		return nil, err
	}
	return e.store.GetJob(ctx, jobID)
}

// Wait blocks until the job's current run ends (terminal or paused) or
// ctx expires.
func (e *Engine) Wait(ctx context.Context, jobID id.JobID) (*book.Job, error) {
	return e.proc.Wait(ctx, jobID)
}

// Shutdown stops accepting jobs, cancels running ones, and waits for
// settlement, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.proc.Shutdown(ctx)
}

// ──────────────────────────────────────────────────
// Ledger pass-throughs
// ──────────────────────────────────────────────────

// Balance returns the user's credit balance.
func (e *Engine) Balance(ctx context.Context, userID string) (*ledger.Balance, error) {
	return e.ledger.GetBalance(ctx, userID)
}

// Transactions returns the user's transaction log, newest first.
func (e *Engine) Transactions(ctx context.Context, userID string, opts ledger.ListOpts) ([]*ledger.Transaction, error) {
	return e.ledger.ListTransactions(ctx, userID, opts)
}

// AddCredits credits the user's balance. A non-empty dedupKey makes the
// call idempotent.
func (e *Engine) AddCredits(ctx context.Context, userID string, amount int64, reason, dedupKey string) (*ledger.Transaction, error) {
	return e.ledger.AddCredits(ctx, userID, amount, reason, dedupKey)
}

// Estimate prices the job's projected usage for pre-flight display and
// hold sizing.
func (e *Engine) Estimate(j *book.Job) pricing.Cost {
	return e.calc.Estimate(j.Provider, j.Model, e.estimator(j))
}

// ──────────────────────────────────────────────────
// Subsystem access
// ──────────────────────────────────────────────────

// Store returns the underlying composite store.
func (e *Engine) Store() store.Store { return e.store }

// Ledger returns the credit ledger service.
func (e *Engine) Ledger() *ledger.Service { return e.ledger }

// Pricing returns the pricing calculator.
func (e *Engine) Pricing() *pricing.Calculator { return e.calc }

// Hooks returns the lifecycle hook registry.
func (e *Engine) Hooks() *hook.Registry { return e.hooks }

// Processor returns the job processor.
func (e *Engine) Processor() *processor.Processor { return e.proc }

// Config returns the engine-wide defaults.
func (e *Engine) Config() folio.Config { return e.cfg }

// newOrchestrator assembles the per-job execution stack: continuity
// store, retry policy, executor with the middleware chain, and the
// orchestrator itself.
func (e *Engine) newOrchestrator(j *book.Job) *orchestrator.Orchestrator {
	policy := retry.NewPolicy(
		retry.WithMaxRetries(e.cfg.MaxRetries),
		retry.WithBaseDelay(e.cfg.RetryBaseDelay),
		retry.WithMaxDelay(e.cfg.RetryMaxDelay),
	)
	cont := e.contFactory(j)

	var orch *orchestrator.Orchestrator
	execOpts := []orchestrator.ExecutorOption{
		orchestrator.WithMiddleware(e.mws...),
		orchestrator.WithExecutorLogger(e.logger),
		orchestrator.WithPhaseFunc(func(phase string) {
			if orch != nil {
				orch.ObservePhase(phase)
			}
		}),
	}
	if e.cfg.QualityGatesEnabled && e.gate != nil {
		execOpts = append(execOpts, orchestrator.WithQualityGate(e.gate, e.cfg.MinQualityScore))
	}
	exec := orchestrator.NewExecutor(e.gen, cont, policy, execOpts...)

	orch = orchestrator.New(j, e.store, exec, policy, cont,
		orchestrator.WithHooks(e.hooks),
		orchestrator.WithLogger(e.logger),
		orchestrator.WithUnitTimeout(e.cfg.GenerationTimeout),
	)
	return orch
}

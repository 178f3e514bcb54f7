package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/folio/book"
	"github.com/xraph/folio/continuity"
	"github.com/xraph/folio/generate"
	"github.com/xraph/folio/middleware"
	"github.com/xraph/folio/quality"
	"github.com/xraph/folio/retry"
)

// wordTolerance is the accepted fractional deviation from the per-unit
// word target before an attempt is classified as a word-count mismatch.
const wordTolerance = 0.30

// Outcome is the explicit result of executing one chapter unit attempt.
// Failures carry a FailureKind instead of driving control flow through
// errors; the orchestrator's retry loop consumes it directly.
type Outcome struct {
	Completed bool

	// Failure details (when Completed is false).
	Kind retry.FailureKind
	Err  error

	// Artifact details (when Completed is true).
	Content   string
	WordCount int
	Score     *float64

	// Assessment is the last quality result, set whenever the gate ran.
	Assessment *quality.Assessment

	// Usage accumulates generator usage across the initial call and the
	// optional revision pass. It is reported even on failure so callers
	// bill only work actually performed.
	Usage generate.Usage

	// Revised marks outcomes that went through the single revision pass.
	Revised bool
}

// Execution phases reported through PhaseFunc.
const (
	PhaseGenerating      = "generating"
	PhaseQualityChecking = "quality_checking"
)

// PhaseFunc receives coarse execution phase changes so callers can
// mirror them onto the job state machine.
type PhaseFunc func(phase string)

// Executor runs one chapter unit: build context, call the generator
// through the middleware chain, run the quality gate, and apply at most
// one revision pass before accepting or rejecting the unit.
type Executor struct {
	generator  generate.Generator
	gate       quality.Gate
	continuity continuity.Store
	policy     *retry.Policy
	mw         middleware.Middleware
	logger     *slog.Logger
	phase      PhaseFunc

	gatesEnabled bool
	minScore     float64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMiddleware sets the middleware chain wrapped around each
// generator call.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// WithQualityGate enables gating with the given gate and minimum
// overall score.
func WithQualityGate(gate quality.Gate, minScore float64) ExecutorOption {
	return func(e *Executor) {
		e.gate = gate
		e.gatesEnabled = gate != nil
		e.minScore = minScore
	}
}

// WithExecutorLogger sets the structured logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithPhaseFunc registers a callback invoked when execution moves
// between generating and quality checking.
func WithPhaseFunc(fn PhaseFunc) ExecutorOption {
	return func(e *Executor) { e.phase = fn }
}

// NewExecutor creates an Executor. The continuity store receives each
// completed unit's artifact for use by later units.
func NewExecutor(gen generate.Generator, cont continuity.Store, policy *retry.Policy, opts ...ExecutorOption) *Executor {
	e := &Executor{
		generator:  gen,
		continuity: cont,
		policy:     policy,
		mw:         middleware.Chain(),
		logger:     slog.Default(),
		phase:      func(string) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one attempt of the unit with the given context. The
// returned Outcome is never nil.
func (e *Executor) Execute(ctx context.Context, u *book.ChapterUnit, uc *generate.Context) *Outcome {
	out := &Outcome{}

	if err := uc.Validate(); err != nil {
		out.Kind = retry.KindCritical
		out.Err = err
		return out
	}

	content, ok := e.generateOnce(ctx, u, uc, out)
	if !ok {
		return out
	}

	words := countWords(content)

	if !e.gatesEnabled {
		e.accept(ctx, u, uc, out, content, words, nil)
		return out
	}

	e.phase(PhaseQualityChecking)
	assessment, err := e.gate.Assess(ctx, content)
	if err != nil {
		out.Kind = retry.Classify(err.Error(), nil, e.minScore)
		out.Err = fmt.Errorf("quality assessment: %w", err)
		return out
	}
	out.Assessment = assessment

	if gateOK(assessment, e.minScore) && wordsOK(words, uc.TargetWords) {
		e.accept(ctx, u, uc, out, content, words, assessment)
		return out
	}

	// Exactly one revision pass: improve the context with the failure's
	// directive, regenerate, and re-assess once.
	kind := e.rejectKind(assessment, words, uc.TargetWords)
	revised := uc.Clone()
	e.policy.ImproveContext(kind, revised, assessment, words, uc.RetryAttempt+1)
	out.Revised = true

	e.logger.Debug("revision pass",
		slog.String("job_id", u.JobID.String()),
		slog.Int("unit_index", u.Index),
		slog.String("kind", string(kind)),
	)

	content, ok = e.generateOnce(ctx, u, revised, out)
	if !ok {
		return out
	}
	words = countWords(content)

	e.phase(PhaseQualityChecking)
	assessment, err = e.gate.Assess(ctx, content)
	if err != nil {
		out.Kind = retry.Classify(err.Error(), nil, e.minScore)
		out.Err = fmt.Errorf("quality assessment: %w", err)
		return out
	}
	out.Assessment = assessment

	if gateOK(assessment, e.minScore) && wordsOK(words, uc.TargetWords) {
		e.accept(ctx, u, revised, out, content, words, assessment)
		return out
	}

	out.Kind = e.rejectKind(assessment, words, uc.TargetWords)
	out.Err = fmt.Errorf("unit %d rejected after revision: %s", u.Index, out.Kind)
	return out
}

// generateOnce calls the generator through the middleware chain and
// accumulates usage. Returns false when the attempt failed, with the
// outcome's failure fields set.
func (e *Executor) generateOnce(ctx context.Context, u *book.ChapterUnit, uc *generate.Context, out *Outcome) (string, bool) {
	e.phase(PhaseGenerating)
	var result *generate.Result
	err := e.mw(ctx, u, func(ctx context.Context) error {
		var genErr error
		result, genErr = e.generator.Generate(ctx, uc)
		return genErr
	})
	if err != nil {
		out.Kind = classifyGenerateError(ctx, err, e.minScore)
		out.Err = err
		return "", false
	}
	if result == nil || result.Content == "" {
		out.Kind = retry.KindCritical
		out.Err = fmt.Errorf("critical: generator returned empty content for unit %d", u.Index)
		return "", false
	}

	out.Usage = out.Usage.Add(result.Usage)
	return result.Content, true
}

// accept finalizes a successful outcome and records the artifact with
// the continuity store. A continuity write failure does not fail the
// unit; later units just see less history.
func (e *Executor) accept(ctx context.Context, u *book.ChapterUnit, uc *generate.Context, out *Outcome, content string, words int, assessment *quality.Assessment) {
	out.Completed = true
	out.Content = content
	out.WordCount = words
	if assessment != nil {
		score := assessment.Overall
		out.Score = &score
	}

	if err := e.continuity.RecordResult(ctx, uc.UnitIndex, content, nil); err != nil {
		e.logger.Warn("continuity record failed",
			slog.String("job_id", u.JobID.String()),
			slog.Int("unit_index", u.Index),
			slog.String("error", err.Error()),
		)
	}
}

// rejectKind classifies a gate rejection into its failure kind.
func (e *Executor) rejectKind(assessment *quality.Assessment, words, target int) retry.FailureKind {
	if !wordsOK(words, target) {
		return retry.KindWordCount
	}
	return retry.Classify("", assessment, e.minScore)
}

// classifyGenerateError maps a generator error to a kind, treating
// context deadline expiry as a timeout even when the wrapped error text
// says otherwise.
func classifyGenerateError(ctx context.Context, err error, minScore float64) retry.FailureKind {
	if ctx.Err() != nil {
		return retry.KindTimeout
	}
	return retry.Classify(err.Error(), nil, minScore)
}

func gateOK(a *quality.Assessment, minScore float64) bool {
	return a.Passed && len(a.CriticalFailures) == 0 && a.Overall >= minScore
}

func wordsOK(words, target int) bool {
	if target <= 0 {
		return true
	}
	deviation := float64(words-target) / float64(target)
	if deviation < 0 {
		deviation = -deviation
	}
	return deviation <= wordTolerance
}

func countWords(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
			inWord = false
		default:
			if !inWord {
				n++
			}
			inWord = true
		}
	}
	return n
}

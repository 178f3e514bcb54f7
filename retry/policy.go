package retry

import (
	"fmt"
	"time"

	"github.com/xraph/folio/backoff"
	"github.com/xraph/folio/generate"
	"github.com/xraph/folio/quality"
)

// Strategy names how a retry is paced and whether the generation context
// is rewritten first.
type Strategy string

const (
	// StrategyImmediate retries without delay.
	StrategyImmediate Strategy = "immediate"
	// StrategyLinearBackoff waits base * attempt.
	StrategyLinearBackoff Strategy = "linear_backoff"
	// StrategyExponentialBackoff waits min(base * 2^(attempt-1), max).
	StrategyExponentialBackoff Strategy = "exponential_backoff"
	// StrategyAdaptive waits base * 1.5^attempt for transient upstream
	// kinds and base otherwise.
	StrategyAdaptive Strategy = "adaptive"
	// StrategyContextImprovement rewrites the generation context with
	// kind-specific directives and waits 2 * base so upstream narrative
	// state can rebuild.
	StrategyContextImprovement Strategy = "context_improvement"
)

// contextImprovementFloor is the attempt number at which every kind
// escalates to context improvement.
const contextImprovementFloor = 3

// contentPolicyMaxAttempts bounds content-policy retries below the
// general retry limit.
const contentPolicyMaxAttempts = 2

// strategyTable maps each kind to its base strategy for early attempts.
var strategyTable = map[FailureKind]Strategy{
	KindTimeout:             StrategyAdaptive,
	KindAPIError:            StrategyExponentialBackoff,
	KindContentPolicy:       StrategyContextImprovement,
	KindWordCount:           StrategyImmediate,
	KindRepetition:          StrategyContextImprovement,
	KindConsistency:         StrategyContextImprovement,
	KindQualityGate:         StrategyContextImprovement,
	KindInsufficientQuality: StrategyContextImprovement,
	KindUnknown:             StrategyLinearBackoff,
}

// Attempt records one retry of a chapter unit, for the job's retry
// history and observability.
type Attempt struct {
	Number          int           `json:"number"`
	Kind            FailureKind   `json:"kind"`
	Strategy        Strategy      `json:"strategy"`
	Delay           time.Duration `json:"delay"`
	Succeeded       bool          `json:"succeeded"`
	ContextImproved bool          `json:"context_improved"`
}

// Policy selects retry strategies and computes delays. A zero Policy is
// not usable; construct one with NewPolicy.
type Policy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	stats      *Stats
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithMaxRetries sets the maximum number of retry attempts per unit.
func WithMaxRetries(n int) PolicyOption {
	return func(p *Policy) { p.maxRetries = n }
}

// WithBaseDelay sets the base delay fed into backoff computation.
func WithBaseDelay(d time.Duration) PolicyOption {
	return func(p *Policy) { p.baseDelay = d }
}

// WithMaxDelay caps exponential backoff growth.
func WithMaxDelay(d time.Duration) PolicyOption {
	return func(p *Policy) { p.maxDelay = d }
}

// NewPolicy creates a Policy with defaults of 3 retries, 2s base delay,
// and 1m max delay.
func NewPolicy(opts ...PolicyOption) *Policy {
	p := &Policy{
		maxRetries: 3,
		baseDelay:  2 * time.Second,
		maxDelay:   1 * time.Minute,
		stats:      NewStats(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxRetries returns the configured retry bound.
func (p *Policy) MaxRetries() int { return p.maxRetries }

// Stats returns the policy's observability counters.
func (p *Policy) Stats() *Stats { return p.stats }

// ShouldRetry reports whether attempt number attempt (1-indexed) should
// be made for the given kind. Critical failures are never retried;
// content-policy failures die after two attempts; everything else is
// bounded by MaxRetries.
func (p *Policy) ShouldRetry(kind FailureKind, attempt int) bool {
	if kind == KindCritical {
		return false
	}
	if attempt >= p.maxRetries {
		return false
	}
	if kind == KindContentPolicy && attempt >= contentPolicyMaxAttempts {
		return false
	}
	return true
}

// SelectStrategy picks the retry strategy for the given kind and attempt
// number. From attempt 3 on, every kind escalates to context
// improvement. Within early attempts, immediate retries escalate to
// linear backoff on the second attempt.
func (p *Policy) SelectStrategy(kind FailureKind, attempt int) Strategy {
	if attempt >= contextImprovementFloor {
		return StrategyContextImprovement
	}

	s, ok := strategyTable[kind]
	if !ok {
		s = StrategyLinearBackoff
	}
	if s == StrategyImmediate && attempt >= 2 {
		return StrategyLinearBackoff
	}
	return s
}

// Delay computes how long to wait before the given attempt under the
// given strategy. The adaptive strategy grows only for transient
// upstream kinds (timeout, API error); for other kinds it stays at the
// base delay.
func (p *Policy) Delay(kind FailureKind, strategy Strategy, attempt int) time.Duration {
	switch strategy {
	case StrategyImmediate:
		return 0
	case StrategyLinearBackoff:
		return backoff.NewLinear(p.baseDelay, p.maxDelay).Delay(attempt)
	case StrategyExponentialBackoff:
		return backoff.NewExponential(p.baseDelay, p.maxDelay).Delay(attempt)
	case StrategyAdaptive:
		if kind == KindTimeout || kind == KindAPIError {
			return backoff.NewAdaptive(p.baseDelay, p.maxDelay).Delay(attempt)
		}
		return p.baseDelay
	case StrategyContextImprovement:
		// Deliberately longer so upstream context can rebuild.
		return 2 * p.baseDelay
	default:
		return p.baseDelay
	}
}

// Next classifies nothing itself; given an already-classified failure it
// returns the full plan for the next attempt: whether to retry, which
// strategy, and how long to wait. It also records the attempt in the
// policy stats.
func (p *Policy) Next(kind FailureKind, attempt int) (retry bool, strategy Strategy, delay time.Duration) {
	if !p.ShouldRetry(kind, attempt) {
		return false, "", 0
	}
	strategy = p.SelectStrategy(kind, attempt)
	delay = p.Delay(kind, strategy, attempt)
	p.stats.RecordAttempt(kind, strategy)
	return true, strategy, delay
}

// ImproveContext rewrites the generation context with kind-specific
// directives ahead of a retry. actualWords is the word count of the
// rejected draft (zero when no draft was produced). The context is
// mutated in place; callers should Clone first if they need the
// original. Every call stamps the retry attempt number and a guidance
// string.
func (p *Policy) ImproveContext(kind FailureKind, uc *generate.Context, assessment *quality.Assessment, actualWords, attempt int) {
	uc.RetryAttempt = attempt

	switch kind {
	case KindRepetition:
		uc.VaryVocabulary = true
		uc.RetryGuidance = "Avoid repeating phrases and sentence structures; vary vocabulary and rhythm."

	case KindWordCount:
		delta := uc.TargetWords - actualWords
		uc.WordCountDelta = delta
		if delta > 0 {
			uc.WordCountDirective = fmt.Sprintf("Expand the chapter by roughly %d words to reach the %d-word target.", delta, uc.TargetWords)
		} else {
			uc.WordCountDirective = fmt.Sprintf("Condense the chapter by roughly %d words to reach the %d-word target.", -delta, uc.TargetWords)
		}
		uc.RetryGuidance = uc.WordCountDirective

	case KindQualityGate, KindInsufficientQuality:
		if assessment != nil {
			if cat, score := assessment.LowestCategory(); cat != "" {
				uc.FocusCategory = cat
				uc.RetryGuidance = fmt.Sprintf("Focus on improving %s (scored %.1f); keep other qualities at their current level.", cat, score)
				break
			}
		}
		uc.RetryGuidance = "Improve overall writing quality; the previous draft did not clear the quality gate."

	case KindConsistency:
		uc.RetryGuidance = "Stay consistent with established characters, settings, and prior events."

	default:
		uc.RetryGuidance = fmt.Sprintf("Previous attempt failed (%s); address the failure and regenerate.", kind)
	}
}

// Package retry implements the failure-classifying retry policy for
// chapter unit execution: it maps raw generation failures to a stable
// FailureKind, selects a retry strategy per kind and attempt, computes
// backoff delays, and rewrites the generation context with kind-specific
// directives before a retry.
package retry

import (
	"strings"

	"github.com/xraph/folio/quality"
)

// FailureKind is the stable, machine-readable classification of a
// generation failure. It drives strategy selection and retry bounds and
// is part of every user-visible failure.
type FailureKind string

const (
	// KindTimeout means the generator call exceeded its deadline.
	KindTimeout FailureKind = "timeout"
	// KindAPIError covers rate limits and other retryable upstream API
	// failures.
	KindAPIError FailureKind = "api_error"
	// KindContentPolicy means the upstream refused the content on policy
	// grounds. Retried at most twice.
	KindContentPolicy FailureKind = "content_policy"
	// KindWordCount means the generated unit missed its word target.
	KindWordCount FailureKind = "word_count"
	// KindRepetition means the content repeats itself excessively.
	KindRepetition FailureKind = "repetition"
	// KindConsistency means the content contradicts established
	// narrative state.
	KindConsistency FailureKind = "consistency"
	// KindQualityGate means the quality gate rejected the content.
	KindQualityGate FailureKind = "quality_gate"
	// KindInsufficientQuality means the overall score fell below the
	// configured minimum.
	KindInsufficientQuality FailureKind = "insufficient_quality"
	// KindCritical is a non-retryable fatal failure.
	KindCritical FailureKind = "critical"
	// KindUnknown is the fallback classification.
	KindUnknown FailureKind = "unknown"
)

// Retryable reports whether the kind is ever worth retrying.
func (k FailureKind) Retryable() bool {
	return k != KindCritical
}

// classificationRule pairs lowercase substrings with the kind they
// indicate. Rules are evaluated in order; the first match wins.
type classificationRule struct {
	keywords []string
	kind     FailureKind
}

// classificationRules is the ordered keyword table. More specific
// phrases come before generic ones.
var classificationRules = []classificationRule{
	{[]string{"timeout", "timed out", "deadline exceeded"}, KindTimeout},
	{[]string{"rate limit", "too many requests", "api error", "service unavailable", "bad gateway"}, KindAPIError},
	{[]string{"content policy", "policy violation", "flagged", "refused"}, KindContentPolicy},
	{[]string{"word count", "too short", "too long"}, KindWordCount},
	{[]string{"repetition", "repetitive", "repeated"}, KindRepetition},
	{[]string{"consistency", "continuity", "contradict"}, KindConsistency},
	{[]string{"quality gate", "quality check", "assessment failed"}, KindQualityGate},
	{[]string{"critical", "fatal"}, KindCritical},
}

// Classify maps a failure to its FailureKind. errText is the error
// message from the generator or executor; assessment is the quality
// result when one exists (nil otherwise). minScore is the quality
// threshold below which a scored unit is classified as insufficient
// quality.
//
// Keyword rules are evaluated in order against the lowercased error
// text. When no rule matches but the assessment scored below minScore,
// the failure is insufficient quality; an assessment with critical
// failures classifies as a quality gate failure.
func Classify(errText string, assessment *quality.Assessment, minScore float64) FailureKind {
	lower := strings.ToLower(errText)

	for _, rule := range classificationRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.kind
			}
		}
	}

	if assessment != nil {
		if len(assessment.CriticalFailures) > 0 {
			return KindQualityGate
		}
		if assessment.Overall < minScore {
			return KindInsufficientQuality
		}
		if !assessment.Passed {
			return KindQualityGate
		}
	}

	return KindUnknown
}

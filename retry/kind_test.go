package retry_test

import (
	"testing"

	"github.com/xraph/folio/quality"
	"github.com/xraph/folio/retry"
)

func TestClassify_KeywordTable(t *testing.T) {
	tests := []struct {
		errText string
		want    retry.FailureKind
	}{
		{"Rate limit exceeded", retry.KindAPIError},
		{"request timed out after 300s", retry.KindTimeout},
		{"context deadline exceeded", retry.KindTimeout},
		{"Content policy violation", retry.KindContentPolicy},
		{"generated 2100 words, word count target was 3500", retry.KindWordCount},
		{"chapter is highly repetitive", retry.KindRepetition},
		{"draft contradicts chapter 3", retry.KindConsistency},
		{"quality gate rejected content", retry.KindQualityGate},
		{"critical: model returned empty response", retry.KindCritical},
		{"something else entirely", retry.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.errText, func(t *testing.T) {
			if got := retry.Classify(tt.errText, nil, 7.0); got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.errText, got, tt.want)
			}
		})
	}
}

func TestClassify_OrderedMatching(t *testing.T) {
	// Timeout keywords are checked before API error keywords.
	got := retry.Classify("api error: upstream timed out", nil, 7.0)
	if got != retry.KindTimeout {
		t.Errorf("Classify = %q, want %q (timeout rule comes first)", got, retry.KindTimeout)
	}
}

func TestClassify_QualityThreshold(t *testing.T) {
	low := &quality.Assessment{Overall: 5.5, Passed: false}
	if got := retry.Classify("", low, 7.0); got != retry.KindInsufficientQuality {
		t.Errorf("low score: Classify = %q, want %q", got, retry.KindInsufficientQuality)
	}

	// Score above threshold but gate failed.
	gated := &quality.Assessment{Overall: 8.0, Passed: false}
	if got := retry.Classify("", gated, 7.0); got != retry.KindQualityGate {
		t.Errorf("gate failure: Classify = %q, want %q", got, retry.KindQualityGate)
	}

	// Critical failures dominate the score.
	critical := &quality.Assessment{Overall: 9.0, Passed: false, CriticalFailures: []string{"plot hole"}}
	if got := retry.Classify("", critical, 7.0); got != retry.KindQualityGate {
		t.Errorf("critical failures: Classify = %q, want %q", got, retry.KindQualityGate)
	}
}

func TestRetryable(t *testing.T) {
	if retry.KindCritical.Retryable() {
		t.Error("critical failures must not be retryable")
	}
	if !retry.KindAPIError.Retryable() {
		t.Error("API errors must be retryable")
	}
}

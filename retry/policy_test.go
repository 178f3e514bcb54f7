package retry_test

import (
	"testing"
	"time"

	"github.com/xraph/folio/generate"
	"github.com/xraph/folio/quality"
	"github.com/xraph/folio/retry"
)

func TestShouldRetry_Bounds(t *testing.T) {
	p := retry.NewPolicy(retry.WithMaxRetries(3))

	tests := []struct {
		name    string
		kind    retry.FailureKind
		attempt int
		want    bool
	}{
		{"critical never retries", retry.KindCritical, 1, false},
		{"api error attempt 1", retry.KindAPIError, 1, true},
		{"api error attempt 2", retry.KindAPIError, 2, true},
		{"api error at max", retry.KindAPIError, 3, false},
		{"content policy attempt 1", retry.KindContentPolicy, 1, true},
		{"content policy dies after 2", retry.KindContentPolicy, 2, false},
		{"unknown attempt 2", retry.KindUnknown, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.ShouldRetry(tt.kind, tt.attempt); got != tt.want {
				t.Errorf("ShouldRetry(%q, %d) = %v, want %v", tt.kind, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestSelectStrategy_TableAndEscalation(t *testing.T) {
	p := retry.NewPolicy()

	tests := []struct {
		kind    retry.FailureKind
		attempt int
		want    retry.Strategy
	}{
		{retry.KindTimeout, 1, retry.StrategyAdaptive},
		{retry.KindAPIError, 1, retry.StrategyExponentialBackoff},
		{retry.KindRepetition, 1, retry.StrategyContextImprovement},
		{retry.KindWordCount, 1, retry.StrategyImmediate},
		// Immediate escalates to linear on the second attempt.
		{retry.KindWordCount, 2, retry.StrategyLinearBackoff},
		// Everything escalates to context improvement from attempt 3.
		{retry.KindTimeout, 3, retry.StrategyContextImprovement},
		{retry.KindAPIError, 5, retry.StrategyContextImprovement},
		{retry.KindUnknown, 1, retry.StrategyLinearBackoff},
	}
	for _, tt := range tests {
		if got := p.SelectStrategy(tt.kind, tt.attempt); got != tt.want {
			t.Errorf("SelectStrategy(%q, %d) = %q, want %q", tt.kind, tt.attempt, got, tt.want)
		}
	}
}

func TestDelay_PerStrategy(t *testing.T) {
	base := 2 * time.Second
	p := retry.NewPolicy(retry.WithBaseDelay(base), retry.WithMaxDelay(time.Minute))

	tests := []struct {
		name     string
		kind     retry.FailureKind
		strategy retry.Strategy
		attempt  int
		want     time.Duration
	}{
		{"immediate", retry.KindWordCount, retry.StrategyImmediate, 1, 0},
		{"linear x1", retry.KindUnknown, retry.StrategyLinearBackoff, 1, 2 * time.Second},
		{"linear x3", retry.KindUnknown, retry.StrategyLinearBackoff, 3, 6 * time.Second},
		{"exponential a1", retry.KindAPIError, retry.StrategyExponentialBackoff, 1, 2 * time.Second},
		{"exponential a3", retry.KindAPIError, retry.StrategyExponentialBackoff, 3, 8 * time.Second},
		{"adaptive transient", retry.KindTimeout, retry.StrategyAdaptive, 1, 3 * time.Second},
		{"adaptive non-transient stays at base", retry.KindRepetition, retry.StrategyAdaptive, 4, 2 * time.Second},
		{"context improvement is 2x base", retry.KindQualityGate, retry.StrategyContextImprovement, 1, 4 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Delay(tt.kind, tt.strategy, tt.attempt); got != tt.want {
				t.Errorf("Delay(%q, %q, %d) = %v, want %v", tt.kind, tt.strategy, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestDelay_ExponentialCapped(t *testing.T) {
	p := retry.NewPolicy(retry.WithBaseDelay(time.Second), retry.WithMaxDelay(4*time.Second))

	if got := p.Delay(retry.KindAPIError, retry.StrategyExponentialBackoff, 10); got != 4*time.Second {
		t.Errorf("Delay = %v, want capped %v", got, 4*time.Second)
	}
}

func TestImproveContext_Repetition(t *testing.T) {
	p := retry.NewPolicy()
	uc := generate.NewContext("job_x", 2, 3000)

	p.ImproveContext(retry.KindRepetition, uc, nil, 0, 2)

	if !uc.VaryVocabulary {
		t.Error("repetition should set VaryVocabulary")
	}
	if uc.RetryAttempt != 2 {
		t.Errorf("RetryAttempt = %d, want 2", uc.RetryAttempt)
	}
	if uc.RetryGuidance == "" {
		t.Error("guidance string must always be stamped")
	}
}

func TestImproveContext_WordCount(t *testing.T) {
	p := retry.NewPolicy()

	t.Run("expand", func(t *testing.T) {
		uc := generate.NewContext("job_x", 1, 3000)
		p.ImproveContext(retry.KindWordCount, uc, nil, 2400, 1)
		if uc.WordCountDelta != 600 {
			t.Errorf("WordCountDelta = %d, want 600", uc.WordCountDelta)
		}
		if uc.WordCountDirective == "" {
			t.Error("expand directive missing")
		}
	})

	t.Run("condense", func(t *testing.T) {
		uc := generate.NewContext("job_x", 1, 3000)
		p.ImproveContext(retry.KindWordCount, uc, nil, 3900, 1)
		if uc.WordCountDelta != -900 {
			t.Errorf("WordCountDelta = %d, want -900", uc.WordCountDelta)
		}
	})
}

func TestImproveContext_QualityFocusesLowestCategory(t *testing.T) {
	p := retry.NewPolicy()
	uc := generate.NewContext("job_x", 4, 3000)
	assessment := &quality.Assessment{
		Overall: 6.1,
		Categories: map[string]float64{
			"prose":       7.5,
			"pacing":      4.2,
			"consistency": 8.0,
		},
	}

	p.ImproveContext(retry.KindInsufficientQuality, uc, assessment, 0, 3)

	if uc.FocusCategory != "pacing" {
		t.Errorf("FocusCategory = %q, want %q", uc.FocusCategory, "pacing")
	}
}

func TestNext_RecordsStats(t *testing.T) {
	p := retry.NewPolicy()

	ok, strategy, delay := p.Next(retry.KindAPIError, 1)
	if !ok {
		t.Fatal("expected retry to be allowed")
	}
	if strategy != retry.StrategyExponentialBackoff {
		t.Errorf("strategy = %q, want exponential", strategy)
	}
	if delay <= 0 {
		t.Errorf("delay = %v, want > 0", delay)
	}

	c := p.Stats().Get(retry.KindAPIError, retry.StrategyExponentialBackoff)
	if c.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", c.Attempts)
	}
}

func TestStats_Concurrent(t *testing.T) {
	s := retry.NewStats()
	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 100 {
				s.RecordAttempt(retry.KindTimeout, retry.StrategyAdaptive)
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}
	if c := s.Get(retry.KindTimeout, retry.StrategyAdaptive); c.Attempts != 1000 {
		t.Errorf("attempts = %d, want 1000", c.Attempts)
	}
}

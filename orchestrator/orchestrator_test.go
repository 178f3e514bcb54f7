package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/xraph/folio"
	"github.com/xraph/folio/book"
	"github.com/xraph/folio/continuity"
	"github.com/xraph/folio/generate"
	"github.com/xraph/folio/id"
	"github.com/xraph/folio/orchestrator"
	"github.com/xraph/folio/quality"
	"github.com/xraph/folio/retry"
)

// ──────────────────────────────────────────────────
// Test fakes
// ──────────────────────────────────────────────────

type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*book.Job
	units map[string][]*book.ChapterUnit
}

func newMemStore() *memStore {
	return &memStore{
		jobs:  make(map[string]*book.Job),
		units: make(map[string][]*book.ChapterUnit),
	}
}

func (s *memStore) CreateJob(_ context.Context, j *book.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID.String()]; ok {
		return folio.ErrJobAlreadyExists
	}
	s.jobs[j.ID.String()] = j
	return nil
}

func (s *memStore) GetJob(_ context.Context, jobID id.JobID) (*book.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID.String()]
	if !ok {
		return nil, folio.ErrJobNotFound
	}
	return j, nil
}

func (s *memStore) UpdateJob(_ context.Context, j *book.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID.String()] = j
	return nil
}

func (s *memStore) DeleteJob(_ context.Context, jobID id.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID.String())
	delete(s.units, jobID.String())
	return nil
}

func (s *memStore) ListJobsByState(_ context.Context, state book.State, _ book.ListOpts) ([]*book.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*book.Job
	for _, j := range s.jobs {
		if state == "" || j.State == state {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *memStore) UpsertUnit(_ context.Context, u *book.ChapterUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := u.JobID.String()
	for i, existing := range s.units[key] {
		if existing.Index == u.Index {
			s.units[key][i] = u
			return nil
		}
	}
	s.units[key] = append(s.units[key], u)
	return nil
}

func (s *memStore) ListUnits(_ context.Context, jobID id.JobID) ([]*book.ChapterUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units[jobID.String()], nil
}

func (s *memStore) CountJobs(_ context.Context, state book.State) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if state == "" || j.State == state {
			n++
		}
	}
	return n, nil
}

// stubContinuity hands out fresh contexts and records what completed.
type stubContinuity struct {
	mu       sync.Mutex
	target   int
	recorded []int
}

func (c *stubContinuity) BuildContext(_ context.Context, index int) (*generate.Context, error) {
	return generate.NewContext("", index, c.target), nil
}

func (c *stubContinuity) RecordResult(_ context.Context, index int, _ string, _ *continuity.Analysis) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorded = append(c.recorded, index)
	return nil
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func passGate(score float64) quality.Gate {
	return quality.GateFunc(func(_ context.Context, _ string) (*quality.Assessment, error) {
		return &quality.Assessment{Overall: score, Passed: true}, nil
	})
}

// ──────────────────────────────────────────────────
// Run
// ──────────────────────────────────────────────────

func newTestOrch(t *testing.T, j *book.Job, gen generate.Generator, opts ...func(*setup)) (*orchestrator.Orchestrator, *memStore, *stubContinuity) {
	t.Helper()
	s := &setup{target: j.TargetWords}
	for _, opt := range opts {
		opt(s)
	}

	store := newMemStore()
	cont := &stubContinuity{target: s.target}
	policy := retry.NewPolicy(retry.WithBaseDelay(0))

	var execOpts []orchestrator.ExecutorOption
	if s.gate != nil {
		execOpts = append(execOpts, orchestrator.WithQualityGate(s.gate, 7.0))
	}
	exec := orchestrator.NewExecutor(gen, cont, policy, execOpts...)

	if err := store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return orchestrator.New(j, store, exec, policy, cont), store, cont
}

type setup struct {
	target int
	gate   quality.Gate
}

func withGate(g quality.Gate) func(*setup) { return func(s *setup) { s.gate = g } }

func TestRun_CompletesAllUnits(t *testing.T) {
	j := book.NewJob("u1", "Test Book", book.WithUnitCount(3), book.WithTargetWords(10))

	var calls int
	gen := generate.Func(func(_ context.Context, uc *generate.Context) (*generate.Result, error) {
		calls++
		return &generate.Result{
			Content: words(uc.TargetWords),
			Usage:   generate.Usage{InputUnits: 100, OutputUnits: 200},
		}, nil
	})

	o, _, cont := newTestOrch(t, j, gen)
	got, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got.State != book.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if calls != 3 {
		t.Errorf("generator calls = %d, want 3", calls)
	}
	if got.Progress.UnitsCompleted != 3 {
		t.Errorf("units completed = %d, want 3", got.Progress.UnitsCompleted)
	}
	if got.Progress.WordsWritten != 30 {
		t.Errorf("words written = %d, want 30", got.Progress.WordsWritten)
	}
	if got.NextIndex != 4 {
		t.Errorf("next index = %d, want 4", got.NextIndex)
	}
	if got.CompletedAt == nil {
		t.Error("completed job should have CompletedAt set")
	}
	if fmt.Sprint(cont.recorded) != "[1 2 3]" {
		t.Errorf("continuity recorded %v, want [1 2 3]", cont.recorded)
	}
	for _, u := range got.Units {
		if u.State != book.UnitCompleted {
			t.Errorf("unit %d state = %s, want completed", u.Index, u.State)
		}
	}
}

func TestRun_FailedUnitStopsLaterUnits(t *testing.T) {
	j := book.NewJob("u1", "Test Book", book.WithUnitCount(3), book.WithTargetWords(10))

	var attempted []int
	gen := generate.Func(func(_ context.Context, uc *generate.Context) (*generate.Result, error) {
		attempted = append(attempted, uc.UnitIndex)
		if uc.UnitIndex == 2 {
			return nil, errors.New("fatal: model meltdown")
		}
		return &generate.Result{Content: words(uc.TargetWords)}, nil
	})

	o, _, _ := newTestOrch(t, j, gen)
	got, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got.State != book.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	for _, idx := range attempted {
		if idx == 3 {
			t.Error("unit 3 was attempted after unit 2 failed")
		}
	}
	if got.Error == "" {
		t.Error("failed job should carry an error message")
	}
	u2 := got.Unit(2)
	if u2 == nil || u2.State != book.UnitFailed {
		t.Errorf("unit 2 state = %v, want failed", u2)
	}
}

func TestRun_RetryThenSuccess(t *testing.T) {
	j := book.NewJob("u1", "Test Book", book.WithUnitCount(1), book.WithTargetWords(10))

	var calls int
	gen := generate.Func(func(_ context.Context, uc *generate.Context) (*generate.Result, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("rate limit exceeded")
		}
		return &generate.Result{Content: words(uc.TargetWords)}, nil
	})

	o, _, _ := newTestOrch(t, j, gen)
	got, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got.State != book.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if calls != 2 {
		t.Errorf("generator calls = %d, want 2", calls)
	}

	u := got.Unit(1)
	if len(u.Attempts) < 1 {
		t.Fatalf("attempts = %d, want >= 1", len(u.Attempts))
	}
	if u.Attempts[0].Kind != retry.KindAPIError {
		t.Errorf("first attempt kind = %s, want api_error", u.Attempts[0].Kind)
	}
	last := u.Attempts[len(u.Attempts)-1]
	if !last.Succeeded {
		t.Error("final attempt should be recorded as succeeded")
	}
}

func TestRun_RetriesExhaustedFailsJob(t *testing.T) {
	j := book.NewJob("u1", "Test Book", book.WithUnitCount(1), book.WithTargetWords(10))

	var calls int
	gen := generate.Func(func(_ context.Context, _ *generate.Context) (*generate.Result, error) {
		calls++
		return nil, errors.New("request timed out")
	})

	o, _, _ := newTestOrch(t, j, gen)
	got, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got.State != book.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	// 3 max retries means attempts 1, 2, 3 run and attempt 4 is refused.
	if calls != 3 {
		t.Errorf("generator calls = %d, want 3", calls)
	}
}

func TestRun_CriticalFailureNeverRetries(t *testing.T) {
	j := book.NewJob("u1", "Test Book", book.WithUnitCount(1), book.WithTargetWords(10))

	var calls int
	gen := generate.Func(func(_ context.Context, _ *generate.Context) (*generate.Result, error) {
		calls++
		return nil, errors.New("critical: invalid API key")
	})

	o, _, _ := newTestOrch(t, j, gen)
	got, _ := o.Run(context.Background())

	if got.State != book.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if calls != 1 {
		t.Errorf("generator calls = %d, want 1", calls)
	}
}

func TestRun_AlreadyStarted(t *testing.T) {
	j := book.NewJob("u1", "Test Book", book.WithUnitCount(1), book.WithTargetWords(10))
	j.State = book.StateCompleted

	gen := generate.Func(func(_ context.Context, _ *generate.Context) (*generate.Result, error) {
		return &generate.Result{Content: "x"}, nil
	})

	o, _, _ := newTestOrch(t, j, gen)
	_, err := o.Run(context.Background())
	if !errors.Is(err, folio.ErrJobAlreadyStarted) {
		t.Errorf("err = %v, want ErrJobAlreadyStarted", err)
	}
}

// ──────────────────────────────────────────────────
// Pause / Resume / Cancel
// ──────────────────────────────────────────────────

func TestPauseResume(t *testing.T) {
	j := book.NewJob("u1", "Test Book", book.WithUnitCount(3), book.WithTargetWords(10))

	var o *orchestrator.Orchestrator
	gen := generate.Func(func(_ context.Context, uc *generate.Context) (*generate.Result, error) {
		if uc.UnitIndex == 1 {
			// Request a pause mid-unit; the unit in flight must still
			// finish before the job pauses.
			if err := o.Pause(); err != nil {
				t.Errorf("Pause: %v", err)
			}
		}
		return &generate.Result{Content: words(uc.TargetWords)}, nil
	})

	o, _, _ = newTestOrch(t, j, gen)
	got, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got.State != book.StatePaused {
		t.Fatalf("state = %s, want paused", got.State)
	}
	if got.Progress.UnitsCompleted != 1 {
		t.Errorf("units completed at pause = %d, want 1", got.Progress.UnitsCompleted)
	}
	if got.NextIndex != 2 {
		t.Errorf("next index = %d, want 2", got.NextIndex)
	}

	if err := o.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got, err = o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run after resume: %v", err)
	}
	if got.State != book.StateCompleted {
		t.Fatalf("state after resume = %s, want completed", got.State)
	}
	if got.Progress.UnitsCompleted != 3 {
		t.Errorf("units completed = %d, want 3", got.Progress.UnitsCompleted)
	}
}

func TestCancelStopsAtUnitBoundary(t *testing.T) {
	j := book.NewJob("u1", "Test Book", book.WithUnitCount(3), book.WithTargetWords(10))

	var o *orchestrator.Orchestrator
	var attempted []int
	gen := generate.Func(func(ctx context.Context, uc *generate.Context) (*generate.Result, error) {
		attempted = append(attempted, uc.UnitIndex)
		if uc.UnitIndex == 2 {
			if err := o.Cancel(ctx); err != nil {
				t.Errorf("Cancel: %v", err)
			}
		}
		return &generate.Result{Content: words(uc.TargetWords)}, nil
	})

	o, _, _ = newTestOrch(t, j, gen)
	got, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got.State != book.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}
	for _, idx := range attempted {
		if idx == 3 {
			t.Error("unit 3 attempted after cancel")
		}
	}
}

func TestCancelPausedJob(t *testing.T) {
	j := book.NewJob("u1", "Test Book", book.WithUnitCount(2), book.WithTargetWords(10))

	var o *orchestrator.Orchestrator
	gen := generate.Func(func(_ context.Context, uc *generate.Context) (*generate.Result, error) {
		if uc.UnitIndex == 1 {
			_ = o.Pause()
		}
		return &generate.Result{Content: words(uc.TargetWords)}, nil
	})

	o, _, _ = newTestOrch(t, j, gen)
	got, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.State != book.StatePaused {
		t.Fatalf("state = %s, want paused", got.State)
	}

	if err := o.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel paused job: %v", err)
	}
	if got.State != book.StateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}
}

func TestCancelBeforeRun(t *testing.T) {
	j := book.NewJob("u1", "Test Book", book.WithUnitCount(2), book.WithTargetWords(10))

	var attempts int
	gen := generate.Func(func(_ context.Context, _ *generate.Context) (*generate.Result, error) {
		attempts++
		return &generate.Result{Content: words(10)}, nil
	})
	o, _, _ := newTestOrch(t, j, gen)

	// Cancel lands before Run starts; the run must finalize without
	// attempting any unit.
	if err := o.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel before run: %v", err)
	}
	got, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.State != book.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}
	if attempts != 0 {
		t.Errorf("generator called %d times, want 0", attempts)
	}
}

func TestPauseInvalidState(t *testing.T) {
	j := book.NewJob("u1", "Test Book")
	gen := generate.Func(func(_ context.Context, _ *generate.Context) (*generate.Result, error) {
		return nil, nil
	})
	o, _, _ := newTestOrch(t, j, gen)

	if err := o.Pause(); !errors.Is(err, folio.ErrInvalidState) {
		t.Errorf("Pause on not_started: err = %v, want ErrInvalidState", err)
	}
	if err := o.Resume(); !errors.Is(err, folio.ErrInvalidState) {
		t.Errorf("Resume on not_started: err = %v, want ErrInvalidState", err)
	}
}

// ──────────────────────────────────────────────────
// Transitions
// ──────────────────────────────────────────────────

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to book.State
		want     bool
	}{
		{book.StateNotStarted, book.StateInitializing, true},
		{book.StateNotStarted, book.StateCancelled, true},
		{book.StateNotStarted, book.StateGenerating, false},
		{book.StateInitializing, book.StateGenerating, true},
		{book.StateGenerating, book.StatePaused, true},
		{book.StateGenerating, book.StateCompleted, true},
		{book.StatePaused, book.StateGenerating, true},
		{book.StatePaused, book.StateCancelled, true},
		{book.StatePaused, book.StateFailed, false},
		{book.StateCompleted, book.StateGenerating, false},
		{book.StateCancelled, book.StateGenerating, false},
		{book.StateFailed, book.StateGenerating, false},
		{book.StateRetrying, book.StateGenerating, true},
	}
	for _, tt := range tests {
		if got := orchestrator.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

// ──────────────────────────────────────────────────
// Executor
// ──────────────────────────────────────────────────

func TestExecutor_RevisionPassOnGateReject(t *testing.T) {
	j := book.NewJob("u1", "Test Book", book.WithUnitCount(1), book.WithTargetWords(10))

	var genCalls, gateCalls int
	gen := generate.Func(func(_ context.Context, uc *generate.Context) (*generate.Result, error) {
		genCalls++
		return &generate.Result{
			Content: words(uc.TargetWords),
			Usage:   generate.Usage{OutputUnits: 50},
		}, nil
	})
	gate := quality.GateFunc(func(_ context.Context, _ string) (*quality.Assessment, error) {
		gateCalls++
		if gateCalls == 1 {
			return &quality.Assessment{
				Overall:    5.0,
				Passed:     false,
				Categories: map[string]float64{"prose": 5.0, "pacing": 8.0},
			}, nil
		}
		return &quality.Assessment{Overall: 8.5, Passed: true}, nil
	})

	o, _, _ := newTestOrch(t, j, gen, withGate(gate))
	got, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got.State != book.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if genCalls != 2 {
		t.Errorf("generator calls = %d, want 2 (initial + one revision)", genCalls)
	}
	if gateCalls != 2 {
		t.Errorf("gate calls = %d, want 2", gateCalls)
	}

	u := got.Unit(1)
	if u.QualityScore == nil || *u.QualityScore != 8.5 {
		t.Errorf("quality score = %v, want 8.5", u.QualityScore)
	}
}

func TestExecutor_WordCountTolerance(t *testing.T) {
	j := book.NewJob("u1", "Test Book", book.WithUnitCount(1), book.WithTargetWords(100))

	var calls int
	gen := generate.Func(func(_ context.Context, uc *generate.Context) (*generate.Result, error) {
		calls++
		if calls <= 2 {
			// 50 words against a 100-word target is outside the 30%
			// tolerance band.
			return &generate.Result{Content: words(50)}, nil
		}
		return &generate.Result{Content: words(95)}, nil
	})

	o, _, _ := newTestOrch(t, j, gen, withGate(passGate(9.0)))
	got, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got.State != book.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	u := got.Unit(1)
	if u.WordCount != 95 {
		t.Errorf("word count = %d, want 95", u.WordCount)
	}
	if len(u.Attempts) == 0 {
		t.Fatal("expected recorded attempts for the short drafts")
	}
	if u.Attempts[0].Kind != retry.KindWordCount {
		t.Errorf("first attempt kind = %s, want word_count", u.Attempts[0].Kind)
	}
}

func TestExecutor_EmptyContentIsCritical(t *testing.T) {
	j := book.NewJob("u1", "Test Book", book.WithUnitCount(1), book.WithTargetWords(10))

	var calls int
	gen := generate.Func(func(_ context.Context, _ *generate.Context) (*generate.Result, error) {
		calls++
		return &generate.Result{Content: ""}, nil
	})

	o, _, _ := newTestOrch(t, j, gen)
	got, _ := o.Run(context.Background())

	if got.State != book.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if calls != 1 {
		t.Errorf("generator calls = %d, want 1 (empty content is critical)", calls)
	}
}

package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/folio/book"
	"github.com/xraph/folio/engine"
	"github.com/xraph/folio/generate"
	"github.com/xraph/folio/id"
	"github.com/xraph/folio/ledger"
	"github.com/xraph/folio/pricing"
	"github.com/xraph/folio/store/memory"
)

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func testCalculator() *pricing.Calculator {
	table := pricing.NewTable(pricing.ModelPricing{
		Provider:    "openai",
		Model:       "gpt-4o",
		InputPer1K:  0.005,
		OutputPer1K: 0.015,
	})
	return pricing.NewCalculator(table)
}

// goodGenerator produces on-target content with fixed usage per unit.
func goodGenerator(target int) generate.Generator {
	return generate.Func(func(_ context.Context, _ *generate.Context) (*generate.Result, error) {
		return &generate.Result{
			Content: words(target),
			Usage:   generate.Usage{InputUnits: 1000, OutputUnits: 500},
		}, nil
	})
}

func newEngine(t *testing.T, gen generate.Generator, opts ...engine.Option) *engine.Engine {
	t.Helper()

	opts = append([]engine.Option{engine.WithPricing(testCalculator())}, opts...)
	eng, err := engine.New(memory.New(), gen, opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func TestEngineRunsBookEndToEnd(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, goodGenerator(30))

	if _, err := eng.AddCredits(ctx, "u1", 1000, "purchase", ""); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}

	j, err := eng.CreateBook(ctx, "u1", "End to End",
		book.WithUnitCount(3),
		book.WithTargetWords(30),
		book.WithProvider("openai", "gpt-4o"),
	)
	if err != nil {
		t.Fatalf("CreateBook: %v", err)
	}
	if err := eng.StartBook(ctx, j.ID); err != nil {
		t.Fatalf("StartBook: %v", err)
	}

	final, err := eng.Wait(ctx, j.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.State != book.StateCompleted {
		t.Fatalf("state = %s, want completed (error: %s)", final.State, final.Error)
	}
	if final.Progress.UnitsCompleted != 3 {
		t.Errorf("units completed = %d, want 3", final.Progress.UnitsCompleted)
	}

	// Actual usage is 3 units of 1000 input + 500 output at gpt-4o
	// rates with the default 5x markup: ceil(0.0375 * 5 * 100) = 19.
	bal, err := eng.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Credits != 981 {
		t.Errorf("balance = %d, want 981", bal.Credits)
	}

	txns, err := eng.Transactions(ctx, "u1", ledger.ListOpts{Type: ledger.TypeProvisionalDebit})
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 1 || txns[0].Status != ledger.StatusCompleted || txns[0].Amount != 19 {
		t.Errorf("hold settlement: %+v", txns)
	}
}

func TestStatusPollingDuringRun(t *testing.T) {
	ctx := context.Background()

	slow := generate.Func(func(_ context.Context, _ *generate.Context) (*generate.Result, error) {
		time.Sleep(time.Millisecond)
		return &generate.Result{
			Content: words(30),
			Usage:   generate.Usage{InputUnits: 1000, OutputUnits: 500},
		}, nil
	})
	eng := newEngine(t, slow)

	if _, err := eng.AddCredits(ctx, "u1", 1000, "purchase", ""); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	j, err := eng.CreateBook(ctx, "u1", "Status Poll",
		book.WithUnitCount(4),
		book.WithTargetWords(30),
		book.WithProvider("openai", "gpt-4o"),
	)
	if err != nil {
		t.Fatalf("CreateBook: %v", err)
	}
	if err := eng.StartBook(ctx, j.ID); err != nil {
		t.Fatalf("StartBook: %v", err)
	}

	// Poll status while the job runs; every snapshot must be a
	// consistent copy and mutating it must not disturb the run.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	var badState atomic.Value
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap, err := eng.Status(ctx, j.ID)
			if err != nil {
				continue
			}
			switch snap.State {
			case book.StateFailed, book.StateCancelled:
				badState.Store(string(snap.State))
			}
			snap.State = book.StateFailed
			snap.Progress.WordsWritten = -1
		}
	}()

	final, err := eng.Wait(ctx, j.ID)
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if s := badState.Load(); s != nil {
		t.Errorf("status poll observed %s on a healthy run", s)
	}
	if final.State != book.StateCompleted {
		t.Fatalf("state = %s, want completed", final.State)
	}
	if final.Progress.UnitsCompleted != 4 {
		t.Errorf("units completed = %d, want 4", final.Progress.UnitsCompleted)
	}
}

func TestStartBookInsufficientCredits(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, goodGenerator(30))

	j, err := eng.CreateBook(ctx, "broke", "No Funds",
		book.WithUnitCount(3),
		book.WithTargetWords(3000),
		book.WithProvider("openai", "gpt-4o"),
	)
	if err != nil {
		t.Fatal(err)
	}

	var ice *ledger.InsufficientCreditsError
	if err := eng.StartBook(ctx, j.ID); !errors.As(err, &ice) {
		t.Fatalf("StartBook err = %v, want InsufficientCreditsError", err)
	}

	// Nothing ran and nothing was held.
	got, err := eng.Status(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != book.StateNotStarted {
		t.Errorf("state = %s, want not_started", got.State)
	}
}

func TestEngineUnknownModelRunsUnbilled(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, goodGenerator(30))

	j, err := eng.CreateBook(ctx, "u1", "Mystery Model",
		book.WithUnitCount(2),
		book.WithTargetWords(30),
		book.WithProvider("acme", "mystery-1"),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.StartBook(ctx, j.ID); err != nil {
		t.Fatalf("StartBook: %v", err)
	}

	final, err := eng.Wait(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != book.StateCompleted {
		t.Fatalf("state = %s, want completed", final.State)
	}

	txns, err := eng.Transactions(ctx, "u1", ledger.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 0 {
		t.Errorf("expected no ledger activity for unpriced model, got %+v", txns)
	}
}

func TestEngineCancelVoidsHold(t *testing.T) {
	ctx := context.Background()

	var started sync.Once
	startedCh := make(chan struct{})
	gen := generate.Func(func(gctx context.Context, uc *generate.Context) (*generate.Result, error) {
		if uc.UnitIndex == 1 {
			return &generate.Result{
				Content: words(30),
				Usage:   generate.Usage{InputUnits: 1000, OutputUnits: 500},
			}, nil
		}
		started.Do(func() { close(startedCh) })
		<-gctx.Done()
		return nil, gctx.Err()
	})

	eng := newEngine(t, gen)
	if _, err := eng.AddCredits(ctx, "u1", 1000, "purchase", ""); err != nil {
		t.Fatal(err)
	}

	j, err := eng.CreateBook(ctx, "u1", "Cancelled Book",
		book.WithUnitCount(3),
		book.WithTargetWords(30),
		book.WithProvider("openai", "gpt-4o"),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.StartBook(ctx, j.ID); err != nil {
		t.Fatal(err)
	}

	select {
	case <-startedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("generator never reached unit 2")
	}
	if err := eng.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	final, err := eng.Wait(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != book.StateCancelled {
		t.Fatalf("state = %s, want cancelled", final.State)
	}

	// The hold is voided, never finalized: balance untouched.
	bal, err := eng.Balance(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if bal.Credits != 1000 {
		t.Errorf("balance = %d, want 1000", bal.Credits)
	}
	voided, err := eng.Transactions(ctx, "u1", ledger.ListOpts{Status: ledger.StatusVoid})
	if err != nil {
		t.Fatal(err)
	}
	if len(voided) != 1 {
		t.Errorf("voided txns = %d, want 1", len(voided))
	}
}

func TestEnginePauseResume(t *testing.T) {
	ctx := context.Background()

	var eng *engine.Engine
	var jobID id.JobID
	var pauseOnce sync.Once
	gen := generate.Func(func(_ context.Context, uc *generate.Context) (*generate.Result, error) {
		if uc.UnitIndex == 1 && uc.RetryAttempt == 0 {
			pauseOnce.Do(func() {
				if err := eng.Pause(jobID); err != nil {
					panic(err)
				}
			})
		}
		return &generate.Result{
			Content: words(30),
			Usage:   generate.Usage{InputUnits: 1000, OutputUnits: 500},
		}, nil
	})

	eng = newEngine(t, gen)
	if _, err := eng.AddCredits(ctx, "u1", 1000, "purchase", ""); err != nil {
		t.Fatal(err)
	}

	j, err := eng.CreateBook(ctx, "u1", "Paused Book",
		book.WithUnitCount(2),
		book.WithTargetWords(30),
		book.WithProvider("openai", "gpt-4o"),
	)
	if err != nil {
		t.Fatal(err)
	}
	jobID = j.ID

	if err := eng.StartBook(ctx, j.ID); err != nil {
		t.Fatal(err)
	}

	paused, err := eng.Wait(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if paused.State != book.StatePaused {
		t.Fatalf("state = %s, want paused", paused.State)
	}
	if paused.NextIndex != 2 {
		t.Errorf("next index = %d, want 2", paused.NextIndex)
	}

	// The hold stays pending across the pause.
	pending, err := eng.Transactions(ctx, "u1", ledger.ListOpts{Status: ledger.StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending holds = %d, want 1", len(pending))
	}

	if err := eng.Resume(ctx, j.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	final, err := eng.Wait(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != book.StateCompleted {
		t.Fatalf("state = %s, want completed (error: %s)", final.State, final.Error)
	}
	bal, _ := eng.Balance(ctx, "u1")
	if bal.Credits >= 1000 {
		t.Errorf("balance = %d, want a deduction after settlement", bal.Credits)
	}
}

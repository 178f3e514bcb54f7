package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/xraph/folio"
	"github.com/xraph/folio/book"
	"github.com/xraph/folio/id"
	"github.com/xraph/folio/ledger"
	"github.com/xraph/folio/retry"
	"github.com/xraph/folio/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()

	db, err := sql.Open("sqlite", "file::memory:?_txlock=immediate")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// A single in-memory database per connection; keep one connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	s := sqlite.New(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestJobRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j := book.NewJob("u1", "Durable Book",
		book.WithUnitCount(3),
		book.WithTargetWords(2500),
		book.WithProvider("openai", "gpt-4o"),
	)
	j.Progress.UnitsCompleted = 1
	j.Progress.WordsWritten = 2400

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(ctx, j); !errors.Is(err, folio.ErrJobAlreadyExists) {
		t.Errorf("duplicate CreateJob err = %v, want ErrJobAlreadyExists", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Title != j.Title || got.Provider != "openai" || got.TargetWords != 2500 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Progress.WordsWritten != 2400 {
		t.Errorf("progress words = %d, want 2400", got.Progress.WordsWritten)
	}

	j.State = book.StateGenerating
	j.NextIndex = 2
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	got, _ = s.GetJob(ctx, j.ID)
	if got.State != book.StateGenerating || got.NextIndex != 2 {
		t.Errorf("after update: state=%s next=%d", got.State, got.NextIndex)
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, folio.ErrJobNotFound) {
		t.Errorf("missing job err = %v, want ErrJobNotFound", err)
	}
}

func TestUnitUpsertAndAttempts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j := book.NewJob("u1", "Book")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	score := 8.5
	u := &book.ChapterUnit{
		Entity:       folio.NewEntity(),
		ID:           id.NewUnitID(),
		JobID:        j.ID,
		Index:        1,
		State:        book.UnitCompleted,
		QualityScore: &score,
		WordCount:    2800,
		Attempts: []retry.Attempt{
			{Number: 1, Kind: retry.KindTimeout, Strategy: retry.StrategyAdaptive},
			{Number: 2, Succeeded: true},
		},
	}
	if err := s.UpsertUnit(ctx, u); err != nil {
		t.Fatalf("UpsertUnit: %v", err)
	}

	units, err := s.ListUnits(ctx, j.ID)
	if err != nil {
		t.Fatalf("ListUnits: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("len(units) = %d, want 1", len(units))
	}
	got := units[0]
	if got.QualityScore == nil || *got.QualityScore != 8.5 {
		t.Errorf("quality score = %v, want 8.5", got.QualityScore)
	}
	if len(got.Attempts) != 2 || got.Attempts[0].Kind != retry.KindTimeout {
		t.Errorf("attempts round trip: %+v", got.Attempts)
	}

	// Same index upserts in place.
	u.WordCount = 3000
	if err := s.UpsertUnit(ctx, u); err != nil {
		t.Fatal(err)
	}
	units, _ = s.ListUnits(ctx, j.ID)
	if len(units) != 1 || units[0].WordCount != 3000 {
		t.Errorf("upsert did not replace: %+v", units)
	}
}

func TestListJobsByStateAndCount(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j := book.NewJob("u1", "Book")
		if i == 2 {
			j.State = book.StateCompleted
		}
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := s.ListJobsByState(ctx, book.StateNotStarted, book.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Errorf("not_started = %d, want 2", len(jobs))
	}

	n, err := s.CountJobs(ctx, book.StateCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("completed count = %d, want 1", n)
	}
}

func TestLedgerThroughService(t *testing.T) {
	s := newStore(t)
	svc := ledger.NewService(s)
	ctx := context.Background()

	if _, err := svc.AddCredits(ctx, "u1", 1000, "purchase", "order-1"); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	// Idempotent replay.
	if _, err := svc.AddCredits(ctx, "u1", 1000, "purchase", "order-1"); err != nil {
		t.Fatalf("AddCredits replay: %v", err)
	}
	bal, _ := svc.GetBalance(ctx, "u1")
	if bal.Credits != 1000 {
		t.Errorf("balance = %d, want 1000", bal.Credits)
	}

	hold, err := svc.ProvisionalDebit(ctx, "u1", 400, "job", "")
	if err != nil {
		t.Fatalf("ProvisionalDebit: %v", err)
	}
	if _, err := svc.FinalizeProvisionalDebit(ctx, "u1", hold.ID, 350); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	bal, _ = svc.GetBalance(ctx, "u1")
	if bal.Credits != 650 {
		t.Errorf("balance = %d, want 650", bal.Credits)
	}

	var sce *ledger.StateConflictError
	if _, err := svc.VoidProvisionalDebit(ctx, "u1", hold.ID, "late"); !errors.As(err, &sce) {
		t.Errorf("void after finalize err = %v, want StateConflictError", err)
	}

	txns, err := svc.ListTransactions(ctx, "u1", ledger.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 2 {
		t.Errorf("txns = %d, want 2", len(txns))
	}
}

func TestMutateRollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Mutate(ctx, "u1", func(tx ledger.AccountTx) error {
		if err := tx.SetBalance(777); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Mutate err = %v, want boom", err)
	}

	bal, err := s.GetBalance(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if bal.Credits != 0 {
		t.Errorf("balance = %d, want 0 after rollback", bal.Credits)
	}
}

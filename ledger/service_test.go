package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/xraph/folio/id"
	"github.com/xraph/folio/ledger"
	"github.com/xraph/folio/store/memory"
)

func newService(t *testing.T, opts ...ledger.ServiceOption) *ledger.Service {
	t.Helper()
	return ledger.NewService(memory.New(), opts...)
}

func TestAddAndDeduct(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.AddCredits(ctx, "u1", 1000, "purchase", ""); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	txn, err := svc.DeductCredits(ctx, "u1", 300, "job", "")
	if err != nil {
		t.Fatalf("DeductCredits: %v", err)
	}
	if txn.BalanceAfter == nil || *txn.BalanceAfter != 700 {
		t.Errorf("balance after = %v, want 700", txn.BalanceAfter)
	}

	bal, _ := svc.GetBalance(ctx, "u1")
	if bal.Credits != 700 {
		t.Errorf("balance = %d, want 700", bal.Credits)
	}
}

func TestDeduct_InsufficientIsAllOrNothing(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.AddCredits(ctx, "u1", 100, "purchase", ""); err != nil {
		t.Fatal(err)
	}

	_, err := svc.DeductCredits(ctx, "u1", 200, "job", "")
	var ice *ledger.InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("err = %v, want InsufficientCreditsError", err)
	}
	if ice.Required != 200 || ice.Available != 100 {
		t.Errorf("error detail = %+v", ice)
	}

	bal, _ := svc.GetBalance(ctx, "u1")
	if bal.Credits != 100 {
		t.Errorf("balance = %d, want 100 (unchanged)", bal.Credits)
	}
}

func TestConcurrentMutationsNeverLoseUpdates(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.AddCredits(ctx, "u1", 10_000, "seed", ""); err != nil {
		t.Fatal(err)
	}

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.DeductCredits(ctx, "u1", 10, "tick", ""); err != nil {
				t.Errorf("DeductCredits: %v", err)
			}
			if _, err := svc.AddCredits(ctx, "u1", 5, "tock", ""); err != nil {
				t.Errorf("AddCredits: %v", err)
			}
		}()
	}
	wg.Wait()

	bal, _ := svc.GetBalance(ctx, "u1")
	want := int64(10_000 - workers*10 + workers*5)
	if bal.Credits != want {
		t.Errorf("balance = %d, want %d", bal.Credits, want)
	}
}

func TestDedupKeyIsIdempotent(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	first, err := svc.AddCredits(ctx, "u1", 500, "purchase", "order-42")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.AddCredits(ctx, "u1", 500, "purchase", "order-42")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("dedup returned a new transaction: %s vs %s", first.ID, second.ID)
	}

	bal, _ := svc.GetBalance(ctx, "u1")
	if bal.Credits != 500 {
		t.Errorf("balance = %d, want 500 (credited once)", bal.Credits)
	}
}

func TestProvisionalHoldLifecycle(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.AddCredits(ctx, "u1", 1000, "purchase", ""); err != nil {
		t.Fatal(err)
	}

	hold, err := svc.ProvisionalDebit(ctx, "u1", 400, "job estimate", "")
	if err != nil {
		t.Fatalf("ProvisionalDebit: %v", err)
	}
	if hold.Status != ledger.StatusPending {
		t.Errorf("hold status = %s, want pending", hold.Status)
	}

	// The hold reserves nothing; balance is untouched until finalize.
	bal, _ := svc.GetBalance(ctx, "u1")
	if bal.Credits != 1000 {
		t.Errorf("balance with pending hold = %d, want 1000", bal.Credits)
	}

	// Finalize with a different (actual) amount.
	settled, err := svc.FinalizeProvisionalDebit(ctx, "u1", hold.ID, 350)
	if err != nil {
		t.Fatalf("FinalizeProvisionalDebit: %v", err)
	}
	if settled.Status != ledger.StatusCompleted || settled.Amount != 350 {
		t.Errorf("settled = %s/%d, want completed/350", settled.Status, settled.Amount)
	}
	bal, _ = svc.GetBalance(ctx, "u1")
	if bal.Credits != 650 {
		t.Errorf("balance = %d, want 650", bal.Credits)
	}
}

func TestFinalizeAndVoidAreMutuallyExclusive(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.AddCredits(ctx, "u1", 1000, "purchase", ""); err != nil {
		t.Fatal(err)
	}
	hold, err := svc.ProvisionalDebit(ctx, "u1", 400, "job", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.FinalizeProvisionalDebit(ctx, "u1", hold.ID, 400); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	_, err = svc.VoidProvisionalDebit(ctx, "u1", hold.ID, "too late")
	var sce *ledger.StateConflictError
	if !errors.As(err, &sce) {
		t.Fatalf("void after finalize err = %v, want StateConflictError", err)
	}

	// A second finalize is also refused.
	if _, err := svc.FinalizeProvisionalDebit(ctx, "u1", hold.ID, 400); !errors.As(err, &sce) {
		t.Errorf("double finalize err = %v, want StateConflictError", err)
	}

	bal, _ := svc.GetBalance(ctx, "u1")
	if bal.Credits != 600 {
		t.Errorf("balance = %d, want 600 (charged once)", bal.Credits)
	}
}

func TestVoidReleasesWithoutBalanceEffect(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.AddCredits(ctx, "u1", 1000, "purchase", ""); err != nil {
		t.Fatal(err)
	}
	hold, err := svc.ProvisionalDebit(ctx, "u1", 400, "job", "")
	if err != nil {
		t.Fatal(err)
	}

	voided, err := svc.VoidProvisionalDebit(ctx, "u1", hold.ID, "job cancelled")
	if err != nil {
		t.Fatalf("VoidProvisionalDebit: %v", err)
	}
	if voided.Status != ledger.StatusVoid {
		t.Errorf("status = %s, want void", voided.Status)
	}

	bal, _ := svc.GetBalance(ctx, "u1")
	if bal.Credits != 1000 {
		t.Errorf("balance = %d, want 1000", bal.Credits)
	}
}

func TestFinalizeInsufficientLeavesHoldPending(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.AddCredits(ctx, "u1", 300, "purchase", ""); err != nil {
		t.Fatal(err)
	}
	hold, err := svc.ProvisionalDebit(ctx, "u1", 200, "job", "")
	if err != nil {
		t.Fatal(err)
	}

	// Actual usage exceeded both the estimate and the balance.
	_, err = svc.FinalizeProvisionalDebit(ctx, "u1", hold.ID, 500)
	var ice *ledger.InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("err = %v, want InsufficientCreditsError", err)
	}

	// The hold survives the failed finalize so the caller can void it
	// or settle a smaller amount.
	got, err := svc.GetTransaction(ctx, hold.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ledger.StatusPending {
		t.Errorf("hold status = %s, want pending", got.Status)
	}

	if _, err := svc.FinalizeProvisionalDebit(ctx, "u1", hold.ID, 300); err != nil {
		t.Fatalf("smaller finalize: %v", err)
	}
}

func TestOverdraftPermitsNegativeBalance(t *testing.T) {
	svc := newService(t, ledger.WithOverdraft())
	ctx := context.Background()

	if _, err := svc.DeductCredits(ctx, "u1", 100, "job", ""); err != nil {
		t.Fatalf("overdraft deduct: %v", err)
	}
	bal, _ := svc.GetBalance(ctx, "u1")
	if bal.Credits != -100 {
		t.Errorf("balance = %d, want -100", bal.Credits)
	}
}

func TestListTransactionsNewestFirstWithFilters(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.AddCredits(ctx, "u1", 1000, "purchase", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.DeductCredits(ctx, "u1", 100, "job-a", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ProvisionalDebit(ctx, "u1", 50, "job-b", ""); err != nil {
		t.Fatal(err)
	}

	all, err := svc.ListTransactions(ctx, "u1", ledger.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}

	debits, _ := svc.ListTransactions(ctx, "u1", ledger.ListOpts{Type: ledger.TypeDebit})
	if len(debits) != 1 || debits[0].Reason != "job-a" {
		t.Errorf("debit filter = %+v", debits)
	}

	pending, _ := svc.ListTransactions(ctx, "u1", ledger.ListOpts{Status: ledger.StatusPending})
	if len(pending) != 1 || pending[0].Reason != "job-b" {
		t.Errorf("pending filter = %+v", pending)
	}
}

func TestInvalidAmounts(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.AddCredits(ctx, "u1", 0, "x", ""); err == nil {
		t.Error("AddCredits(0) should fail")
	}
	if _, err := svc.DeductCredits(ctx, "u1", -5, "x", ""); err == nil {
		t.Error("DeductCredits(-5) should fail")
	}
	if _, err := svc.ProvisionalDebit(ctx, "u1", 0, "x", ""); err == nil {
		t.Error("ProvisionalDebit(0) should fail")
	}
	if _, err := svc.FinalizeProvisionalDebit(ctx, "u1", id.Nil, -1); err == nil {
		t.Error("negative finalize should fail")
	}
}

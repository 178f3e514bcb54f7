package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/folio"
	"github.com/xraph/folio/id"
)

// Service implements the credit ledger operations over a Store. All
// mutating calls run inside a single isolated read-modify-write; ledger
// errors (insufficient credits, state conflicts) surface synchronously
// and abort the call. They are never silently degraded.
type Service struct {
	store          Store
	logger         *slog.Logger
	allowOverdraft bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the structured logger for the service.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithOverdraft permits balances to go negative on debits and
// finalizations. Off by default.
func WithOverdraft() ServiceOption {
	return func(s *Service) { s.allowOverdraft = true }
}

// NewService creates a ledger Service backed by store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetBalance returns the user's current balance. Untouched accounts
// report zero credits.
func (s *Service) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return s.store.GetBalance(ctx, userID)
}

// ListTransactions returns the user's transaction log, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string, opts ListOpts) ([]*Transaction, error) {
	return s.store.ListTransactions(ctx, userID, opts)
}

// GetTransaction returns one transaction by ID.
func (s *Service) GetTransaction(ctx context.Context, txnID id.TxnID) (*Transaction, error) {
	return s.store.GetTransaction(ctx, txnID)
}

// AddCredits atomically credits the user's balance. A non-empty
// dedupKey makes the call idempotent: if a prior transaction carries the
// key, that transaction is returned and no new ledger effect occurs.
func (s *Service) AddCredits(ctx context.Context, userID string, amount int64, reason, dedupKey string) (*Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("ledger: add credits amount %d, must be > 0", amount)
	}

	var out *Transaction
	err := s.store.Mutate(ctx, userID, func(tx AccountTx) error {
		if prior, err := s.dedup(tx, dedupKey); err != nil {
			return err
		} else if prior != nil {
			out = prior
			return nil
		}

		bal, err := tx.Balance()
		if err != nil {
			return err
		}

		newBalance := bal.Credits + amount
		if err := tx.SetBalance(newBalance); err != nil {
			return err
		}

		out = s.settledTxn(userID, amount, TypeCredit, reason, dedupKey, newBalance)
		return tx.Insert(out)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("credits added",
		slog.String("user_id", userID),
		slog.Int64("amount", amount),
		slog.String("txn_id", out.ID.String()),
	)
	return out, nil
}

// Refund returns previously charged credits to the user. It behaves
// like AddCredits but records a refund-typed transaction.
func (s *Service) Refund(ctx context.Context, userID string, amount int64, reason, dedupKey string) (*Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("ledger: refund amount %d, must be > 0", amount)
	}

	var out *Transaction
	err := s.store.Mutate(ctx, userID, func(tx AccountTx) error {
		if prior, err := s.dedup(tx, dedupKey); err != nil {
			return err
		} else if prior != nil {
			out = prior
			return nil
		}

		bal, err := tx.Balance()
		if err != nil {
			return err
		}

		newBalance := bal.Credits + amount
		if err := tx.SetBalance(newBalance); err != nil {
			return err
		}

		out = s.settledTxn(userID, amount, TypeRefund, reason, dedupKey, newBalance)
		return tx.Insert(out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeductCredits atomically debits the user's balance. The deduction is
// all-or-nothing: insufficient balance fails the whole call with
// InsufficientCreditsError unless overdraft is permitted.
func (s *Service) DeductCredits(ctx context.Context, userID string, amount int64, reason, dedupKey string) (*Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("ledger: deduct amount %d, must be > 0", amount)
	}

	var out *Transaction
	err := s.store.Mutate(ctx, userID, func(tx AccountTx) error {
		if prior, err := s.dedup(tx, dedupKey); err != nil {
			return err
		} else if prior != nil {
			out = prior
			return nil
		}

		bal, err := tx.Balance()
		if err != nil {
			return err
		}

		if !s.allowOverdraft && bal.Credits < amount {
			return &InsufficientCreditsError{UserID: userID, Required: amount, Available: bal.Credits}
		}

		newBalance := bal.Credits - amount
		if err := tx.SetBalance(newBalance); err != nil {
			return err
		}

		out = s.settledTxn(userID, amount, TypeDebit, reason, dedupKey, newBalance)
		return tx.Insert(out)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("credits deducted",
		slog.String("user_id", userID),
		slog.Int64("amount", amount),
		slog.String("txn_id", out.ID.String()),
	)
	return out, nil
}

// ProvisionalDebit places a hold for amount against the user's balance.
// The hold validates available balance but changes nothing: a PENDING
// transaction is created and its handle returned. Settle it with
// FinalizeProvisionalDebit or VoidProvisionalDebit.
func (s *Service) ProvisionalDebit(ctx context.Context, userID string, amount int64, reason, dedupKey string) (*Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("ledger: provisional debit amount %d, must be > 0", amount)
	}

	var out *Transaction
	err := s.store.Mutate(ctx, userID, func(tx AccountTx) error {
		if prior, err := s.dedup(tx, dedupKey); err != nil {
			return err
		} else if prior != nil {
			out = prior
			return nil
		}

		bal, err := tx.Balance()
		if err != nil {
			return err
		}

		if !s.allowOverdraft && bal.Credits < amount {
			return &InsufficientCreditsError{UserID: userID, Required: amount, Available: bal.Credits}
		}

		out = &Transaction{
			Entity:   folio.NewEntity(),
			ID:       id.NewTxnID(),
			UserID:   userID,
			Amount:   amount,
			Type:     TypeProvisionalDebit,
			Status:   StatusPending,
			Reason:   reason,
			DedupKey: dedupKey,
		}
		return tx.Insert(out)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("provisional hold placed",
		slog.String("user_id", userID),
		slog.Int64("amount", amount),
		slog.String("txn_id", out.ID.String()),
	)
	return out, nil
}

// FinalizeProvisionalDebit settles a pending hold by deducting
// finalAmount, which may differ from the held amount (actual usage vs.
// estimate). The balance is re-validated against finalAmount at
// finalize time; on insufficient balance the call fails and the hold
// stays PENDING so the caller may void it or finalize a smaller amount.
// Finalizing an already-settled transaction returns StateConflictError.
func (s *Service) FinalizeProvisionalDebit(ctx context.Context, userID string, txnID id.TxnID, finalAmount int64) (*Transaction, error) {
	if finalAmount < 0 {
		return nil, fmt.Errorf("ledger: finalize amount %d, must be >= 0", finalAmount)
	}

	var out *Transaction
	err := s.store.Mutate(ctx, userID, func(tx AccountTx) error {
		txn, err := tx.Get(txnID)
		if err != nil {
			return err
		}
		if !txn.Provisional() {
			return &StateConflictError{TxnID: txnID, Type: txn.Type, Status: txn.Status}
		}

		bal, err := tx.Balance()
		if err != nil {
			return err
		}
		if !s.allowOverdraft && bal.Credits < finalAmount {
			return &InsufficientCreditsError{UserID: userID, Required: finalAmount, Available: bal.Credits}
		}

		newBalance := bal.Credits - finalAmount
		if err := tx.SetBalance(newBalance); err != nil {
			return err
		}

		now := time.Now().UTC()
		txn.Amount = finalAmount
		txn.Status = StatusCompleted
		txn.BalanceAfter = &newBalance
		txn.SettledAt = &now
		txn.Touch()
		out = txn
		return tx.Update(txn)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("provisional hold finalized",
		slog.String("user_id", userID),
		slog.String("txn_id", txnID.String()),
		slog.Int64("final_amount", finalAmount),
	)
	return out, nil
}

// VoidProvisionalDebit releases a pending hold. The balance is
// untouched. Voiding an already-settled transaction returns
// StateConflictError: exactly one of finalize or void ever succeeds per
// transaction.
func (s *Service) VoidProvisionalDebit(ctx context.Context, userID string, txnID id.TxnID, reason string) (*Transaction, error) {
	var out *Transaction
	err := s.store.Mutate(ctx, userID, func(tx AccountTx) error {
		txn, err := tx.Get(txnID)
		if err != nil {
			return err
		}
		if !txn.Provisional() {
			return &StateConflictError{TxnID: txnID, Type: txn.Type, Status: txn.Status}
		}

		now := time.Now().UTC()
		txn.Status = StatusVoid
		if reason != "" {
			txn.Reason = reason
		}
		txn.SettledAt = &now
		txn.Touch()
		out = txn
		return tx.Update(txn)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("provisional hold voided",
		slog.String("user_id", userID),
		slog.String("txn_id", txnID.String()),
		slog.String("reason", reason),
	)
	return out, nil
}

// dedup looks up a prior transaction by key. A nil, nil return means no
// prior transaction exists (or no key was supplied).
func (s *Service) dedup(tx AccountTx, key string) (*Transaction, error) {
	if key == "" {
		return nil, nil //nolint:nilnil // absence of a prior txn is not an error
	}
	prior, err := tx.FindByDedupKey(key)
	if err != nil {
		if errors.Is(err, folio.ErrTransactionNotFound) {
			return nil, nil //nolint:nilnil
		}
		return nil, err
	}
	return prior, nil
}

// settledTxn builds a completed transaction with its balance snapshot.
func (s *Service) settledTxn(userID string, amount int64, typ Type, reason, dedupKey string, balanceAfter int64) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		Entity:       folio.NewEntity(),
		ID:           id.NewTxnID(),
		UserID:       userID,
		Amount:       amount,
		Type:         typ,
		Status:       StatusCompleted,
		Reason:       reason,
		DedupKey:     dedupKey,
		BalanceAfter: &balanceAfter,
		SettledAt:    &now,
	}
}

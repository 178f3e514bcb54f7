package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/folio"
	"github.com/xraph/folio/id"
	"github.com/xraph/folio/ledger"
)

const txnColumns = `id, user_id, amount, type, status, reason, dedup_key,
	balance_after, settled_at, created_at, updated_at`

// accountTx implements ledger.AccountTx over one pgx transaction. Mutate
// takes a row lock on the account before handing control to fn, so
// concurrent mutations for the same user serialize at the database.
type accountTx struct {
	ctx    context.Context
	tx     pgx.Tx
	userID string
}

func (t *accountTx) Balance() (*ledger.Balance, error) {
	var credits int64
	var updatedAt time.Time
	err := t.tx.QueryRow(t.ctx,
		`SELECT credits, updated_at FROM folio_balances WHERE user_id = $1`,
		t.userID,
	).Scan(&credits, &updatedAt)
	if isNoRows(err) {
		return &ledger.Balance{UserID: t.userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("folio/postgres: balance: %w", err)
	}
	return &ledger.Balance{UserID: t.userID, Credits: credits, UpdatedAt: updatedAt}, nil
}

func (t *accountTx) SetBalance(credits int64) error {
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO folio_balances (user_id, credits, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			credits = EXCLUDED.credits,
			updated_at = EXCLUDED.updated_at`,
		t.userID, credits,
	)
	if err != nil {
		return fmt.Errorf("folio/postgres: set balance: %w", err)
	}
	return nil
}

func (t *accountTx) Get(txnID id.TxnID) (*ledger.Transaction, error) {
	row := t.tx.QueryRow(t.ctx,
		`SELECT `+txnColumns+` FROM folio_transactions WHERE id = $1 AND user_id = $2`,
		txnID.String(), t.userID)
	txn, err := scanTxn(row)
	if err != nil {
		if isNoRows(err) {
			return nil, folio.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("folio/postgres: get txn: %w", err)
	}
	return txn, nil
}

func (t *accountTx) FindByDedupKey(key string) (*ledger.Transaction, error) {
	if key == "" {
		return nil, folio.ErrTransactionNotFound
	}
	row := t.tx.QueryRow(t.ctx,
		`SELECT `+txnColumns+` FROM folio_transactions WHERE user_id = $1 AND dedup_key = $2`,
		t.userID, key)
	txn, err := scanTxn(row)
	if err != nil {
		if isNoRows(err) {
			return nil, folio.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("folio/postgres: find by dedup key: %w", err)
	}
	return txn, nil
}

func (t *accountTx) Insert(txn *ledger.Transaction) error {
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO folio_transactions (`+txnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		txn.ID.String(), txn.UserID, txn.Amount, string(txn.Type), string(txn.Status),
		txn.Reason, txn.DedupKey, txn.BalanceAfter, txn.SettledAt,
		txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("folio/postgres: insert txn: %w", err)
	}
	return nil
}

func (t *accountTx) Update(txn *ledger.Transaction) error {
	tag, err := t.tx.Exec(t.ctx, `
		UPDATE folio_transactions
		SET amount = $3, status = $4, reason = $5, balance_after = $6,
			settled_at = $7, updated_at = $8
		WHERE id = $1 AND user_id = $2`,
		txn.ID.String(), txn.UserID, txn.Amount, string(txn.Status), txn.Reason,
		txn.BalanceAfter, txn.SettledAt, txn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("folio/postgres: update txn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return folio.ErrTransactionNotFound
	}
	return nil
}

// Mutate runs fn inside a database transaction holding a row lock on the
// user's account. The account row is created on first use so the lock
// always has something to grab.
func (s *Store) Mutate(ctx context.Context, userID string, fn func(tx ledger.AccountTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("folio/postgres: begin: %w", err)
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := pgTx.Exec(ctx, `
		INSERT INTO folio_balances (user_id, credits, updated_at)
		VALUES ($1, 0, NOW())
		ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return fmt.Errorf("folio/postgres: ensure account: %w", err)
	}
	if _, err := pgTx.Exec(ctx,
		`SELECT 1 FROM folio_balances WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
		return fmt.Errorf("folio/postgres: lock account: %w", err)
	}

	if err := fn(&accountTx{ctx: ctx, tx: pgTx, userID: userID}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("folio/postgres: commit: %w", err)
	}
	return nil
}

// GetBalance returns the user's balance. Untouched accounts report
// zero.
func (s *Store) GetBalance(ctx context.Context, userID string) (*ledger.Balance, error) {
	var credits int64
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT credits, updated_at FROM folio_balances WHERE user_id = $1`,
		userID,
	).Scan(&credits, &updatedAt)
	if isNoRows(err) {
		return &ledger.Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("folio/postgres: get balance: %w", err)
	}
	return &ledger.Balance{UserID: userID, Credits: credits, UpdatedAt: updatedAt}, nil
}

// GetTransaction returns a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, txnID id.TxnID) (*ledger.Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM folio_transactions WHERE id = $1`, txnID.String())
	txn, err := scanTxn(row)
	if err != nil {
		if isNoRows(err) {
			return nil, folio.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("folio/postgres: get transaction: %w", err)
	}
	return txn, nil
}

// ListTransactions returns the user's transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID string, opts ledger.ListOpts) ([]*ledger.Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM folio_transactions WHERE user_id = $1`
	args := []any{userID}
	if opts.Type != "" {
		args = append(args, string(opts.Type))
		query += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("folio/postgres: list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*ledger.Transaction
	for rows.Next() {
		txn, err := scanTxn(rows)
		if err != nil {
			return nil, fmt.Errorf("folio/postgres: list transactions scan: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func scanTxn(sc scanner) (*ledger.Transaction, error) {
	var (
		txn    ledger.Transaction
		rawID  string
		typ    string
		status string
	)
	if err := sc.Scan(
		&rawID, &txn.UserID, &txn.Amount, &typ, &status, &txn.Reason, &txn.DedupKey,
		&txn.BalanceAfter, &txn.SettledAt, &txn.CreatedAt, &txn.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsedID, err := id.ParseTxnID(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse txn id %q: %w", rawID, err)
	}
	txn.ID = parsedID
	txn.Type = ledger.Type(typ)
	txn.Status = ledger.Status(status)
	return &txn, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xraph/folio"
	"github.com/xraph/folio/id"
	"github.com/xraph/folio/ledger"
)

const txnColumns = `id, user_id, amount, type, status, reason, dedup_key,
	balance_after, settled_at, created_at, updated_at`

// accountTx implements ledger.AccountTx over one SQL transaction.
// SQLite's single-writer semantics give the per-user isolation the
// ledger contract requires; open the database with _txlock=immediate
// so the write lock is taken at BEGIN.
type accountTx struct {
	ctx    context.Context
	tx     *sql.Tx
	userID string
}

func (t *accountTx) Balance() (*ledger.Balance, error) {
	var credits int64
	var updated string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT credits, updated_at FROM folio_balances WHERE user_id = ?`,
		t.userID,
	).Scan(&credits, &updated)
	if isNoRows(err) {
		return &ledger.Balance{UserID: t.userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: balance: %w", err)
	}
	updatedAt, err := parseTime(updated)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse balance updated_at: %w", err)
	}
	return &ledger.Balance{UserID: t.userID, Credits: credits, UpdatedAt: updatedAt}, nil
}

func (t *accountTx) SetBalance(credits int64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO folio_balances (user_id, credits, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			credits = excluded.credits,
			updated_at = excluded.updated_at`,
		t.userID, credits, fmtTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("folio/sqlite: set balance: %w", err)
	}
	return nil
}

func (t *accountTx) Get(txnID id.TxnID) (*ledger.Transaction, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+txnColumns+` FROM folio_transactions WHERE id = ? AND user_id = ?`,
		txnID.String(), t.userID)
	txn, err := scanTxn(row)
	if err != nil {
		if isNoRows(err) {
			return nil, folio.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("folio/sqlite: get txn: %w", err)
	}
	return txn, nil
}

func (t *accountTx) FindByDedupKey(key string) (*ledger.Transaction, error) {
	if key == "" {
		return nil, folio.ErrTransactionNotFound
	}
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+txnColumns+` FROM folio_transactions WHERE user_id = ? AND dedup_key = ?`,
		t.userID, key)
	txn, err := scanTxn(row)
	if err != nil {
		if isNoRows(err) {
			return nil, folio.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("folio/sqlite: find by dedup key: %w", err)
	}
	return txn, nil
}

func (t *accountTx) Insert(txn *ledger.Transaction) error {
	r := toTxnRow(txn)
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO folio_transactions (`+txnColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Amount, r.Type, r.Status, r.Reason, r.DedupKey,
		r.BalanceAfter, r.SettledAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("folio/sqlite: insert txn: %w", err)
	}
	return nil
}

func (t *accountTx) Update(txn *ledger.Transaction) error {
	r := toTxnRow(txn)
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE folio_transactions
		SET amount = ?, status = ?, reason = ?, balance_after = ?,
			settled_at = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		r.Amount, r.Status, r.Reason, r.BalanceAfter,
		r.SettledAt, r.UpdatedAt, r.ID, r.UserID,
	)
	if err != nil {
		return fmt.Errorf("folio/sqlite: update txn: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return folio.ErrTransactionNotFound
	}
	return nil
}

// Mutate runs fn inside a SQL transaction. A non-nil error from fn
// rolls everything back.
func (s *Store) Mutate(ctx context.Context, userID string, fn func(tx ledger.AccountTx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("folio/sqlite: begin: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := fn(&accountTx{ctx: ctx, tx: sqlTx, userID: userID}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("folio/sqlite: commit: %w", err)
	}
	return nil
}

// GetBalance returns the user's balance. Untouched accounts report
// zero.
func (s *Store) GetBalance(ctx context.Context, userID string) (*ledger.Balance, error) {
	var credits int64
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT credits, updated_at FROM folio_balances WHERE user_id = ?`,
		userID,
	).Scan(&credits, &updated)
	if isNoRows(err) {
		return &ledger.Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: get balance: %w", err)
	}
	updatedAt, err := parseTime(updated)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse balance updated_at: %w", err)
	}
	return &ledger.Balance{UserID: userID, Credits: credits, UpdatedAt: updatedAt}, nil
}

// GetTransaction returns a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, txnID id.TxnID) (*ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM folio_transactions WHERE id = ?`, txnID.String())
	txn, err := scanTxn(row)
	if err != nil {
		if isNoRows(err) {
			return nil, folio.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("folio/sqlite: get transaction: %w", err)
	}
	return txn, nil
}

// ListTransactions returns the user's transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID string, opts ledger.ListOpts) ([]*ledger.Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM folio_transactions WHERE user_id = ?`
	args := []any{userID}
	if opts.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(opts.Type))
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += ` LIMIT -1`
		}
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: list transactions: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	var txns []*ledger.Transaction
	for rows.Next() {
		txn, err := scanTxn(rows)
		if err != nil {
			return nil, fmt.Errorf("folio/sqlite: list transactions scan: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func scanTxn(sc scanner) (*ledger.Transaction, error) {
	var r txnRow
	if err := sc.Scan(
		&r.ID, &r.UserID, &r.Amount, &r.Type, &r.Status, &r.Reason, &r.DedupKey,
		&r.BalanceAfter, &r.SettledAt, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return fromTxnRow(&r)
}

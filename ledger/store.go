package ledger

import (
	"context"

	"github.com/xraph/folio/id"
)

// ListOpts controls pagination and filtering for transaction list
// queries.
type ListOpts struct {
	// Limit is the maximum number of transactions to return. Zero means
	// no limit.
	Limit int
	// Offset is the number of transactions to skip.
	Offset int
	// Type filters by transaction type. Empty means all types.
	Type Type
	// Status filters by settlement status. Empty means all statuses.
	Status Status
}

// AccountTx is the view of one user's account inside an isolated
// read-modify-write. All reads and writes through an AccountTx are
// atomic with respect to concurrent Mutate calls for the same user.
type AccountTx interface {
	// Balance returns the account balance. Accounts that have never
	// been touched report zero credits.
	Balance() (*Balance, error)

	// SetBalance replaces the account balance.
	SetBalance(credits int64) error

	// Get returns a transaction on this account by ID. Returns
	// folio.ErrTransactionNotFound when absent.
	Get(txnID id.TxnID) (*Transaction, error)

	// FindByDedupKey returns the transaction carrying the given dedup
	// key, or folio.ErrTransactionNotFound.
	FindByDedupKey(key string) (*Transaction, error)

	// Insert appends a new transaction to the account's log.
	Insert(txn *Transaction) error

	// Update persists changes to an existing transaction.
	Update(txn *Transaction) error
}

// Store is the persistence contract for the credit ledger. Backends
// provide per-user isolation: two Mutate calls for the same user never
// interleave their read-modify-write cycles.
type Store interface {
	// Mutate executes fn within an isolated read-modify-write for the
	// given user's account. If fn returns an error, none of its writes
	// take effect.
	Mutate(ctx context.Context, userID string, fn func(tx AccountTx) error) error

	// GetBalance returns the user's balance outside a mutation.
	GetBalance(ctx context.Context, userID string) (*Balance, error)

	// GetTransaction returns a transaction by ID.
	GetTransaction(ctx context.Context, txnID id.TxnID) (*Transaction, error)

	// ListTransactions returns the user's transactions, newest first.
	ListTransactions(ctx context.Context, userID string, opts ListOpts) ([]*Transaction, error)
}

// Package ledger implements the transactional credit ledger: atomic
// balance mutation, provisional holds with finalize/void settlement, and
// dedup-key idempotency for externally retried billing calls.
//
// Every mutating operation executes as one isolated read-modify-write
// against a user's account (balance plus transaction log) through the
// Store contract, so concurrent callers never lose updates.
package ledger

import (
	"time"

	"github.com/xraph/folio"
	"github.com/xraph/folio/id"
)

// Type classifies the financial effect of a transaction.
type Type string

const (
	// TypeCredit adds credits to the balance.
	TypeCredit Type = "credit"
	// TypeDebit removes credits from the balance immediately.
	TypeDebit Type = "debit"
	// TypeProvisionalDebit reserves credits without deducting them. It
	// settles later via finalize (deduct) or void (release).
	TypeProvisionalDebit Type = "provisional_debit"
	// TypeVoid marks a released reservation.
	TypeVoid Type = "void"
	// TypeRefund returns previously charged credits.
	TypeRefund Type = "refund"
)

// Status is the settlement state of a transaction.
type Status string

const (
	// StatusPending means the transaction has not settled. Only
	// provisional debits are ever pending.
	StatusPending Status = "pending"
	// StatusCompleted means the transaction's balance effect is applied.
	StatusCompleted Status = "completed"
	// StatusVoid means a provisional debit was released with no balance
	// effect.
	StatusVoid Status = "void"
	// StatusFailed means the transaction was rejected.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is a settlement end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusVoid || s == StatusFailed
}

// Transaction is one entry in a user's credit ledger.
type Transaction struct {
	folio.Entity

	ID     id.TxnID `json:"id"`
	UserID string   `json:"user_id"`

	// Amount is always positive; Type carries the direction.
	Amount int64  `json:"amount"`
	Type   Type   `json:"type"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`

	// DedupKey is the caller-supplied idempotency token. A key never
	// produces two ledger-affecting transactions for the same user.
	DedupKey string `json:"dedup_key,omitempty"`

	// BalanceAfter is the account balance after settlement. Nil until
	// the transaction settles with a balance effect.
	BalanceAfter *int64 `json:"balance_after,omitempty"`

	// SettledAt is when the transaction reached a terminal status.
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// Provisional reports whether this is an unsettled hold.
func (t *Transaction) Provisional() bool {
	return t.Type == TypeProvisionalDebit && t.Status == StatusPending
}

// Balance is a user's current credit balance.
type Balance struct {
	UserID    string    `json:"user_id"`
	Credits   int64     `json:"credits"`
	UpdatedAt time.Time `json:"updated_at"`
}

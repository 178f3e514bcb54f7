package ledger

import (
	"fmt"

	"github.com/xraph/folio/id"
)

// InsufficientCreditsError is returned when a debit or finalize would
// take the balance below zero and overdraft is not permitted. It carries
// both sides of the comparison so callers can report the shortfall.
type InsufficientCreditsError struct {
	UserID    string
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("ledger: insufficient credits for user %s: required %d, available %d",
		e.UserID, e.Required, e.Available)
}

// StateConflictError is returned when finalize or void is called on a
// transaction that is not a pending provisional debit. It is a conflict,
// not a retry target: the transaction already settled exactly once.
type StateConflictError struct {
	TxnID  id.TxnID
	Type   Type
	Status Status
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("ledger: transaction %s is %s/%s, expected pending provisional debit",
		e.TxnID, e.Type, e.Status)
}

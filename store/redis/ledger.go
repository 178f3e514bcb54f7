package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/folio"
	"github.com/xraph/folio/id"
	"github.com/xraph/folio/ledger"
)

// maxTxRetries bounds the optimistic-lock retry loop in Mutate.
const maxTxRetries = 10

// accountTx implements ledger.AccountTx over one WATCHed Redis
// transaction. Writes are staged and applied in a single MULTI/EXEC at
// the end; if any watched account key changed in between, EXEC fails
// and Mutate retries fn from scratch.
type accountTx struct {
	ctx    context.Context
	tx     *goredis.Tx
	userID string

	balance int64
	dirty   bool

	inserts []*ledger.Transaction
	updates map[string]*ledger.Transaction
}

func (t *accountTx) Balance() (*ledger.Balance, error) {
	if t.dirty {
		return &ledger.Balance{UserID: t.userID, Credits: t.balance, UpdatedAt: time.Now().UTC()}, nil
	}

	vals, err := t.tx.HGetAll(t.ctx, balanceKey(t.userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("folio/redis: balance: %w", err)
	}
	if len(vals) == 0 {
		return &ledger.Balance{UserID: t.userID}, nil
	}
	return mapToBalance(t.userID, vals), nil
}

func (t *accountTx) SetBalance(credits int64) error {
	t.balance = credits
	t.dirty = true
	return nil
}

func (t *accountTx) Get(txnID id.TxnID) (*ledger.Transaction, error) {
	key := txnID.String()
	if txn, ok := t.updates[key]; ok {
		return txn, nil
	}
	for _, txn := range t.inserts {
		if txn.ID.String() == key {
			return txn, nil
		}
	}

	txn, err := getTxn(t.ctx, t.tx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.UserID != t.userID {
		return nil, folio.ErrTransactionNotFound
	}
	return txn, nil
}

func (t *accountTx) FindByDedupKey(key string) (*ledger.Transaction, error) {
	if key == "" {
		return nil, folio.ErrTransactionNotFound
	}
	for _, txn := range t.inserts {
		if txn.DedupKey == key {
			return txn, nil
		}
	}

	rawID, err := t.tx.HGet(t.ctx, dedupKey(t.userID), key).Result()
	if isNil(err) {
		return nil, folio.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("folio/redis: find by dedup key: %w", err)
	}
	txnID, err := id.ParseTxnID(rawID)
	if err != nil {
		return nil, fmt.Errorf("folio/redis: parse dedup txn id: %w", err)
	}
	return t.Get(txnID)
}

func (t *accountTx) Insert(txn *ledger.Transaction) error {
	t.inserts = append(t.inserts, txn)
	return nil
}

func (t *accountTx) Update(txn *ledger.Transaction) error {
	key := txn.ID.String()
	for i, staged := range t.inserts {
		if staged.ID.String() == key {
			t.inserts[i] = txn
			return nil
		}
	}
	if _, ok := t.updates[key]; !ok {
		// Must exist before it can be updated.
		if _, err := t.Get(txn.ID); err != nil {
			return err
		}
	}
	t.updates[key] = txn
	return nil
}

// commit stages all writes into the MULTI/EXEC pipeline.
func (t *accountTx) commit(pipe goredis.Pipeliner) error {
	if t.dirty {
		pipe.HSet(t.ctx, balanceKey(t.userID),
			"credits", t.balance,
			"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
		)
	}
	for _, txn := range t.inserts {
		raw, err := json.Marshal(txn)
		if err != nil {
			return fmt.Errorf("folio/redis: marshal txn: %w", err)
		}
		txnID := txn.ID.String()
		pipe.Set(t.ctx, txnKey(txnID), raw, 0)
		pipe.ZAdd(t.ctx, userTxnsKey(t.userID), goredis.Z{
			Score:  float64(txn.CreatedAt.UnixNano()),
			Member: txnID,
		})
		if txn.DedupKey != "" {
			pipe.HSet(t.ctx, dedupKey(t.userID), txn.DedupKey, txnID)
		}
	}
	for _, txn := range t.updates {
		raw, err := json.Marshal(txn)
		if err != nil {
			return fmt.Errorf("folio/redis: marshal txn: %w", err)
		}
		pipe.Set(t.ctx, txnKey(txn.ID.String()), raw, 0)
	}
	return nil
}

// Mutate runs fn as an optimistic WATCH/MULTI/EXEC transaction over the
// user's account keys, retrying on contention. A non-nil error from fn
// discards all staged writes.
func (s *Store) Mutate(ctx context.Context, userID string, fn func(tx ledger.AccountTx) error) error {
	watched := []string{balanceKey(userID), userTxnsKey(userID), dedupKey(userID)}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			at := &accountTx{
				ctx:     ctx,
				tx:      tx,
				userID:  userID,
				updates: make(map[string]*ledger.Transaction),
			}
			if err := fn(at); err != nil {
				return err
			}
			_, err := tx.TxPipelined(ctx, at.commit)
			return err
		}, watched...)

		if errors.Is(err, goredis.TxFailedErr) {
			continue // another writer touched the account; retry
		}
		return err
	}
	return fmt.Errorf("folio/redis: mutate %s: %w", userID, goredis.TxFailedErr)
}

// GetBalance returns the user's balance. Untouched accounts report
// zero.
func (s *Store) GetBalance(ctx context.Context, userID string) (*ledger.Balance, error) {
	vals, err := s.client.HGetAll(ctx, balanceKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("folio/redis: get balance: %w", err)
	}
	if len(vals) == 0 {
		return &ledger.Balance{UserID: userID}, nil
	}
	return mapToBalance(userID, vals), nil
}

// GetTransaction returns a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, txnID id.TxnID) (*ledger.Transaction, error) {
	return getTxn(ctx, s.client, txnID)
}

// ListTransactions returns the user's transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID string, opts ledger.ListOpts) ([]*ledger.Transaction, error) {
	ids, err := s.client.ZRevRange(ctx, userTxnsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("folio/redis: list txns zrevrange: %w", err)
	}

	txns := make([]*ledger.Transaction, 0, len(ids))
	for _, rawID := range ids {
		txnID, parseErr := id.ParseTxnID(rawID)
		if parseErr != nil {
			continue // skip malformed
		}
		txn, getErr := getTxn(ctx, s.client, txnID)
		if getErr != nil {
			continue // skip missing
		}
		if opts.Type != "" && txn.Type != opts.Type {
			continue
		}
		if opts.Status != "" && txn.Status != opts.Status {
			continue
		}
		txns = append(txns, txn)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(txns) {
			return nil, nil
		}
		txns = txns[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(txns) {
		txns = txns[:opts.Limit]
	}
	return txns, nil
}

// ── helpers ──

func getTxn(ctx context.Context, c goredis.Cmdable, txnID id.TxnID) (*ledger.Transaction, error) {
	raw, err := c.Get(ctx, txnKey(txnID.String())).Result()
	if isNil(err) {
		return nil, folio.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("folio/redis: get txn: %w", err)
	}
	var txn ledger.Transaction
	if err := json.Unmarshal([]byte(raw), &txn); err != nil {
		return nil, fmt.Errorf("folio/redis: unmarshal txn: %w", err)
	}
	return &txn, nil
}

func mapToBalance(userID string, m map[string]string) *ledger.Balance {
	b := &ledger.Balance{UserID: userID}
	if v := m["credits"]; v != "" {
		b.Credits, _ = strconv.ParseInt(v, 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["updated_at"]; v != "" {
		b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	return b
}

// Package memory provides the in-process store backend. It is the
// default for tests and embedded use: full fidelity to the store
// contract, no durability.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/folio"
	"github.com/xraph/folio/book"
	"github.com/xraph/folio/id"
	"github.com/xraph/folio/ledger"
)

// account is one user's ledger state. Its mutex provides the per-user
// isolation the ledger contract requires.
type account struct {
	mu      sync.Mutex
	userID  string
	credits int64
	updated time.Time

	txns    []*ledger.Transaction
	byID    map[string]*ledger.Transaction
	byDedup map[string]*ledger.Transaction
}

// Store is the in-memory backend. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	closed bool

	jobs  map[string]*book.Job
	units map[string]map[int]*book.ChapterUnit

	accountsMu sync.Mutex
	accounts   map[string]*account
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*book.Job),
		units:    make(map[string]map[int]*book.ChapterUnit),
		accounts: make(map[string]*account),
	}
}

// Ping reports whether the store is open.
func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return folio.ErrStoreClosed
	}
	return nil
}

// Migrate is a no-op for the in-memory backend.
func (s *Store) Migrate(context.Context) error { return nil }

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return folio.ErrStoreClosed
	}
	return nil
}

// ──────────────────────────────────────────────────
// book.Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (s *Store) CreateJob(_ context.Context, j *book.Job) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := j.ID.String()
	if _, ok := s.jobs[key]; ok {
		return folio.ErrJobAlreadyExists
	}
	s.jobs[key] = cloneJob(j)
	return nil
}

// GetJob returns the job and its units.
func (s *Store) GetJob(_ context.Context, jobID id.JobID) (*book.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID.String()]
	if !ok {
		return nil, folio.ErrJobNotFound
	}
	out := cloneJob(j)
	out.Units = s.unitsLocked(jobID)
	return out, nil
}

// UpdateJob persists job-level changes.
func (s *Store) UpdateJob(_ context.Context, j *book.Job) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := j.ID.String()
	if _, ok := s.jobs[key]; !ok {
		return folio.ErrJobNotFound
	}
	s.jobs[key] = cloneJob(j)
	return nil
}

// DeleteJob removes the job and its units.
func (s *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := jobID.String()
	if _, ok := s.jobs[key]; !ok {
		return folio.ErrJobNotFound
	}
	delete(s.jobs, key)
	delete(s.units, key)
	return nil
}

// ListJobsByState returns jobs in the given state, newest first.
func (s *Store) ListJobsByState(_ context.Context, state book.State, opts book.ListOpts) ([]*book.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*book.Job
	for _, j := range s.jobs {
		if state != "" && j.State != state {
			continue
		}
		if opts.UserID != "" && j.UserID != opts.UserID {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return paginate(out, opts.Offset, opts.Limit), nil
}

// UpsertUnit inserts or replaces one chapter unit.
func (s *Store) UpsertUnit(_ context.Context, u *book.ChapterUnit) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := u.JobID.String()
	if s.units[key] == nil {
		s.units[key] = make(map[int]*book.ChapterUnit)
	}
	s.units[key][u.Index] = cloneUnit(u)
	return nil
}

// ListUnits returns the job's units in ascending index order.
func (s *Store) ListUnits(_ context.Context, jobID id.JobID) ([]*book.ChapterUnit, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unitsLocked(jobID), nil
}

func (s *Store) unitsLocked(jobID id.JobID) []*book.ChapterUnit {
	m := s.units[jobID.String()]
	out := make([]*book.ChapterUnit, 0, len(m))
	for _, u := range m {
		out = append(out, cloneUnit(u))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Index < out[k].Index })
	return out
}

// CountJobs counts jobs in the given state.
func (s *Store) CountJobs(_ context.Context, state book.State) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, j := range s.jobs {
		if state == "" || j.State == state {
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// ledger.Store
// ──────────────────────────────────────────────────

// accountTx implements ledger.AccountTx over a locked account. Writes
// are staged and applied only when the Mutate closure returns nil.
type accountTx struct {
	acct *account

	// Staged state. Reads see staged writes.
	credits int64
	updated time.Time
	dirty   bool
	inserts []*ledger.Transaction
	updates []*ledger.Transaction
}

func (t *accountTx) Balance() (*ledger.Balance, error) {
	return &ledger.Balance{
		UserID:    t.acct.userID,
		Credits:   t.credits,
		UpdatedAt: t.updated,
	}, nil
}

func (t *accountTx) SetBalance(credits int64) error {
	t.credits = credits
	t.updated = time.Now().UTC()
	t.dirty = true
	return nil
}

func (t *accountTx) Get(txnID id.TxnID) (*ledger.Transaction, error) {
	key := txnID.String()
	for _, txn := range t.inserts {
		if txn.ID.String() == key {
			return txn, nil
		}
	}
	if txn, ok := t.acct.byID[key]; ok {
		return cloneTxn(txn), nil
	}
	return nil, folio.ErrTransactionNotFound
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
	if txn, ok := t.acct.byDedup[key]; ok {
		return cloneTxn(txn), nil
	}
	return nil, folio.ErrTransactionNotFound
}

func (t *accountTx) Insert(txn *ledger.Transaction) error {
	t.inserts = append(t.inserts, cloneTxn(txn))
	return nil
}

func (t *accountTx) Update(txn *ledger.Transaction) error {
	t.updates = append(t.updates, cloneTxn(txn))
	return nil
}

// commit applies staged writes to the account. Caller holds the account
// lock.
func (t *accountTx) commit() {
	if t.dirty {
		t.acct.credits = t.credits
		t.acct.updated = t.updated
	}
	for _, txn := range t.inserts {
		t.acct.txns = append(t.acct.txns, txn)
		t.acct.byID[txn.ID.String()] = txn
		if txn.DedupKey != "" {
			t.acct.byDedup[txn.DedupKey] = txn
		}
	}
	for _, txn := range t.updates {
		if existing, ok := t.acct.byID[txn.ID.String()]; ok {
			*existing = *txn
		}
	}
}

// Mutate runs fn inside the account's lock. Staged writes apply only
// when fn returns nil.
func (s *Store) Mutate(_ context.Context, userID string, fn func(tx ledger.AccountTx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	acct := s.account(userID)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	tx := &accountTx{
		acct:    acct,
		credits: acct.credits,
		updated: acct.updated,
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// GetBalance returns the user's balance. Untouched users report zero.
func (s *Store) GetBalance(_ context.Context, userID string) (*ledger.Balance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	acct := s.account(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return &ledger.Balance{
		UserID:    userID,
		Credits:   acct.credits,
		UpdatedAt: acct.updated,
	}, nil
}

// GetTransaction returns a transaction by ID across all accounts.
func (s *Store) GetTransaction(_ context.Context, txnID id.TxnID) (*ledger.Transaction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.accountsMu.Lock()
	accounts := make([]*account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, a)
	}
	s.accountsMu.Unlock()

	key := txnID.String()
	for _, a := range accounts {
		a.mu.Lock()
		txn, ok := a.byID[key]
		if ok {
			out := cloneTxn(txn)
			a.mu.Unlock()
			return out, nil
		}
		a.mu.Unlock()
	}
	return nil, folio.ErrTransactionNotFound
}

// ListTransactions returns the user's transactions, newest first.
func (s *Store) ListTransactions(_ context.Context, userID string, opts ledger.ListOpts) ([]*ledger.Transaction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	acct := s.account(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	out := make([]*ledger.Transaction, 0, len(acct.txns))
	for _, txn := range acct.txns {
		if opts.Type != "" && txn.Type != opts.Type {
			continue
		}
		if opts.Status != "" && txn.Status != opts.Status {
			continue
		}
		out = append(out, cloneTxn(txn))
	}
	sort.SliceStable(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return paginate(out, opts.Offset, opts.Limit), nil
}

func (s *Store) account(userID string) *account {
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		a = &account{
			userID:  userID,
			byID:    make(map[string]*ledger.Transaction),
			byDedup: make(map[string]*ledger.Transaction),
		}
		s.accounts[userID] = a
	}
	return a
}

// ──────────────────────────────────────────────────
// Copy helpers
// ──────────────────────────────────────────────────

// Stored values are cloned on the way in and out so callers never
// share memory with the store.

// Units are stored separately from the job row, so job clones drop the
// slice.
func cloneJob(j *book.Job) *book.Job {
	cp := j.Clone()
	cp.Units = nil
	return cp
}

func cloneUnit(u *book.ChapterUnit) *book.ChapterUnit {
	return u.Clone()
}

func cloneTxn(t *ledger.Transaction) *ledger.Transaction {
	cp := *t
	if t.BalanceAfter != nil {
		v := *t.BalanceAfter
		cp.BalanceAfter = &v
	}
	if t.SettledAt != nil {
		v := *t.SettledAt
		cp.SettledAt = &v
	}
	return &cp
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fdip/backend/internal/models"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// MemoryStore is an in-process Store backing tests and throwaway local runs
// (LEDGER_STORE=memory).
// Account serialization uses one mutex per account taken in lockOrder;
// staged writes are published under a single commit lock so readers never
// observe half of a unit of work.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*models.Account
	txns      map[string]*models.LedgerTransaction
	byAccount map[string][]*models.LedgerTransaction
	byRef     map[string]string
	refundOf  map[string]string
	seq       int64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*models.Account),
		txns:      make(map[string]*models.LedgerTransaction),
		byAccount: make(map[string][]*models.LedgerTransaction),
		byRef:     make(map[string]string),
		refundOf:  make(map[string]string),
		locks:     make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

func (s *MemoryStore) accountLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, id string, role models.Role) (*models.Account, error) {
	if id == "" || !role.Valid() {
		return nil, fmt.Errorf("invalid account id %q or role %q", id, role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		if a.Role != role {
			return nil, fmt.Errorf("%w: account %s has role %s", ErrAlreadyExists, id, a.Role)
		}
		c := *a
		return &c, nil
	}
	now := s.now()
	a := &models.Account{ID: id, Role: role, Version: 1, CreatedAt: now, UpdatedAt: now}
	s.accounts[id] = a
	c := *a
	return &c, nil
}

func (s *MemoryStore) UpdateRole(_ context.Context, id string, role models.Role) (*models.Account, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	l := s.accountLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	a.Role = role
	a.Version++
	a.UpdatedAt = s.now()
	c := *a
	return &c, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*models.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txns[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) FindByExternalReference(_ context.Context, ref string) (*models.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRef[ref]
	if !ok {
		return nil, fmt.Errorf("%w: external reference %s", ErrNotFound, ref)
	}
	return s.txns[id].Clone(), nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, accountID string, q ListQuery) ([]*models.LedgerTransaction, models.Pagination, error) {
	q = normalizeQuery(q, defaultPageSize, maxPageSize)

	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.byAccount[accountID]

	asOf := q.AsOf
	if asOf == 0 && len(entries) > 0 {
		asOf = entries[len(entries)-1].Seq
	}
	// entries are in ascending seq order; keep the prefix visible at asOf
	visible := sort.Search(len(entries), func(i int) bool { return entries[i].Seq > asOf })
	total := int64(visible)

	out := make([]*models.LedgerTransaction, 0, q.PageSize)
	if q.offset() >= visible {
		return out, newPagination(q, total, asOf), nil
	}
	for i := visible - 1 - q.offset(); i >= 0 && len(out) < q.PageSize; i-- {
		out = append(out, entries[i].Clone())
	}
	return out, newPagination(q, total, asOf), nil
}

func (s *MemoryStore) SumCompleted(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum int64
	for _, t := range s.byAccount[accountID] {
		if t.AppliedToBalance() {
			sum += t.Amount
		}
	}
	return sum, nil
}

func (s *MemoryStore) ListStalePending(_ context.Context, before time.Time, limit int) ([]*models.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.LedgerTransaction
	for _, t := range s.txns {
		if t.Status == models.TransactionStatusPending && t.CreatedAt.Before(before) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RunInTx(ctx context.Context, lockIDs []string, fn func(tx Tx) error) error {
	ids := lockOrder(lockIDs)
	for _, id := range ids {
		l := s.accountLock(id)
		l.Lock()
		defer l.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		store:    s,
		locked:   make(map[string]bool, len(ids)),
		accounts: make(map[string]*models.Account),
		staged:   make(map[string]*models.LedgerTransaction),
	}
	for _, id := range ids {
		tx.locked[id] = true
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// unique indexes are checked before anything is published
	for _, t := range tx.staged {
		if t.ExternalReference != nil {
			if owner, ok := s.byRef[*t.ExternalReference]; ok && owner != t.ID {
				return fmt.Errorf("%w: external reference %s", ErrAlreadyExists, *t.ExternalReference)
			}
		}
		if t.RefundOf != nil {
			if owner, ok := s.refundOf[*t.RefundOf]; ok && owner != t.ID {
				return fmt.Errorf("%w: %s", ErrAlreadyRefunded, *t.RefundOf)
			}
		}
	}

	now := s.now()
	for id, a := range tx.accounts {
		a.UpdatedAt = now
		s.accounts[id] = a
	}
	for _, id := range tx.order {
		t := tx.staged[id]
		if existing, ok := s.txns[id]; ok {
			*existing = *t
		} else {
			s.seq++
			t.Seq = s.seq
			s.txns[id] = t
			s.byAccount[t.AccountID] = append(s.byAccount[t.AccountID], t)
		}
		if t.ExternalReference != nil {
			s.byRef[*t.ExternalReference] = id
		}
		if t.RefundOf != nil {
			s.refundOf[*t.RefundOf] = id
		}
	}
	return nil
}

type memTx struct {
	store    *MemoryStore
	locked   map[string]bool
	accounts map[string]*models.Account
	staged   map[string]*models.LedgerTransaction
	order    []string
}

func (tx *memTx) requireLocked(accountID string) error {
	if !tx.locked[accountID] {
		return fmt.Errorf("account %s is not locked in this transaction", accountID)
	}
	return nil
}

func (tx *memTx) GetAccount(id string) (*models.Account, error) {
	if a, ok := tx.accounts[id]; ok {
		c := *a
		return &c, nil
	}
	return tx.store.GetAccount(context.Background(), id)
}

func (tx *memTx) ApplyDelta(id string, balanceDelta, earnedDelta, spentDelta int64) (*models.Account, error) {
	if err := tx.requireLocked(id); err != nil {
		return nil, err
	}
	a, err := tx.GetAccount(id)
	if err != nil {
		return nil, err
	}
	if a.Balance+balanceDelta < 0 {
		return nil, fmt.Errorf("%w: account %s has %d, needs %d", ErrInsufficientBalance, id, a.Balance, -balanceDelta)
	}
	if a.TotalEarned+earnedDelta < 0 || a.TotalSpent+spentDelta < 0 {
		return nil, fmt.Errorf("%w: lifetime totals cannot go negative", ErrInvalidAmount)
	}
	a.Balance += balanceDelta
	a.TotalEarned += earnedDelta
	a.TotalSpent += spentDelta
	a.Version++
	tx.accounts[id] = a
	c := *a
	return &c, nil
}

func (tx *memTx) Append(entry *models.LedgerTransaction) (string, error) {
	if err := tx.requireLocked(entry.AccountID); err != nil {
		return "", err
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if _, err := tx.GetTransaction(entry.ID); err == nil {
		return "", fmt.Errorf("%w: transaction %s", ErrAlreadyExists, entry.ID)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = tx.store.now()
	}
	tx.staged[entry.ID] = entry.Clone()
	tx.order = append(tx.order, entry.ID)
	return entry.ID, nil
}

// stage returns a mutable copy of a stored or staged entry.
func (tx *memTx) stage(id string) (*models.LedgerTransaction, error) {
	if t, ok := tx.staged[id]; ok {
		return t, nil
	}
	t, err := tx.store.GetTransaction(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if err := tx.requireLocked(t.AccountID); err != nil {
		return nil, err
	}
	tx.staged[id] = t
	tx.order = append(tx.order, id)
	return t, nil
}

func (tx *memTx) Finalize(id string, status models.TransactionStatus, externalRef, reason *string) (*models.LedgerTransaction, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is not a terminal status", ErrInvalidStateTransition, status)
	}
	t, err := tx.stage(id)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TransactionStatusPending {
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrInvalidStateTransition, id, t.Status)
	}
	if externalRef != nil {
		if t.ExternalReference != nil && *t.ExternalReference != *externalRef {
			return nil, fmt.Errorf("%w: transaction %s already has reference %s", ErrInvalidStateTransition, id, *t.ExternalReference)
		}
		t.ExternalReference = models.StringPtr(*externalRef)
	}
	now := tx.store.now()
	t.Status = status
	t.FinalizedAt = &now
	if reason != nil {
		t.FailureReason = models.StringPtr(*reason)
	}
	return t.Clone(), nil
}

func (tx *memTx) SetExternalReference(id, ref string) error {
	t, err := tx.stage(id)
	if err != nil {
		return err
	}
	if t.Status != models.TransactionStatusPending {
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidStateTransition, id, t.Status)
	}
	if t.ExternalReference != nil {
		if *t.ExternalReference == ref {
			return nil
		}
		return fmt.Errorf("%w: transaction %s already has reference %s", ErrInvalidStateTransition, id, *t.ExternalReference)
	}
	t.ExternalReference = models.StringPtr(ref)
	return nil
}

func (tx *memTx) GetTransaction(id string) (*models.LedgerTransaction, error) {
	if t, ok := tx.staged[id]; ok {
		return t.Clone(), nil
	}
	return tx.store.GetTransaction(context.Background(), id)
}

func (tx *memTx) FindRefundOf(originalID string) (*models.LedgerTransaction, error) {
	for _, t := range tx.staged {
		if t.RefundOf != nil && *t.RefundOf == originalID {
			return t.Clone(), nil
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	id, ok := tx.store.refundOf[originalID]
	if !ok {
		return nil, fmt.Errorf("%w: refund of %s", ErrNotFound, originalID)
	}
	return tx.store.txns[id].Clone(), nil
}

func (tx *memTx) FindPairPartner(entry *models.LedgerTransaction) (*models.LedgerTransaction, error) {
	if entry.PairID == nil {
		return nil, fmt.Errorf("%w: transaction %s is not paired", ErrNotFound, entry.ID)
	}
	for _, t := range tx.staged {
		if t.ID != entry.ID && t.PairID != nil && *t.PairID == *entry.PairID {
			return t.Clone(), nil
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	for _, t := range tx.store.txns {
		if t.ID != entry.ID && t.PairID != nil && *t.PairID == *entry.PairID {
			return t.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: partner of %s", ErrNotFound, entry.ID)
}

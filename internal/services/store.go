package services

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/fdip/backend/internal/models"
)

// ListQuery selects one page of an account's ledger history. AsOf pins the
// result set to entries with Seq <= AsOf; zero means "latest" and the
// returned Pagination carries the value to pass back for later pages.
type ListQuery struct {
	Page     int
	PageSize int
	AsOf     int64
}

// offset is only meaningful on a normalized query.
func (q ListQuery) offset() int {
	return (q.Page - 1) * q.PageSize
}

// AccountStore is the durable source of truth for per-user balances.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	// CreateAccount is idempotent for the same role and fails with
	// ErrAlreadyExists when the account exists with a different role.
	CreateAccount(ctx context.Context, id string, role models.Role) (*models.Account, error)
	UpdateRole(ctx context.Context, id string, role models.Role) (*models.Account, error)
}

// TransactionLog is the read side of the append-only ledger.
type TransactionLog interface {
	GetTransaction(ctx context.Context, id string) (*models.LedgerTransaction, error)
	FindByExternalReference(ctx context.Context, ref string) (*models.LedgerTransaction, error)
	ListTransactions(ctx context.Context, accountID string, q ListQuery) ([]*models.LedgerTransaction, models.Pagination, error)
	// SumCompleted derives the balance from the log: completed entries plus
	// cashout holds that are still pending.
	SumCompleted(ctx context.Context, accountID string) (int64, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*models.LedgerTransaction, error)
}

// Store combines both halves with a unit of work.
type Store interface {
	AccountStore
	TransactionLog
	// RunInTx runs fn atomically while holding exclusive locks on lockIDs,
	// acquired in ascending id order. Every account mutated or appended to
	// inside fn must be listed. Conflicts with concurrent writers are
	// retried before an error is surfaced.
	RunInTx(ctx context.Context, lockIDs []string, fn func(tx Tx) error) error
}

// Tx is the write side, valid only inside RunInTx.
type Tx interface {
	GetAccount(id string) (*models.Account, error)
	// ApplyDelta changes all three counters or none. A negative resulting
	// balance fails with ErrInsufficientBalance.
	ApplyDelta(id string, balanceDelta, earnedDelta, spentDelta int64) (*models.Account, error)
	Append(entry *models.LedgerTransaction) (string, error)
	// Finalize moves a pending entry to a terminal status exactly once.
	Finalize(id string, status models.TransactionStatus, externalRef, reason *string) (*models.LedgerTransaction, error)
	SetExternalReference(id, ref string) error
	GetTransaction(id string) (*models.LedgerTransaction, error)
	// FindRefundOf returns ErrNotFound when the original was never refunded.
	FindRefundOf(originalID string) (*models.LedgerTransaction, error)
	FindPairPartner(entry *models.LedgerTransaction) (*models.LedgerTransaction, error)
}

// lockOrder sorts and de-duplicates ids; every store acquires account locks
// in this order so two opposite-direction tips cannot deadlock.
func lockOrder(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func normalizeQuery(q ListQuery, defaultSize, maxSize int) ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = defaultSize
	}
	if q.PageSize > maxSize {
		q.PageSize = maxSize
	}
	// keep offset+PageSize within int; such pages are always past the end
	if lastPage := (math.MaxInt-q.PageSize)/q.PageSize + 1; q.Page > lastPage {
		q.Page = lastPage
	}
	if q.AsOf < 0 {
		q.AsOf = 0
	}
	return q
}

func newPagination(q ListQuery, total, asOf int64) models.Pagination {
	pages := int((total + int64(q.PageSize) - 1) / int64(q.PageSize))
	return models.Pagination{
		Page:       q.Page,
		PageSize:   q.PageSize,
		Total:      total,
		TotalPages: pages,
		AsOf:       asOf,
	}
}

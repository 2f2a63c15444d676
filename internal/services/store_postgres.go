package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fdip/backend/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const transactionColumns = `id, seq, type, amount, status, account_id, counterparty_account_id, related_entity_id,
	pair_id, refund_of, external_reference, usd_cents, failure_reason, created_at, finalized_at`

// PostgresStore keeps accounts and the ledger in Postgres. Accounts are
// locked with SELECT ... FOR UPDATE in ascending id order and every balance
// write is guarded by the row version.
type PostgresStore struct {
	db          *sql.DB
	maxRetries  int
	pageSize    int
	maxPageSize int
}

func NewPostgresStore(db *sql.DB, maxRetries int) *PostgresStore {
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &PostgresStore{db: db, maxRetries: maxRetries, pageSize: defaultPageSize, maxPageSize: maxPageSize}
}

// SetPageLimits overrides the history page size defaults.
func (s *PostgresStore) SetPageLimits(defaultSize, maxSize int) {
	if defaultSize > 0 {
		s.pageSize = defaultSize
	}
	if maxSize >= s.pageSize {
		s.maxPageSize = maxSize
	}
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `
		SELECT id, role, balance, total_earned, total_spent, version, created_at, updated_at
		FROM accounts WHERE id = $1`, id), id)
}

func (s *PostgresStore) CreateAccount(ctx context.Context, id string, role models.Role) (*models.Account, error) {
	if id == "" || !role.Valid() {
		return nil, fmt.Errorf("invalid account id %q or role %q", id, role)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, role, balance, total_earned, total_spent, version, created_at, updated_at)
		VALUES ($1, $2, 0, 0, 0, 1, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING`, id, string(role))
	if err != nil {
		return nil, fmt.Errorf("failed to create account %s: %w", id, err)
	}

	account, err := s.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if account.Role != role {
		return nil, fmt.Errorf("%w: account %s has role %s", ErrAlreadyExists, id, account.Role)
	}
	return account, nil
}

func (s *PostgresStore) UpdateRole(ctx context.Context, id string, role models.Role) (*models.Account, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET role = $1, version = version + 1, updated_at = NOW() WHERE id = $2`,
		string(role), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update role of %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	return s.GetAccount(ctx, id)
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*models.LedgerTransaction, error) {
	return scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1`, id))
}

func (s *PostgresStore) FindByExternalReference(ctx context.Context, ref string) (*models.LedgerTransaction, error) {
	return scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE external_reference = $1`, ref))
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string, q ListQuery) ([]*models.LedgerTransaction, models.Pagination, error) {
	q = normalizeQuery(q, s.pageSize, s.maxPageSize)

	asOf := q.AsOf
	if asOf == 0 {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM ledger_transactions WHERE account_id = $1`,
			accountID).Scan(&asOf); err != nil {
			return nil, models.Pagination{}, fmt.Errorf("failed to read ledger head: %w", err)
		}
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_transactions WHERE account_id = $1 AND seq <= $2`,
		accountID, asOf).Scan(&total); err != nil {
		return nil, models.Pagination{}, fmt.Errorf("failed to count transactions: %w", err)
	}
	if int64(q.offset()) >= total {
		return []*models.LedgerTransaction{}, newPagination(q, total, asOf), nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE account_id = $1 AND seq <= $2
		ORDER BY seq DESC
		LIMIT $3 OFFSET $4`,
		accountID, asOf, q.PageSize, q.offset())
	if err != nil {
		return nil, models.Pagination{}, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	out, err := scanTransactions(rows)
	if err != nil {
		return nil, models.Pagination{}, err
	}
	return out, newPagination(q, total, asOf), nil
}

func (s *PostgresStore) SumCompleted(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_transactions
		WHERE account_id = $1 AND (status = 'completed' OR (status = 'pending' AND type = 'cashout'))`,
		accountID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger for %s: %w", accountID, err)
	}
	return sum, nil
}

func (s *PostgresStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*models.LedgerTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY seq ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *PostgresStore) RunInTx(ctx context.Context, lockIDs []string, fn func(tx Tx) error) error {
	ids := lockOrder(lockIDs)
	var err error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err = s.runOnce(ctx, ids, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		log.Printf("[LEDGER] Retrying unit of work (attempt %d/%d): %v", attempt, s.maxRetries, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return err
}

func (s *PostgresStore) runOnce(ctx context.Context, ids []string, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	tx := &pgTx{ctx: ctx, tx: sqlTx, locked: make(map[string]*models.Account, len(ids))}
	for _, id := range ids {
		account, err := tx.lockAccount(id)
		if err != nil {
			return err
		}
		tx.locked[id] = account
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return translatePQError(err)
	}
	return nil
}

type pgTx struct {
	ctx    context.Context
	tx     *sql.Tx
	locked map[string]*models.Account
}

func (t *pgTx) lockAccount(id string) (*models.Account, error) {
	return scanAccount(t.tx.QueryRowContext(t.ctx, `
		SELECT id, role, balance, total_earned, total_spent, version, created_at, updated_at
		FROM accounts WHERE id = $1
		FOR UPDATE`, id), id)
}

func (t *pgTx) GetAccount(id string) (*models.Account, error) {
	if a, ok := t.locked[id]; ok {
		c := *a
		return &c, nil
	}
	return scanAccount(t.tx.QueryRowContext(t.ctx, `
		SELECT id, role, balance, total_earned, total_spent, version, created_at, updated_at
		FROM accounts WHERE id = $1`, id), id)
}

func (t *pgTx) ApplyDelta(id string, balanceDelta, earnedDelta, spentDelta int64) (*models.Account, error) {
	a, ok := t.locked[id]
	if !ok {
		return nil, fmt.Errorf("account %s is not locked in this transaction", id)
	}
	if a.Balance+balanceDelta < 0 {
		return nil, fmt.Errorf("%w: account %s has %d, needs %d", ErrInsufficientBalance, id, a.Balance, -balanceDelta)
	}
	if a.TotalEarned+earnedDelta < 0 || a.TotalSpent+spentDelta < 0 {
		return nil, fmt.Errorf("%w: lifetime totals cannot go negative", ErrInvalidAmount)
	}

	next := *a
	next.Balance += balanceDelta
	next.TotalEarned += earnedDelta
	next.TotalSpent += spentDelta

	result, err := t.tx.ExecContext(t.ctx, `
		UPDATE accounts
		SET balance = $1, total_earned = $2, total_spent = $3, version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6`,
		next.Balance, next.TotalEarned, next.TotalSpent, time.Now(), id, a.Version)
	if err != nil {
		return nil, translatePQError(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: optimistic lock failed for account %s", errConflict, id)
	}

	next.Version++
	t.locked[id] = &next
	c := next
	return &c, nil
}

func (t *pgTx) Append(entry *models.LedgerTransaction) (string, error) {
	if _, ok := t.locked[entry.AccountID]; !ok {
		return "", fmt.Errorf("account %s is not locked in this transaction", entry.AccountID)
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	err := t.tx.QueryRowContext(t.ctx, `
		INSERT INTO ledger_transactions (id, type, amount, status, account_id, counterparty_account_id,
			related_entity_id, pair_id, refund_of, external_reference, usd_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq`,
		entry.ID, string(entry.Type), entry.Amount, string(entry.Status), entry.AccountID,
		entry.CounterpartyAccountID, entry.RelatedEntityID, entry.PairID, entry.RefundOf,
		entry.ExternalReference, entry.USDCents, entry.CreatedAt).Scan(&entry.Seq)
	if err != nil {
		return "", translatePQError(err)
	}
	return entry.ID, nil
}

func (t *pgTx) Finalize(id string, status models.TransactionStatus, externalRef, reason *string) (*models.LedgerTransaction, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is not a terminal status", ErrInvalidStateTransition, status)
	}
	current, err := t.GetTransaction(id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.TransactionStatusPending {
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrInvalidStateTransition, id, current.Status)
	}
	if externalRef != nil && current.ExternalReference != nil && *current.ExternalReference != *externalRef {
		return nil, fmt.Errorf("%w: transaction %s already has reference %s", ErrInvalidStateTransition, id, *current.ExternalReference)
	}

	now := time.Now()
	_, err = t.tx.ExecContext(t.ctx, `
		UPDATE ledger_transactions
		SET status = $1, external_reference = COALESCE(external_reference, $2), failure_reason = $3, finalized_at = $4
		WHERE id = $5 AND status = 'pending'`,
		string(status), externalRef, reason, now, id)
	if err != nil {
		return nil, translatePQError(err)
	}

	current.Status = status
	if current.ExternalReference == nil && externalRef != nil {
		current.ExternalReference = models.StringPtr(*externalRef)
	}
	if reason != nil {
		current.FailureReason = models.StringPtr(*reason)
	}
	current.FinalizedAt = &now
	return current, nil
}

func (t *pgTx) SetExternalReference(id, ref string) error {
	result, err := t.tx.ExecContext(t.ctx, `
		UPDATE ledger_transactions SET external_reference = $1
		WHERE id = $2 AND status = 'pending' AND (external_reference IS NULL OR external_reference = $1)`,
		ref, id)
	if err != nil {
		return translatePQError(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: cannot set reference on transaction %s", ErrInvalidStateTransition, id)
	}
	return nil
}

func (t *pgTx) GetTransaction(id string) (*models.LedgerTransaction, error) {
	return scanTransaction(t.tx.QueryRowContext(t.ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) FindRefundOf(originalID string) (*models.LedgerTransaction, error) {
	return scanTransaction(t.tx.QueryRowContext(t.ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE refund_of = $1`, originalID))
}

func (t *pgTx) FindPairPartner(entry *models.LedgerTransaction) (*models.LedgerTransaction, error) {
	if entry.PairID == nil {
		return nil, fmt.Errorf("%w: transaction %s is not paired", ErrNotFound, entry.ID)
	}
	return scanTransaction(t.tx.QueryRowContext(t.ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE pair_id = $1 AND id <> $2 FOR UPDATE`,
		*entry.PairID, entry.ID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner, id string) (*models.Account, error) {
	var a models.Account
	var role string
	err := row.Scan(&a.ID, &role, &a.Balance, &a.TotalEarned, &a.TotalSpent, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, translatePQError(err)
	}
	a.Role = models.Role(role)
	return &a, nil
}

func scanTransaction(row rowScanner) (*models.LedgerTransaction, error) {
	var t models.LedgerTransaction
	var txType, status string
	var counterparty, related, pairID, refundOf, ref, reason sql.NullString
	var finalizedAt sql.NullTime
	err := row.Scan(&t.ID, &t.Seq, &txType, &t.Amount, &status, &t.AccountID, &counterparty, &related,
		&pairID, &refundOf, &ref, &t.USDCents, &reason, &t.CreatedAt, &finalizedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: ledger transaction", ErrNotFound)
	}
	if err != nil {
		return nil, translatePQError(err)
	}
	t.Type = models.TransactionType(txType)
	t.Status = models.TransactionStatus(status)
	t.CounterpartyAccountID = nullString(counterparty)
	t.RelatedEntityID = nullString(related)
	t.PairID = nullString(pairID)
	t.RefundOf = nullString(refundOf)
	t.ExternalReference = nullString(ref)
	t.FailureReason = nullString(reason)
	if finalizedAt.Valid {
		f := finalizedAt.Time
		t.FinalizedAt = &f
	}
	return &t, nil
}

func scanTransactions(rows *sql.Rows) ([]*models.LedgerTransaction, error) {
	var out []*models.LedgerTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	return out, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

// translatePQError maps Postgres error codes onto the ledger taxonomy.
func translatePQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return fmt.Errorf("%w: %s", errConflict, pqErr.Message)
	case "23505": // unique_violation
		if pqErr.Constraint == "uq_ledger_transactions_refund_of" {
			return fmt.Errorf("%w: %s", ErrAlreadyRefunded, pqErr.Detail)
		}
		return fmt.Errorf("%w: %s", ErrAlreadyExists, pqErr.Detail)
	case "23514": // check_violation
		if pqErr.Constraint == "accounts_balance_check" {
			return fmt.Errorf("%w: %s", ErrInsufficientBalance, pqErr.Message)
		}
	}
	return err
}

func isRetryable(err error) bool {
	return errors.Is(err, errConflict)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fdip/backend/internal/audit"
	"github.com/fdip/backend/internal/models"
	"github.com/google/uuid"
)

// ChapterDirectory resolves the author credited for a chapter. It returns
// ErrNotFound for chapters that do not exist or are not publicly readable.
type ChapterDirectory interface {
	AuthorOf(ctx context.Context, chapterID string) (authorID string, role models.Role, err error)
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Role models.Role
}

type PurchaseResult struct {
	Transaction   *models.LedgerTransaction `json:"transaction"`
	ClientSecret  string                    `json:"client_secret"`
	Reference     string                    `json:"payment_reference"`
	TokensToAward int64                     `json:"tokens_to_award"`
	ChargeCents   Cents                     `json:"charge_cents"`
}

type TipRequest struct {
	SenderID    string
	RecipientID string
	ChapterID   string
	Amount      int64
}

type TipResult struct {
	Sent     *models.LedgerTransaction `json:"sent"`
	Received *models.LedgerTransaction `json:"received"`
}

type CashoutResult struct {
	Transaction *models.LedgerTransaction `json:"transaction"`
	PayoutCents Cents                     `json:"payout_cents"`
	PayoutUSD   float64                   `json:"payout_amount_usd"`
	Status      models.TransactionStatus  `json:"status"`
}

type ReconcileReport struct {
	AccountID  string `json:"account_id"`
	Cached     int64  `json:"cached_balance"`
	Derived    int64  `json:"derived_balance"`
	Consistent bool   `json:"consistent"`
}

// Processor executes every balance-changing operation. Each operation runs
// in a single unit of work; gateway round-trips happen between units.
type Processor struct {
	store      Store
	gateway    PaymentGateway
	policy     ConversionPolicy
	guard      AuthorizationGuard
	chapters   ChapterDirectory
	audit      *audit.Logger
	metrics    *Metrics
	minCashout int64
	now        func() time.Time
}

type ProcessorOption func(*Processor)

func WithConversionPolicy(policy ConversionPolicy) ProcessorOption {
	return func(p *Processor) { p.policy = policy }
}

func WithChapterDirectory(chapters ChapterDirectory) ProcessorOption {
	return func(p *Processor) { p.chapters = chapters }
}

func WithAuditLogger(logger *audit.Logger) ProcessorOption {
	return func(p *Processor) { p.audit = logger }
}

func WithMetrics(metrics *Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = metrics }
}

func WithMinCashout(tokens int64) ProcessorOption {
	return func(p *Processor) {
		if tokens > 0 {
			p.minCashout = tokens
		}
	}
}

func NewProcessor(store Store, gateway PaymentGateway, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:      store,
		gateway:    gateway,
		policy:     NewConversionPolicy(0),
		minCashout: 10,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnsureAccount returns the caller's account, creating it on first use and
// following role changes made by the identity provider.
func (p *Processor) EnsureAccount(ctx context.Context, id string, role models.Role) (*models.Account, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrForbidden, role)
	}
	account, err := p.store.GetAccount(ctx, id)
	if errors.Is(err, ErrNotFound) {
		account, err = p.store.CreateAccount(ctx, id, role)
		if errors.Is(err, ErrAlreadyExists) {
			// lost a creation race against a request with a different role
			return p.store.UpdateRole(ctx, id, role)
		}
		return account, err
	}
	if err != nil {
		return nil, err
	}
	if account.Role != role {
		log.Printf("[PROCESSOR] Syncing role of %s from %s to %s", id, account.Role, role)
		return p.store.UpdateRole(ctx, id, role)
	}
	return account, nil
}

func (p *Processor) Balance(ctx context.Context, accountID string) (*models.Balance, error) {
	account, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &models.Balance{
		Balance:     account.Balance,
		TotalEarned: account.TotalEarned,
		TotalSpent:  account.TotalSpent,
	}, nil
}

// Transactions lists an account's history newest first.
func (p *Processor) Transactions(ctx context.Context, accountID string, q ListQuery) ([]*models.LedgerTransaction, models.Pagination, error) {
	if _, err := p.store.GetAccount(ctx, accountID); err != nil {
		return nil, models.Pagination{}, err
	}
	return p.store.ListTransactions(ctx, accountID, q)
}

// Transaction returns one ledger entry. Owners see their own entries and
// admins see all of them.
func (p *Processor) Transaction(ctx context.Context, actor Actor, id string) (*models.LedgerTransaction, error) {
	txn, err := p.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleAdmin && txn.AccountID != actor.ID {
		// hide existence from other accounts
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return txn, nil
}

// Purchase opens a pending purchase and asks the gateway for a payment
// intent. Tokens are credited only by OnPaymentResult.
func (p *Processor) Purchase(ctx context.Context, accountID string, usd float64) (result *PurchaseResult, err error) {
	defer p.observe("purchase", p.now(), &err)

	cents, err := CentsFromUSD(usd)
	if err != nil {
		return nil, err
	}
	tokens, err := p.policy.TokensForCents(cents)
	if err != nil {
		return nil, err
	}
	if tokens <= 0 {
		return nil, fmt.Errorf("%w: %s buys less than one token", ErrInvalidAmount, cents)
	}

	account, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := p.guard.CanPurchase(account); err != nil {
		return nil, err
	}

	entry := &models.LedgerTransaction{
		ID:        uuid.New().String(),
		Type:      models.TransactionTypePurchase,
		Amount:    tokens,
		Status:    models.TransactionStatusPending,
		AccountID: accountID,
		USDCents:  int64(cents),
		CreatedAt: p.now(),
	}
	err = p.store.RunInTx(ctx, []string{accountID}, func(tx Tx) error {
		_, err := tx.Append(entry)
		return err
	})
	if err != nil {
		p.audit.LogError(entry.ID, accountID, err)
		return nil, err
	}
	p.audit.LogEntry("PURCHASE_PENDING", entry)

	intent, err := p.gateway.CreatePaymentIntent(ctx, PaymentRequest{
		TransactionID: entry.ID,
		AccountID:     accountID,
		Amount:        cents,
		Tokens:        tokens,
	})
	if err != nil {
		log.Printf("[PROCESSOR] Payment intent for %s failed: %v", entry.ID, err)
		p.audit.LogError(entry.ID, accountID, err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	if err := p.attachReference(ctx, entry, intent.Reference); err != nil {
		return nil, err
	}

	current, err := p.store.GetTransaction(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	return &PurchaseResult{
		Transaction:   current,
		ClientSecret:  intent.ClientSecret,
		Reference:     intent.Reference,
		TokensToAward: tokens,
		ChargeCents:   cents,
	}, nil
}

// attachReference stores the gateway id on a pending entry. A callback that
// already finalized the entry through its metadata id is not an error as
// long as it recorded the same reference.
func (p *Processor) attachReference(ctx context.Context, entry *models.LedgerTransaction, ref string) error {
	err := p.store.RunInTx(ctx, []string{entry.AccountID}, func(tx Tx) error {
		return tx.SetExternalReference(entry.ID, ref)
	})
	if errors.Is(err, ErrInvalidStateTransition) {
		current, getErr := p.store.GetTransaction(ctx, entry.ID)
		if getErr == nil && current.ExternalReference != nil && *current.ExternalReference == ref {
			return nil
		}
	}
	if err != nil {
		p.audit.LogError(entry.ID, entry.AccountID, err)
		return fmt.Errorf("failed to record gateway reference %s: %w", ref, err)
	}
	return nil
}

// Tip moves tokens from a reader to an author. Both halves, both balance
// updates and both status changes commit together or not at all.
func (p *Processor) Tip(ctx context.Context, req TipRequest) (result *TipResult, err error) {
	defer p.observe("tip", p.now(), &err)

	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: tip amount must be positive", ErrInvalidAmount)
	}

	recipientID, err := p.resolveRecipient(ctx, req)
	if err != nil {
		return nil, err
	}
	if recipientID == req.SenderID {
		return nil, fmt.Errorf("%w: cannot tip yourself", ErrForbidden)
	}

	now := p.now()
	pairID := uuid.New().String()
	var related *string
	if req.ChapterID != "" {
		related = models.StringPtr(req.ChapterID)
	}
	sent := &models.LedgerTransaction{
		ID:                    uuid.New().String(),
		Type:                  models.TransactionTypeTipSent,
		Amount:                -req.Amount,
		Status:                models.TransactionStatusCompleted,
		AccountID:             req.SenderID,
		CounterpartyAccountID: models.StringPtr(recipientID),
		RelatedEntityID:       related,
		PairID:                models.StringPtr(pairID),
		CreatedAt:             now,
		FinalizedAt:           &now,
	}
	received := &models.LedgerTransaction{
		ID:                    uuid.New().String(),
		Type:                  models.TransactionTypeTipReceived,
		Amount:                req.Amount,
		Status:                models.TransactionStatusCompleted,
		AccountID:             recipientID,
		CounterpartyAccountID: models.StringPtr(req.SenderID),
		RelatedEntityID:       cloneRef(related),
		PairID:                models.StringPtr(pairID),
		CreatedAt:             now,
		FinalizedAt:           &now,
	}

	err = p.store.RunInTx(ctx, []string{req.SenderID, recipientID}, func(tx Tx) error {
		sender, err := tx.GetAccount(req.SenderID)
		if err != nil {
			return err
		}
		recipient, err := tx.GetAccount(recipientID)
		if err != nil {
			return err
		}
		if err := p.guard.CanTip(sender, recipient); err != nil {
			return err
		}
		if sender.Balance < req.Amount {
			return fmt.Errorf("%w: balance %d, tip %d", ErrInsufficientBalance, sender.Balance, req.Amount)
		}

		if _, err := tx.Append(sent); err != nil {
			return err
		}
		if _, err := tx.Append(received); err != nil {
			return err
		}
		if _, err := tx.ApplyDelta(req.SenderID, -req.Amount, 0, req.Amount); err != nil {
			return err
		}
		_, err = tx.ApplyDelta(recipientID, req.Amount, req.Amount, 0)
		return err
	})
	if err != nil {
		p.audit.LogError(pairID, req.SenderID, err)
		return nil, err
	}

	p.audit.LogTransfer(pairID, req.SenderID, recipientID, req.Amount, string(models.TransactionStatusCompleted))
	p.metrics.TokensMoved(string(models.TransactionTypeTipSent), req.Amount)
	return &TipResult{Sent: sent, Received: received}, nil
}

func (p *Processor) resolveRecipient(ctx context.Context, req TipRequest) (string, error) {
	if req.ChapterID == "" {
		if req.RecipientID == "" {
			return "", fmt.Errorf("%w: tip needs a chapter or a recipient", ErrInvalidAmount)
		}
		if _, err := p.store.GetAccount(ctx, req.RecipientID); err != nil {
			return "", err
		}
		return req.RecipientID, nil
	}
	if p.chapters == nil {
		return "", fmt.Errorf("%w: chapter %s", ErrNotFound, req.ChapterID)
	}

	authorID, role, err := p.chapters.AuthorOf(ctx, req.ChapterID)
	if err != nil {
		return "", err
	}
	if req.RecipientID != "" && req.RecipientID != authorID {
		return "", fmt.Errorf("%w: chapter %s is not written by %s", ErrForbidden, req.ChapterID, req.RecipientID)
	}
	// authors who never signed in to the ledger get their account here
	if _, err := p.store.GetAccount(ctx, authorID); errors.Is(err, ErrNotFound) {
		if _, err := p.store.CreateAccount(ctx, authorID, role); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return "", err
		}
	} else if err != nil {
		return "", err
	}
	return authorID, nil
}

// Cashout holds tokens against a pending payout and asks the gateway to pay
// the author. The hold is released if the payout fails.
func (p *Processor) Cashout(ctx context.Context, accountID string, tokens int64) (result *CashoutResult, err error) {
	defer p.observe("cashout", p.now(), &err)

	if tokens <= 0 {
		return nil, fmt.Errorf("%w: cashout amount must be positive", ErrInvalidAmount)
	}
	account, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := p.guard.CanCashout(account); err != nil {
		return nil, err
	}
	if tokens < p.minCashout {
		return nil, fmt.Errorf("%w: minimum cashout is %d tokens", ErrInvalidAmount, p.minCashout)
	}
	payout, err := p.policy.USDForCashout(tokens)
	if err != nil {
		return nil, err
	}

	entry := &models.LedgerTransaction{
		ID:        uuid.New().String(),
		Type:      models.TransactionTypeCashout,
		Amount:    -tokens,
		Status:    models.TransactionStatusPending,
		AccountID: accountID,
		USDCents:  int64(payout),
		CreatedAt: p.now(),
	}
	err = p.store.RunInTx(ctx, []string{accountID}, func(tx Tx) error {
		account, err := tx.GetAccount(accountID)
		if err != nil {
			return err
		}
		if err := p.guard.CanCashout(account); err != nil {
			return err
		}
		if account.Balance < tokens {
			return fmt.Errorf("%w: balance %d, cashout %d", ErrInsufficientBalance, account.Balance, tokens)
		}
		if _, err := tx.ApplyDelta(accountID, -tokens, 0, tokens); err != nil {
			return err
		}
		_, err = tx.Append(entry)
		return err
	})
	if err != nil {
		p.audit.LogError(entry.ID, accountID, err)
		return nil, err
	}
	p.audit.LogEntry("CASHOUT_PENDING", entry)

	res, err := p.gateway.CreatePayout(ctx, PayoutRequest{
		TransactionID: entry.ID,
		AccountID:     accountID,
		Amount:        payout,
		Tokens:        tokens,
	})
	if err != nil {
		log.Printf("[PROCESSOR] Payout for %s failed, hold kept until reconciliation: %v", entry.ID, err)
		p.audit.LogError(entry.ID, accountID, err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if err := p.attachReference(ctx, entry, res.Reference); err != nil {
		return nil, err
	}

	current, err := p.store.GetTransaction(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	return &CashoutResult{
		Transaction: current,
		PayoutCents: payout,
		PayoutUSD:   payout.Dollars(),
		Status:      current.Status,
	}, nil
}

// CancelPurchase abandons a checkout that was never paid.
func (p *Processor) CancelPurchase(ctx context.Context, accountID, transactionID string) (txn *models.LedgerTransaction, err error) {
	defer p.observe("cancel", p.now(), &err)

	original, err := p.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := p.guard.CanCancel(accountID, original); err != nil {
		return nil, err
	}
	if original.Type != models.TransactionTypePurchase {
		return nil, fmt.Errorf("%w: only purchases can be cancelled", ErrInvalidStateTransition)
	}

	err = p.store.RunInTx(ctx, []string{original.AccountID}, func(tx Tx) error {
		txn, err = tx.Finalize(transactionID, models.TransactionStatusCancelled, nil, models.StringPtr("cancelled by buyer"))
		return err
	})
	if err != nil {
		return nil, err
	}
	p.audit.LogEntry("PURCHASE_CANCELLED", txn)
	return txn, nil
}

// Reconcile compares the cached balance with the sum derived from the log.
func (p *Processor) Reconcile(ctx context.Context, accountID string) (*ReconcileReport, error) {
	account, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	derived, err := p.store.SumCompleted(ctx, accountID)
	if err != nil {
		return nil, err
	}
	report := &ReconcileReport{
		AccountID:  accountID,
		Cached:     account.Balance,
		Derived:    derived,
		Consistent: account.Balance == derived,
	}
	if !report.Consistent {
		p.metrics.ReconcileMismatch()
		log.Printf("[RECONCILER] Balance mismatch on %s: cached=%d derived=%d", accountID, account.Balance, derived)
		p.audit.LogError("", accountID, fmt.Errorf("balance mismatch: cached=%d derived=%d", account.Balance, derived))
	}
	return report, nil
}

func (p *Processor) observe(operation string, started time.Time, err *error) {
	p.metrics.ObserveOperation(operation, started, *err)
}

func cloneRef(s *string) *string {
	if s == nil {
		return nil
	}
	return models.StringPtr(*s)
}

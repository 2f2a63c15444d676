package models

import (
	"time"
)

// TransactionType classifies a balance-affecting ledger entry.
type TransactionType string

const (
	TransactionTypePurchase    TransactionType = "purchase"
	TransactionTypeTipSent     TransactionType = "tip_sent"
	TransactionTypeTipReceived TransactionType = "tip_received"
	TransactionTypeCashout     TransactionType = "cashout"
	TransactionTypeRefund      TransactionType = "refund"
)

// TransactionStatus is the lifecycle state of a ledger entry.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed || s == TransactionStatusCancelled
}

// LedgerTransaction is one immutable row of the token ledger. Only Status,
// ExternalReference, FailureReason and FinalizedAt change after creation.
type LedgerTransaction struct {
	ID                    string            `json:"id" db:"id"`
	Seq                   int64             `json:"seq" db:"seq"`
	Type                  TransactionType   `json:"transaction_type" db:"type"`
	Amount                int64             `json:"amount" db:"amount"` // tokens, signed
	Status                TransactionStatus `json:"status" db:"status"`
	AccountID             string            `json:"account_id" db:"account_id"`
	CounterpartyAccountID *string           `json:"counterparty_account_id,omitempty" db:"counterparty_account_id"`
	RelatedEntityID       *string           `json:"related_entity_id,omitempty" db:"related_entity_id"`
	PairID                *string           `json:"pair_id,omitempty" db:"pair_id"`
	RefundOf              *string           `json:"refund_of,omitempty" db:"refund_of"`
	ExternalReference     *string           `json:"external_reference,omitempty" db:"external_reference"`
	USDCents              int64             `json:"usd_cents,omitempty" db:"usd_cents"`
	FailureReason         *string           `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt             time.Time         `json:"created_at" db:"created_at"`
	FinalizedAt           *time.Time        `json:"finalized_at,omitempty" db:"finalized_at"`
}

// AppliedToBalance reports whether the entry's amount is currently reflected
// in the owning account's balance. Pending cashouts hold their tokens.
func (t *LedgerTransaction) AppliedToBalance() bool {
	if t.Status == TransactionStatusCompleted {
		return true
	}
	return t.Status == TransactionStatusPending && t.Type == TransactionTypeCashout
}

// Clone returns a deep copy so stores can hand out rows without aliasing.
func (t *LedgerTransaction) Clone() *LedgerTransaction {
	if t == nil {
		return nil
	}
	c := *t
	c.CounterpartyAccountID = cloneString(t.CounterpartyAccountID)
	c.RelatedEntityID = cloneString(t.RelatedEntityID)
	c.PairID = cloneString(t.PairID)
	c.RefundOf = cloneString(t.RefundOf)
	c.ExternalReference = cloneString(t.ExternalReference)
	c.FailureReason = cloneString(t.FailureReason)
	if t.FinalizedAt != nil {
		f := *t.FinalizedAt
		c.FinalizedAt = &f
	}
	return &c
}

// Pagination describes a page of ledger history. AsOf pins the page set to
// entries with Seq <= AsOf so later pages are unaffected by new appends.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	AsOf       int64 `json:"as_of"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr is a small helper for optional columns.
func StringPtr(s string) *string {
	return &s
}

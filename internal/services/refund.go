package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/fdip/backend/internal/models"
	"github.com/google/uuid"
)

// RefundResult holds the compensating entries of a refund: one for a
// purchase, two for a tip.
type RefundResult struct {
	Original *models.LedgerTransaction   `json:"original"`
	Refunds  []*models.LedgerTransaction `json:"refunds"`
}

func refundable(t models.TransactionType) bool {
	switch t {
	case models.TransactionTypePurchase, models.TransactionTypeTipSent, models.TransactionTypeTipReceived:
		return true
	}
	return false
}

// Refund reverses a completed purchase or tip with new compensating entries.
// The originals are never edited. An entry is refunded at most once; for a
// tip both halves are reversed together.
func (p *Processor) Refund(ctx context.Context, actor Actor, originalID, reason string) (result *RefundResult, err error) {
	defer p.observe("refund", p.now(), &err)

	if err := p.guard.CanRefund(actor.Role); err != nil {
		return nil, err
	}

	original, err := p.store.GetTransaction(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if !refundable(original.Type) {
		return nil, fmt.Errorf("%w: %s entries cannot be refunded", ErrInvalidStateTransition, original.Type)
	}

	lockIDs := []string{original.AccountID}
	if original.CounterpartyAccountID != nil {
		lockIDs = append(lockIDs, *original.CounterpartyAccountID)
	}

	result = &RefundResult{}
	err = p.store.RunInTx(ctx, lockIDs, func(tx Tx) error {
		// fn reruns when the store retries a conflict
		result.Refunds = nil
		result.Original = nil
		current, err := tx.GetTransaction(originalID)
		if err != nil {
			return err
		}
		if current.Status != models.TransactionStatusCompleted {
			return fmt.Errorf("%w: transaction %s is %s", ErrInvalidStateTransition, current.ID, current.Status)
		}
		if err := ensureNotRefunded(tx, current.ID); err != nil {
			return err
		}
		result.Original = current

		targets := []*models.LedgerTransaction{current}
		var pairID *string
		if current.Type != models.TransactionTypePurchase {
			partner, err := tx.FindPairPartner(current)
			if err != nil {
				return err
			}
			if err := ensureNotRefunded(tx, partner.ID); err != nil {
				return err
			}
			targets = append(targets, partner)
			pairID = models.StringPtr(uuid.New().String())
		}

		// debits first so an emptied balance fails before anything is credited
		if len(targets) == 2 && targets[0].Amount < 0 {
			targets[0], targets[1] = targets[1], targets[0]
		}
		for _, target := range targets {
			entry, err := p.reverse(tx, target, pairID)
			if err != nil {
				return err
			}
			result.Refunds = append(result.Refunds, entry)
		}
		return nil
	})
	if err != nil {
		p.audit.LogError(originalID, original.AccountID, err)
		return nil, err
	}
	if reason == "" {
		reason = "unspecified"
	}
	p.audit.LogOperation(originalID, actor.ID, "REFUND_ISSUED", reason)
	for _, entry := range result.Refunds {
		p.audit.LogEntry("REFUND_COMPLETED", entry)
		p.metrics.TokensMoved(string(models.TransactionTypeRefund), entry.Amount)
	}
	return result, nil
}

// reverse appends the inverse of target and applies the inverse of the
// delta target originally applied.
func (p *Processor) reverse(tx Tx, target *models.LedgerTransaction, pairID *string) (*models.LedgerTransaction, error) {
	var earned, spent int64
	switch target.Type {
	case models.TransactionTypeTipSent:
		spent = target.Amount // negative: undoes total_spent += amount
	case models.TransactionTypeTipReceived:
		earned = -target.Amount
	}
	if _, err := tx.ApplyDelta(target.AccountID, -target.Amount, earned, spent); err != nil {
		return nil, err
	}

	now := p.now()
	entry := &models.LedgerTransaction{
		ID:                    uuid.New().String(),
		Type:                  models.TransactionTypeRefund,
		Amount:                -target.Amount,
		Status:                models.TransactionStatusCompleted,
		AccountID:             target.AccountID,
		CounterpartyAccountID: cloneRef(target.CounterpartyAccountID),
		RelatedEntityID:       cloneRef(target.RelatedEntityID),
		PairID:                pairID,
		RefundOf:              models.StringPtr(target.ID),
		USDCents:              target.USDCents,
		CreatedAt:             now,
		FinalizedAt:           &now,
	}
	if _, err := tx.Append(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func ensureNotRefunded(tx Tx, originalID string) error {
	existing, err := tx.FindRefundOf(originalID)
	if err == nil {
		return fmt.Errorf("%w: %s by %s", ErrAlreadyRefunded, originalID, existing.ID)
	}
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// SystemActorID identifies refunds initiated by the card processor.
const SystemActorID = "system:gateway"

// RefundByReference applies a refund the card processor reports for a
// purchase. Reporting the same refund twice is not an error.
func (p *Processor) RefundByReference(ctx context.Context, ref, txnID, reason string) (*RefundResult, error) {
	original, err := p.lookupCallbackTarget(ctx, ref, txnID, models.TransactionTypePurchase)
	if err != nil {
		p.metrics.Callback("refund", "unknown")
		return nil, err
	}

	result, err := p.Refund(ctx, Actor{ID: SystemActorID, Role: models.RoleAdmin}, original.ID, reason)
	if errors.Is(err, ErrAlreadyRefunded) {
		p.metrics.Callback("refund", "duplicate")
		return &RefundResult{Original: original}, nil
	}
	if err != nil {
		p.metrics.Callback("refund", "error")
		return nil, err
	}
	p.metrics.Callback("refund", "applied")
	return result, nil
}

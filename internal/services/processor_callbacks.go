package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/fdip/backend/internal/models"
)

// PaymentResult is the gateway's verdict on a purchase.
type PaymentResult struct {
	Reference     string
	TransactionID string
	Success       bool
	Reason        string
}

// PayoutResult is the gateway's verdict on a cashout.
type PayoutResult struct {
	Reference     string
	TransactionID string
	Success       bool
	Reason        string
}

// OnPaymentResult settles a pending purchase. Callbacks for entries that are
// already terminal change nothing and return the stored entry.
func (p *Processor) OnPaymentResult(ctx context.Context, res PaymentResult) (*models.LedgerTransaction, error) {
	original, err := p.lookupCallbackTarget(ctx, res.Reference, res.TransactionID, models.TransactionTypePurchase)
	if err != nil {
		p.metrics.Callback("payment", "unknown")
		return nil, err
	}

	var finalized *models.LedgerTransaction
	duplicate := false
	err = p.store.RunInTx(ctx, []string{original.AccountID}, func(tx Tx) error {
		current, err := tx.GetTransaction(original.ID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			duplicate = true
			finalized = current
			return nil
		}

		ref := callbackRef(res.Reference)
		if !res.Success {
			finalized, err = tx.Finalize(current.ID, models.TransactionStatusFailed, ref, failureReason(res.Reason, "payment failed"))
			return err
		}
		if _, err := tx.ApplyDelta(current.AccountID, current.Amount, 0, 0); err != nil {
			return err
		}
		finalized, err = tx.Finalize(current.ID, models.TransactionStatusCompleted, ref, nil)
		return err
	})
	if err != nil {
		p.metrics.Callback("payment", "error")
		p.audit.LogError(original.ID, original.AccountID, err)
		return nil, err
	}

	if duplicate {
		p.metrics.Callback("payment", "duplicate")
		if res.Success && finalized.Status != models.TransactionStatusCompleted {
			log.Printf("[PROCESSOR] Payment %s succeeded after purchase %s was %s", res.Reference, finalized.ID, finalized.Status)
			p.audit.LogError(finalized.ID, finalized.AccountID, fmt.Errorf("late payment success on %s purchase", finalized.Status))
		}
		return finalized, nil
	}

	p.metrics.Callback("payment", string(finalized.Status))
	if finalized.Status == models.TransactionStatusCompleted {
		p.metrics.TokensMoved(string(models.TransactionTypePurchase), finalized.Amount)
		p.audit.LogEntry("PURCHASE_COMPLETED", finalized)
	} else {
		p.audit.LogEntry("PURCHASE_FAILED", finalized)
	}
	return finalized, nil
}

// OnPayoutResult settles a pending cashout, releasing the hold on failure.
func (p *Processor) OnPayoutResult(ctx context.Context, res PayoutResult) (*models.LedgerTransaction, error) {
	original, err := p.lookupCallbackTarget(ctx, res.Reference, res.TransactionID, models.TransactionTypeCashout)
	if err != nil {
		p.metrics.Callback("payout", "unknown")
		return nil, err
	}

	var finalized *models.LedgerTransaction
	duplicate := false
	err = p.store.RunInTx(ctx, []string{original.AccountID}, func(tx Tx) error {
		current, err := tx.GetTransaction(original.ID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			duplicate = true
			finalized = current
			return nil
		}

		ref := callbackRef(res.Reference)
		if res.Success {
			finalized, err = tx.Finalize(current.ID, models.TransactionStatusCompleted, ref, nil)
			return err
		}
		finalized, err = p.releaseHold(tx, current, models.TransactionStatusFailed, ref, failureReason(res.Reason, "payout failed"))
		return err
	})
	if err != nil {
		p.metrics.Callback("payout", "error")
		p.audit.LogError(original.ID, original.AccountID, err)
		return nil, err
	}

	if duplicate {
		p.metrics.Callback("payout", "duplicate")
		return finalized, nil
	}

	p.metrics.Callback("payout", string(finalized.Status))
	if finalized.Status == models.TransactionStatusCompleted {
		p.metrics.TokensMoved(string(models.TransactionTypeCashout), finalized.Amount)
		p.audit.LogEntry("CASHOUT_COMPLETED", finalized)
	} else {
		p.audit.LogEntry("CASHOUT_FAILED", finalized)
	}
	return finalized, nil
}

// releaseHold returns held cashout tokens and finalizes the entry.
func (p *Processor) releaseHold(tx Tx, entry *models.LedgerTransaction, status models.TransactionStatus, ref, reason *string) (*models.LedgerTransaction, error) {
	held := -entry.Amount
	if _, err := tx.ApplyDelta(entry.AccountID, held, 0, -held); err != nil {
		return nil, err
	}
	return tx.Finalize(entry.ID, status, ref, reason)
}

// lookupCallbackTarget finds the entry a callback refers to: by gateway
// reference first, then by the ledger id echoed back in gateway metadata.
// The fallback covers callbacks that arrive before the reference is stored.
func (p *Processor) lookupCallbackTarget(ctx context.Context, ref, txnID string, want models.TransactionType) (*models.LedgerTransaction, error) {
	var (
		txn *models.LedgerTransaction
		err error
	)
	if ref != "" {
		txn, err = p.store.FindByExternalReference(ctx, ref)
	} else {
		err = fmt.Errorf("%w: callback carries no reference", ErrNotFound)
	}
	if errors.Is(err, ErrNotFound) && txnID != "" {
		txn, err = p.store.GetTransaction(ctx, txnID)
	}
	if err != nil {
		log.Printf("[PROCESSOR] Callback for unknown reference %q (txn %q): %v", ref, txnID, err)
		return nil, err
	}
	if txn.Type != want {
		return nil, fmt.Errorf("%w: callback for %s targets a %s entry", ErrInvalidStateTransition, want, txn.Type)
	}
	return txn, nil
}

func callbackRef(ref string) *string {
	if ref == "" {
		return nil
	}
	return models.StringPtr(ref)
}

func failureReason(reason, fallback string) *string {
	if reason == "" {
		reason = fallback
	}
	return models.StringPtr(reason)
}

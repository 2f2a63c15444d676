package services

import (
	"fmt"

	"github.com/fdip/backend/internal/models"
)

// AuthorizationGuard holds the role and ownership rules consulted before any
// ledger mutation. It is stateless.
type AuthorizationGuard struct{}

func (AuthorizationGuard) CanPurchase(account *models.Account) error {
	if account == nil || !account.Role.Valid() {
		return fmt.Errorf("%w: unknown account role", ErrForbidden)
	}
	return nil
}

func (AuthorizationGuard) CanTip(sender, recipient *models.Account) error {
	if sender == nil || recipient == nil {
		return fmt.Errorf("%w: tip requires both accounts", ErrForbidden)
	}
	if sender.ID == recipient.ID {
		return fmt.Errorf("%w: cannot tip yourself", ErrForbidden)
	}
	if !recipient.Role.CanEarn() {
		return fmt.Errorf("%w: recipient %s is not an author", ErrForbidden, recipient.ID)
	}
	return nil
}

func (AuthorizationGuard) CanCashout(account *models.Account) error {
	if account == nil || !account.Role.CanEarn() {
		return fmt.Errorf("%w: only authors can cash out", ErrForbidden)
	}
	return nil
}

// CanRefund allows refunds to be issued by admins only.
func (AuthorizationGuard) CanRefund(actor models.Role) error {
	if actor != models.RoleAdmin {
		return fmt.Errorf("%w: refunds require admin role", ErrForbidden)
	}
	return nil
}

// CanCancel lets a buyer abandon only their own checkout.
func (AuthorizationGuard) CanCancel(actorID string, txn *models.LedgerTransaction) error {
	if txn.AccountID != actorID {
		return fmt.Errorf("%w: transaction belongs to another account", ErrForbidden)
	}
	return nil
}

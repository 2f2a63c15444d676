package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fdip/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type processorFixture struct {
	store     *MemoryStore
	gateway   *MockGateway
	chapters  *MockChapterDirectory
	processor *Processor
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	f := &processorFixture{
		store:    NewMemoryStore(),
		gateway:  &MockGateway{},
		chapters: &MockChapterDirectory{},
	}
	f.processor = NewProcessor(f.store, f.gateway, WithChapterDirectory(f.chapters), WithMinCashout(10))
	return f
}

// fund creates an account holding tokens backed by a completed purchase so
// the ledger sum matches from the start.
func (f *processorFixture) fund(t *testing.T, id string, role models.Role, tokens int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.processor.EnsureAccount(ctx, id, role)
	require.NoError(t, err)
	if tokens == 0 {
		return
	}
	err = f.store.RunInTx(ctx, []string{id}, func(tx Tx) error {
		now := time.Now()
		if _, err := tx.Append(&models.LedgerTransaction{
			Type:        models.TransactionTypePurchase,
			Amount:      tokens,
			Status:      models.TransactionStatusCompleted,
			AccountID:   id,
			USDCents:    tokens * 10,
			FinalizedAt: &now,
		}); err != nil {
			return err
		}
		_, err := tx.ApplyDelta(id, tokens, 0, 0)
		return err
	})
	require.NoError(t, err)
}

func (f *processorFixture) balance(t *testing.T, id string) *models.Balance {
	t.Helper()
	b, err := f.processor.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (f *processorFixture) assertConsistent(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		report, err := f.processor.Reconcile(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, report.Consistent, "account %s: cached %d, derived %d", id, report.Cached, report.Derived)
		assert.GreaterOrEqual(t, report.Cached, int64(0))
	}
}

func (f *processorFixture) history(t *testing.T, id string) []*models.LedgerTransaction {
	t.Helper()
	txns, _, err := f.processor.Transactions(context.Background(), id, ListQuery{PageSize: 100})
	require.NoError(t, err)
	return txns
}

func TestProcessor_Purchase(t *testing.T) {
	ctx := context.Background()

	t.Run("confirmed purchase credits tokens once", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 0)
		f.gateway.On("CreatePaymentIntent", mock.Anything, mock.MatchedBy(func(req PaymentRequest) bool {
			return req.AccountID == "reader" && req.Amount == Cents(1000) && req.Tokens == 100
		})).Return(&PaymentIntent{Reference: "pi_1", ClientSecret: "pi_1_secret"}, nil).Once()

		result, err := f.processor.Purchase(ctx, "reader", 10)
		require.NoError(t, err)
		assert.Equal(t, "pi_1_secret", result.ClientSecret)
		assert.Equal(t, int64(100), result.TokensToAward)
		assert.Equal(t, models.TransactionStatusPending, result.Transaction.Status)
		assert.Equal(t, int64(0), f.balance(t, "reader").Balance)

		txn, err := f.processor.OnPaymentResult(ctx, PaymentResult{Reference: "pi_1", Success: true})
		require.NoError(t, err)
		assert.Equal(t, models.TransactionStatusCompleted, txn.Status)

		b := f.balance(t, "reader")
		assert.Equal(t, int64(100), b.Balance)
		assert.Equal(t, int64(0), b.TotalEarned)
		assert.Equal(t, int64(0), b.TotalSpent)

		// duplicate delivery
		txn, err = f.processor.OnPaymentResult(ctx, PaymentResult{Reference: "pi_1", Success: true})
		require.NoError(t, err)
		assert.Equal(t, models.TransactionStatusCompleted, txn.Status)
		assert.Equal(t, int64(100), f.balance(t, "reader").Balance)

		f.assertConsistent(t, "reader")
		f.gateway.AssertExpectations(t)
	})

	t.Run("failed payment leaves balance untouched", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 0)
		f.gateway.On("CreatePaymentIntent", mock.Anything, mock.Anything).
			Return(&PaymentIntent{Reference: "pi_2", ClientSecret: "s"}, nil).Once()

		_, err := f.processor.Purchase(ctx, "reader", 5)
		require.NoError(t, err)

		txn, err := f.processor.OnPaymentResult(ctx, PaymentResult{Reference: "pi_2", Success: false, Reason: "card_declined"})
		require.NoError(t, err)
		assert.Equal(t, models.TransactionStatusFailed, txn.Status)
		assert.Equal(t, "card_declined", *txn.FailureReason)
		assert.Equal(t, int64(0), f.balance(t, "reader").Balance)

		// a late success for a failed purchase changes nothing
		txn, err = f.processor.OnPaymentResult(ctx, PaymentResult{Reference: "pi_2", Success: true})
		require.NoError(t, err)
		assert.Equal(t, models.TransactionStatusFailed, txn.Status)
		assert.Equal(t, int64(0), f.balance(t, "reader").Balance)
		f.assertConsistent(t, "reader")
	})

	t.Run("amounts below one token are rejected before anything is written", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 0)

		for _, usd := range []float64{0.05, 0, -3} {
			_, err := f.processor.Purchase(ctx, "reader", usd)
			assert.True(t, errors.Is(err, ErrInvalidAmount), "usd %v", usd)
		}
		assert.Empty(t, f.history(t, "reader"))
		f.gateway.AssertNotCalled(t, "CreatePaymentIntent", mock.Anything, mock.Anything)
	})

	t.Run("amounts too large to convert are rejected", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 0)

		for _, usd := range []float64{5e16, 1e300} {
			_, err := f.processor.Purchase(ctx, "reader", usd)
			assert.True(t, errors.Is(err, ErrInvalidAmount), "usd %v", usd)
		}
		assert.Empty(t, f.history(t, "reader"))
		f.gateway.AssertNotCalled(t, "CreatePaymentIntent", mock.Anything, mock.Anything)
	})

	t.Run("unknown account", func(t *testing.T) {
		f := newProcessorFixture(t)
		_, err := f.processor.Purchase(ctx, "nobody", 10)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("gateway outage keeps the entry pending", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 0)
		f.gateway.On("CreatePaymentIntent", mock.Anything, mock.Anything).
			Return(nil, errors.New("connection refused")).Once()

		_, err := f.processor.Purchase(ctx, "reader", 10)
		assert.True(t, errors.Is(err, ErrGatewayUnavailable))
		assert.Equal(t, OutcomeTransient, Classify(err))

		history := f.history(t, "reader")
		require.Len(t, history, 1)
		assert.Equal(t, models.TransactionStatusPending, history[0].Status)
		assert.Equal(t, int64(0), f.balance(t, "reader").Balance)
	})

	t.Run("callback racing the reference write is matched by ledger id", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 0)
		f.gateway.On("CreatePaymentIntent", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				req := args.Get(1).(PaymentRequest)
				_, err := f.processor.OnPaymentResult(ctx, PaymentResult{
					Reference:     "pi_race",
					TransactionID: req.TransactionID,
					Success:       true,
				})
				require.NoError(t, err)
			}).
			Return(&PaymentIntent{Reference: "pi_race", ClientSecret: "s"}, nil).Once()

		result, err := f.processor.Purchase(ctx, "reader", 2)
		require.NoError(t, err)
		assert.Equal(t, models.TransactionStatusCompleted, result.Transaction.Status)
		assert.Equal(t, int64(20), f.balance(t, "reader").Balance)
		f.assertConsistent(t, "reader")
	})

	t.Run("callback for an unknown reference", func(t *testing.T) {
		f := newProcessorFixture(t)
		_, err := f.processor.OnPaymentResult(ctx, PaymentResult{Reference: "pi_missing", Success: true})
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestProcessor_Tip(t *testing.T) {
	ctx := context.Background()

	t.Run("moves tokens between reader and author", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 50)
		f.fund(t, "author", models.RoleAuthor, 100)

		result, err := f.processor.Tip(ctx, TipRequest{SenderID: "reader", RecipientID: "author", Amount: 30})
		require.NoError(t, err)
		assert.Equal(t, int64(-30), result.Sent.Amount)
		assert.Equal(t, int64(30), result.Received.Amount)
		assert.Equal(t, *result.Sent.PairID, *result.Received.PairID)

		reader := f.balance(t, "reader")
		assert.Equal(t, int64(20), reader.Balance)
		assert.Equal(t, int64(30), reader.TotalSpent)

		author := f.balance(t, "author")
		assert.Equal(t, int64(130), author.Balance)
		assert.Equal(t, int64(30), author.TotalEarned)
		f.assertConsistent(t, "reader", "author")
	})

	t.Run("insufficient balance changes nothing", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 20)
		f.fund(t, "author", models.RoleAuthor, 100)

		_, err := f.processor.Tip(ctx, TipRequest{SenderID: "reader", RecipientID: "author", Amount: 30})
		assert.True(t, errors.Is(err, ErrInsufficientBalance))

		assert.Equal(t, int64(20), f.balance(t, "reader").Balance)
		assert.Equal(t, int64(100), f.balance(t, "author").Balance)
		assert.Len(t, f.history(t, "reader"), 1)
		assert.Len(t, f.history(t, "author"), 1)
	})

	t.Run("guard violations", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 100)
		f.fund(t, "other-reader", models.RoleReader, 0)
		f.fund(t, "author", models.RoleAuthor, 100)

		_, err := f.processor.Tip(ctx, TipRequest{SenderID: "author", RecipientID: "author", Amount: 5})
		assert.True(t, errors.Is(err, ErrForbidden))

		_, err = f.processor.Tip(ctx, TipRequest{SenderID: "reader", RecipientID: "other-reader", Amount: 5})
		assert.True(t, errors.Is(err, ErrForbidden))

		_, err = f.processor.Tip(ctx, TipRequest{SenderID: "reader", RecipientID: "author", Amount: 0})
		assert.True(t, errors.Is(err, ErrInvalidAmount))

		assert.Equal(t, int64(100), f.balance(t, "reader").Balance)
	})

	t.Run("chapter tips credit the chapter author", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 40)
		f.chapters.On("AuthorOf", mock.Anything, "ch-9").Return("new-author", models.RoleAuthor, nil)

		result, err := f.processor.Tip(ctx, TipRequest{SenderID: "reader", ChapterID: "ch-9", Amount: 15})
		require.NoError(t, err)
		assert.Equal(t, "ch-9", *result.Received.RelatedEntityID)
		assert.Equal(t, int64(15), f.balance(t, "new-author").TotalEarned)
		f.assertConsistent(t, "reader", "new-author")
	})

	t.Run("tipping your own chapter", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "author", models.RoleAuthor, 40)
		f.chapters.On("AuthorOf", mock.Anything, "ch-1").Return("author", models.RoleAuthor, nil)

		_, err := f.processor.Tip(ctx, TipRequest{SenderID: "author", ChapterID: "ch-1", Amount: 5})
		assert.True(t, errors.Is(err, ErrForbidden))
	})

	t.Run("unavailable chapter", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 40)
		f.chapters.On("AuthorOf", mock.Anything, "draft").Return("", models.Role(""), fmt.Errorf("%w: draft", ErrNotFound))

		_, err := f.processor.Tip(ctx, TipRequest{SenderID: "reader", ChapterID: "draft", Amount: 5})
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestProcessor_Cashout(t *testing.T) {
	ctx := context.Background()

	t.Run("more than the balance is rejected", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "author", models.RoleAuthor, 50)

		_, err := f.processor.Cashout(ctx, "author", 60)
		assert.True(t, errors.Is(err, ErrInsufficientBalance))
		assert.Equal(t, int64(50), f.balance(t, "author").Balance)
		f.gateway.AssertNotCalled(t, "CreatePayout", mock.Anything, mock.Anything)
	})

	t.Run("failed payout restores the hold", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "author", models.RoleAuthor, 100)
		f.gateway.On("CreatePayout", mock.Anything, mock.MatchedBy(func(req PayoutRequest) bool {
			return req.Amount == Cents(150) && req.Tokens == 20
		})).Return(&Payout{Reference: "po_1", Status: "pending"}, nil).Once()

		result, err := f.processor.Cashout(ctx, "author", 20)
		require.NoError(t, err)
		assert.Equal(t, Cents(150), result.PayoutCents)
		assert.Equal(t, 1.5, result.PayoutUSD)
		assert.Equal(t, models.TransactionStatusPending, result.Status)

		b := f.balance(t, "author")
		assert.Equal(t, int64(80), b.Balance)
		assert.Equal(t, int64(20), b.TotalSpent)
		f.assertConsistent(t, "author")

		txn, err := f.processor.OnPayoutResult(ctx, PayoutResult{Reference: "po_1", Success: false, Reason: "account_closed"})
		require.NoError(t, err)
		assert.Equal(t, models.TransactionStatusFailed, txn.Status)

		b = f.balance(t, "author")
		assert.Equal(t, int64(100), b.Balance)
		assert.Equal(t, int64(0), b.TotalSpent)

		// duplicate failure must not release twice
		_, err = f.processor.OnPayoutResult(ctx, PayoutResult{Reference: "po_1", Success: false})
		require.NoError(t, err)
		assert.Equal(t, int64(100), f.balance(t, "author").Balance)
		f.assertConsistent(t, "author")
	})

	t.Run("successful payout keeps the debit", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "admin", models.RoleAdmin, 100)
		f.gateway.On("CreatePayout", mock.Anything, mock.Anything).
			Return(&Payout{Reference: "po_2"}, nil).Once()

		_, err := f.processor.Cashout(ctx, "admin", 40)
		require.NoError(t, err)

		txn, err := f.processor.OnPayoutResult(ctx, PayoutResult{Reference: "po_2", Success: true})
		require.NoError(t, err)
		assert.Equal(t, models.TransactionStatusCompleted, txn.Status)
		assert.Equal(t, int64(60), f.balance(t, "admin").Balance)
		f.assertConsistent(t, "admin")
	})

	t.Run("readers cannot cash out", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 100)

		_, err := f.processor.Cashout(ctx, "reader", 20)
		assert.True(t, errors.Is(err, ErrForbidden))
		assert.Equal(t, int64(100), f.balance(t, "reader").Balance)
	})

	t.Run("readers are forbidden even below the minimum", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 100)

		_, err := f.processor.Cashout(ctx, "reader", 5)
		assert.True(t, errors.Is(err, ErrForbidden))
		require.Len(t, f.history(t, "reader"), 1)
		assert.Equal(t, int64(100), f.balance(t, "reader").Balance)
	})

	t.Run("below the platform minimum", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "author", models.RoleAuthor, 100)

		_, err := f.processor.Cashout(ctx, "author", 9)
		assert.True(t, errors.Is(err, ErrInvalidAmount))
	})

	t.Run("payout callback cannot settle a purchase", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 0)
		f.gateway.On("CreatePaymentIntent", mock.Anything, mock.Anything).
			Return(&PaymentIntent{Reference: "pi_x"}, nil).Once()
		_, err := f.processor.Purchase(ctx, "reader", 1)
		require.NoError(t, err)

		_, err = f.processor.OnPayoutResult(ctx, PayoutResult{Reference: "pi_x", Success: true})
		assert.True(t, errors.Is(err, ErrInvalidStateTransition))
	})
}

func TestProcessor_Refund(t *testing.T) {
	ctx := context.Background()
	admin := Actor{ID: "admin", Role: models.RoleAdmin}

	t.Run("purchase refund reverses the credit once", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 0)
		f.gateway.On("CreatePaymentIntent", mock.Anything, mock.Anything).
			Return(&PaymentIntent{Reference: "pi_r"}, nil).Once()

		purchase, err := f.processor.Purchase(ctx, "reader", 10)
		require.NoError(t, err)
		_, err = f.processor.OnPaymentResult(ctx, PaymentResult{Reference: "pi_r", Success: true})
		require.NoError(t, err)

		result, err := f.processor.Refund(ctx, admin, purchase.Transaction.ID, "chargeback")
		require.NoError(t, err)
		require.Len(t, result.Refunds, 1)
		assert.Equal(t, models.TransactionTypeRefund, result.Refunds[0].Type)
		assert.Equal(t, int64(-100), result.Refunds[0].Amount)
		assert.Equal(t, purchase.Transaction.ID, *result.Refunds[0].RefundOf)
		assert.Equal(t, int64(0), f.balance(t, "reader").Balance)

		_, err = f.processor.Refund(ctx, admin, purchase.Transaction.ID, "again")
		assert.True(t, errors.Is(err, ErrAlreadyRefunded))
		f.assertConsistent(t, "reader")
	})

	t.Run("tip refund reverses both halves", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 50)
		f.fund(t, "author", models.RoleAuthor, 0)

		tip, err := f.processor.Tip(ctx, TipRequest{SenderID: "reader", RecipientID: "author", Amount: 25})
		require.NoError(t, err)

		result, err := f.processor.Refund(ctx, admin, tip.Received.ID, "")
		require.NoError(t, err)
		require.Len(t, result.Refunds, 2)
		assert.Equal(t, *result.Refunds[0].PairID, *result.Refunds[1].PairID)

		reader := f.balance(t, "reader")
		assert.Equal(t, int64(50), reader.Balance)
		assert.Equal(t, int64(0), reader.TotalSpent)
		author := f.balance(t, "author")
		assert.Equal(t, int64(0), author.Balance)
		assert.Equal(t, int64(0), author.TotalEarned)

		_, err = f.processor.Refund(ctx, admin, tip.Sent.ID, "")
		assert.True(t, errors.Is(err, ErrAlreadyRefunded))
		f.assertConsistent(t, "reader", "author")
	})

	t.Run("tip refund fails when the author already spent it", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 50)
		f.fund(t, "author", models.RoleAuthor, 0)
		f.gateway.On("CreatePayout", mock.Anything, mock.Anything).Return(&Payout{Reference: "po_spent"}, nil).Once()

		tip, err := f.processor.Tip(ctx, TipRequest{SenderID: "reader", RecipientID: "author", Amount: 25})
		require.NoError(t, err)
		_, err = f.processor.Cashout(ctx, "author", 20)
		require.NoError(t, err)

		_, err = f.processor.Refund(ctx, admin, tip.Sent.ID, "")
		assert.True(t, errors.Is(err, ErrInsufficientBalance))
		assert.Equal(t, int64(25), f.balance(t, "reader").Balance)
		assert.Equal(t, int64(5), f.balance(t, "author").Balance)
		f.assertConsistent(t, "reader", "author")
	})

	t.Run("only completed purchases and tips are refundable", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "author", models.RoleAuthor, 100)
		f.gateway.On("CreatePayout", mock.Anything, mock.Anything).Return(&Payout{Reference: "po_3"}, nil).Once()
		f.gateway.On("CreatePaymentIntent", mock.Anything, mock.Anything).Return(&PaymentIntent{Reference: "pi_p"}, nil).Once()

		cashout, err := f.processor.Cashout(ctx, "author", 10)
		require.NoError(t, err)
		_, err = f.processor.Refund(ctx, admin, cashout.Transaction.ID, "")
		assert.True(t, errors.Is(err, ErrInvalidStateTransition))

		pending, err := f.processor.Purchase(ctx, "author", 1)
		require.NoError(t, err)
		_, err = f.processor.Refund(ctx, admin, pending.Transaction.ID, "")
		assert.True(t, errors.Is(err, ErrInvalidStateTransition))
	})

	t.Run("non-admins cannot refund", func(t *testing.T) {
		f := newProcessorFixture(t)
		_, err := f.processor.Refund(ctx, Actor{ID: "reader", Role: models.RoleReader}, "anything", "")
		assert.True(t, errors.Is(err, ErrForbidden))
	})
}

// conflictOnceStore discards the first attempt of every unit of work, the way
// PostgresStore does when a commit hits a serialization failure.
type conflictOnceStore struct {
	*MemoryStore
	attempts int
}

func (s *conflictOnceStore) RunInTx(ctx context.Context, lockIDs []string, fn func(tx Tx) error) error {
	s.attempts++
	err := s.MemoryStore.RunInTx(ctx, lockIDs, func(tx Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errConflict
	})
	if !errors.Is(err, errConflict) {
		return err
	}
	s.attempts++
	return s.MemoryStore.RunInTx(ctx, lockIDs, fn)
}

func TestProcessor_RefundRetriedTransaction(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	f.fund(t, "reader", models.RoleReader, 50)
	f.fund(t, "author", models.RoleAuthor, 0)

	tip, err := f.processor.Tip(ctx, TipRequest{SenderID: "reader", RecipientID: "author", Amount: 25})
	require.NoError(t, err)

	store := &conflictOnceStore{MemoryStore: f.store}
	processor := NewProcessor(store, f.gateway)
	result, err := processor.Refund(ctx, Actor{ID: "admin", Role: models.RoleAdmin}, tip.Sent.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, store.attempts)
	require.Len(t, result.Refunds, 2)
	assert.NotEqual(t, result.Refunds[0].ID, result.Refunds[1].ID)
	assert.Equal(t, tip.Sent.ID, result.Original.ID)

	assert.Equal(t, int64(50), f.balance(t, "reader").Balance)
	assert.Equal(t, int64(0), f.balance(t, "author").Balance)
	f.assertConsistent(t, "reader", "author")
}

func TestProcessor_RefundByReference(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	f.fund(t, "reader", models.RoleReader, 0)
	f.gateway.On("CreatePaymentIntent", mock.Anything, mock.Anything).
		Return(&PaymentIntent{Reference: "pi_r"}, nil).Once()

	purchase, err := f.processor.Purchase(ctx, "reader", 2)
	require.NoError(t, err)
	_, err = f.processor.OnPaymentResult(ctx, PaymentResult{Reference: "pi_r", Success: true})
	require.NoError(t, err)
	assert.Equal(t, int64(20), f.balance(t, "reader").Balance)

	result, err := f.processor.RefundByReference(ctx, "pi_r", "", "charge.refunded")
	require.NoError(t, err)
	require.Len(t, result.Refunds, 1)
	assert.Equal(t, int64(-20), result.Refunds[0].Amount)
	assert.Equal(t, purchase.Transaction.ID, *result.Refunds[0].RefundOf)
	assert.Equal(t, int64(0), f.balance(t, "reader").Balance)

	// redelivery
	result, err = f.processor.RefundByReference(ctx, "pi_r", "", "charge.refunded")
	require.NoError(t, err)
	assert.Empty(t, result.Refunds)
	assert.Equal(t, int64(0), f.balance(t, "reader").Balance)

	_, err = f.processor.RefundByReference(ctx, "pi_unknown", "", "")
	assert.True(t, errors.Is(err, ErrNotFound))

	f.assertConsistent(t, "reader")
}

func TestProcessor_CancelPurchase(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	f.fund(t, "reader", models.RoleReader, 0)
	f.fund(t, "intruder", models.RoleReader, 0)
	f.gateway.On("CreatePaymentIntent", mock.Anything, mock.Anything).
		Return(&PaymentIntent{Reference: "pi_c"}, nil).Once()

	purchase, err := f.processor.Purchase(ctx, "reader", 3)
	require.NoError(t, err)

	_, err = f.processor.CancelPurchase(ctx, "intruder", purchase.Transaction.ID)
	assert.True(t, errors.Is(err, ErrForbidden))

	txn, err := f.processor.CancelPurchase(ctx, "reader", purchase.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCancelled, txn.Status)

	// the gateway confirming afterwards is a no-op
	txn, err = f.processor.OnPaymentResult(ctx, PaymentResult{Reference: "pi_c", Success: true})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCancelled, txn.Status)
	assert.Equal(t, int64(0), f.balance(t, "reader").Balance)

	_, err = f.processor.CancelPurchase(ctx, "reader", purchase.Transaction.ID)
	assert.True(t, errors.Is(err, ErrInvalidStateTransition))
}

func TestProcessor_EnsureAccount(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)

	account, err := f.processor.EnsureAccount(ctx, "u1", models.RoleReader)
	require.NoError(t, err)
	assert.Equal(t, models.RoleReader, account.Role)

	account, err = f.processor.EnsureAccount(ctx, "u1", models.RoleAuthor)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAuthor, account.Role)

	_, err = f.processor.EnsureAccount(ctx, "u1", models.Role("superuser"))
	assert.True(t, errors.Is(err, ErrForbidden))
}

func TestProcessor_ConcurrentTips(t *testing.T) {
	ctx := context.Background()

	t.Run("opposite directions never deadlock or lose updates", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "alice", models.RoleAuthor, 1000)
		f.fund(t, "bob", models.RoleAuthor, 1000)

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := f.processor.Tip(ctx, TipRequest{SenderID: "alice", RecipientID: "bob", Amount: 7})
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				_, err := f.processor.Tip(ctx, TipRequest{SenderID: "bob", RecipientID: "alice", Amount: 3})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		alice := f.balance(t, "alice")
		bob := f.balance(t, "bob")
		assert.Equal(t, int64(1000-50*7+50*3), alice.Balance)
		assert.Equal(t, int64(1000+50*7-50*3), bob.Balance)
		assert.Equal(t, int64(2000), alice.Balance+bob.Balance)
		f.assertConsistent(t, "alice", "bob")
	})

	t.Run("a draining balance never goes negative", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.fund(t, "reader", models.RoleReader, 100)
		f.fund(t, "author", models.RoleAuthor, 0)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.processor.Tip(ctx, TipRequest{SenderID: "reader", RecipientID: "author", Amount: 5})
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				assert.True(t, errors.Is(err, ErrInsufficientBalance))
			}()
		}
		wg.Wait()

		assert.Equal(t, 20, succeeded)
		assert.Equal(t, int64(0), f.balance(t, "reader").Balance)
		assert.Equal(t, int64(100), f.balance(t, "author").Balance)
		f.assertConsistent(t, "reader", "author")
	})
}

func TestProcessor_ConcurrentDuplicateCallbacks(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	f.fund(t, "reader", models.RoleReader, 0)
	f.gateway.On("CreatePaymentIntent", mock.Anything, mock.Anything).
		Return(&PaymentIntent{Reference: "pi_dup"}, nil).Once()

	_, err := f.processor.Purchase(ctx, "reader", 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.processor.OnPaymentResult(ctx, PaymentResult{Reference: "pi_dup", Success: true})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), f.balance(t, "reader").Balance)
	f.assertConsistent(t, "reader")
}

func TestProcessor_TransactionsPagination(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	f.fund(t, "reader", models.RoleReader, 100)
	f.fund(t, "author", models.RoleAuthor, 0)

	for i := 0; i < 14; i++ {
		_, err := f.processor.Tip(ctx, TipRequest{SenderID: "reader", RecipientID: "author", Amount: 1})
		require.NoError(t, err)
	}

	first, page, err := f.processor.Transactions(ctx, "reader", ListQuery{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, first, 10)
	assert.Equal(t, int64(15), page.Total)
	assert.Equal(t, 2, page.TotalPages)
	for i := 1; i < len(first); i++ {
		assert.Greater(t, first[i-1].Seq, first[i].Seq)
	}

	// new activity between page loads must not shift the next page
	for i := 0; i < 3; i++ {
		_, err := f.processor.Tip(ctx, TipRequest{SenderID: "reader", RecipientID: "author", Amount: 1})
		require.NoError(t, err)
	}

	second, _, err := f.processor.Transactions(ctx, "reader", ListQuery{Page: 2, PageSize: 10, AsOf: page.AsOf})
	require.NoError(t, err)
	require.Len(t, second, 5)
	assert.Less(t, second[0].Seq, first[len(first)-1].Seq)
	assert.Equal(t, models.TransactionTypePurchase, second[len(second)-1].Type)

	_, _, err = f.processor.Transactions(ctx, "ghost", ListQuery{})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestProcessor_Transaction(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	f.fund(t, "reader", models.RoleReader, 10)
	entry := f.history(t, "reader")[0]

	txn, err := f.processor.Transaction(ctx, Actor{ID: "reader", Role: models.RoleReader}, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, txn.ID)

	_, err = f.processor.Transaction(ctx, Actor{ID: "someone", Role: models.RoleAuthor}, entry.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = f.processor.Transaction(ctx, Actor{ID: "ops", Role: models.RoleAdmin}, entry.ID)
	assert.NoError(t, err)
}

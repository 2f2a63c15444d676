package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/fdip/backend/internal/services"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Metadata keys attached to every Stripe object the ledger creates.
const (
	MetaTransactionID = "ledger_transaction_id"
	MetaAccountID     = "account_id"
	MetaTokens        = "tokens_to_award"
)

var ErrNoPayoutDestination = errors.New("no payout destination on file")

// DestinationResolver maps a ledger account to its connected Stripe account.
type DestinationResolver interface {
	DestinationFor(ctx context.Context, accountID string) (string, error)
}

// SQLDestinationResolver reads payout_destinations.
type SQLDestinationResolver struct {
	db *sql.DB
}

func NewSQLDestinationResolver(db *sql.DB) *SQLDestinationResolver {
	return &SQLDestinationResolver{db: db}
}

func (r *SQLDestinationResolver) DestinationFor(ctx context.Context, accountID string) (string, error) {
	var dest string
	err := r.db.QueryRowContext(ctx,
		`SELECT destination_account FROM payout_destinations WHERE account_id = $1 AND provider = 'stripe'`,
		accountID,
	).Scan(&dest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoPayoutDestination
	}
	if err != nil {
		return "", fmt.Errorf("failed to load payout destination: %w", err)
	}
	return dest, nil
}

// StripeGateway settles purchases with PaymentIntents and cashouts with
// Connect transfers.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	destinations  DestinationResolver
}

func NewStripeGateway(secretKey, webhookSecret string, destinations DestinationResolver, backends *stripe.Backends) *StripeGateway {
	return &StripeGateway{
		api:           client.New(secretKey, backends),
		webhookSecret: webhookSecret,
		destinations:  destinations,
	}
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, req services.PaymentRequest) (*services.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(req.Amount)),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String("purchase-" + req.TransactionID)
	params.AddMetadata(MetaTransactionID, req.TransactionID)
	params.AddMetadata(MetaAccountID, req.AccountID)
	params.AddMetadata(MetaTokens, strconv.FormatInt(req.Tokens, 10))

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		log.Printf("[STRIPE] Payment intent for %s failed: %v", req.TransactionID, err)
		return nil, fmt.Errorf("stripe payment intent: %w", err)
	}
	return &services.PaymentIntent{Reference: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (g *StripeGateway) CreatePayout(ctx context.Context, req services.PayoutRequest) (*services.Payout, error) {
	if g.destinations == nil {
		return nil, ErrNoPayoutDestination
	}
	dest, err := g.destinations.DestinationFor(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(int64(req.Amount)),
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		Destination:   stripe.String(dest),
		TransferGroup: stripe.String(req.TransactionID),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String("cashout-" + req.TransactionID)
	params.AddMetadata(MetaTransactionID, req.TransactionID)
	params.AddMetadata(MetaAccountID, req.AccountID)

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		log.Printf("[STRIPE] Transfer for %s failed: %v", req.TransactionID, err)
		return nil, fmt.Errorf("stripe transfer: %w", err)
	}
	return &services.Payout{Reference: tr.ID, Status: "pending"}, nil
}

// ParseWebhook verifies the Stripe-Signature header and maps the event onto
// the ledger's callback kinds.
func (g *StripeGateway) ParseWebhook(payload []byte, header http.Header) (*services.GatewayEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &services.GatewayEvent{ID: event.ID, Type: string(event.Type), Kind: services.GatewayEventIgnored}
	if event.Data == nil {
		return out, nil
	}

	switch string(event.Type) {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("failed to parse payment intent: %w", err)
		}
		out.Kind = services.GatewayEventPayment
		out.Reference = pi.ID
		out.TransactionID = pi.Metadata[MetaTransactionID]
		out.Success = event.Type == "payment_intent.succeeded"
		if !out.Success {
			out.Reason = string(event.Type)
			if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
				out.Reason = pi.LastPaymentError.Msg
			}
		}
	case "transfer.created", "transfer.reversed":
		var tr stripe.Transfer
		if err := json.Unmarshal(event.Data.Raw, &tr); err != nil {
			return nil, fmt.Errorf("failed to parse transfer: %w", err)
		}
		out.Kind = services.GatewayEventPayout
		out.Reference = tr.ID
		out.TransactionID = tr.Metadata[MetaTransactionID]
		out.Success = event.Type == "transfer.created"
		if !out.Success {
			out.Reason = "transfer reversed"
		}
	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("failed to parse charge: %w", err)
		}
		// Partial refunds have no ledger equivalent.
		if !ch.Refunded || ch.PaymentIntent == nil {
			return out, nil
		}
		out.Kind = services.GatewayEventRefund
		out.Reference = ch.PaymentIntent.ID
		out.TransactionID = ch.Metadata[MetaTransactionID]
		out.Success = true
		out.Reason = "refunded by card processor"
	}
	return out, nil
}

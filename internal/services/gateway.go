package services

import (
	"context"
	"net/http"
)

// PaymentRequest asks the gateway to collect card payment for a purchase.
type PaymentRequest struct {
	TransactionID string
	AccountID     string
	Amount        Cents
	Tokens        int64
}

// PaymentIntent is the gateway's handle on a pending card payment.
type PaymentIntent struct {
	Reference    string
	ClientSecret string
}

// PayoutRequest asks the gateway to send USD to an author.
type PayoutRequest struct {
	TransactionID string
	AccountID     string
	Amount        Cents
	Tokens        int64
}

type Payout struct {
	Reference string
	Status    string
}

// PaymentGateway is the outbound half of the card processor boundary.
// Implementations must never be called inside a unit of work.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, req PaymentRequest) (*PaymentIntent, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (*Payout, error)
}

// GatewayEventKind names what a verified webhook reports on.
type GatewayEventKind string

const (
	GatewayEventPayment GatewayEventKind = "payment"
	GatewayEventPayout  GatewayEventKind = "payout"
	GatewayEventRefund  GatewayEventKind = "refund"
	GatewayEventIgnored GatewayEventKind = "ignored"
)

// GatewayEvent is a verified, provider-neutral webhook notification.
// TransactionID is the ledger id echoed back from request metadata and may
// be empty.
type GatewayEvent struct {
	ID            string
	Type          string
	Kind          GatewayEventKind
	Reference     string
	TransactionID string
	Success       bool
	Reason        string
}

// WebhookVerifier authenticates and decodes inbound gateway callbacks.
type WebhookVerifier interface {
	ParseWebhook(payload []byte, header http.Header) (*GatewayEvent, error)
}

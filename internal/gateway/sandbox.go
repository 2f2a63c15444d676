package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/fdip/backend/internal/services"
	"github.com/google/uuid"
)

// SandboxSignatureHeader carries the hex HMAC-SHA256 of a sandbox webhook body.
const SandboxSignatureHeader = "X-Sandbox-Signature"

// Sandbox event types.
const (
	SandboxPaymentSucceeded = "payment.succeeded"
	SandboxPaymentFailed    = "payment.failed"
	SandboxPayoutPaid       = "payout.paid"
	SandboxPayoutFailed     = "payout.failed"
	SandboxChargeRefunded   = "charge.refunded"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// SandboxEvent is the wire form of a sandbox webhook.
type SandboxEvent struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Reference     string `json:"reference"`
	TransactionID string `json:"transaction_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// SandboxGateway is an in-process stand-in for the card processor used in
// local development and tests. Settlement is driven by posting signed
// events to the sandbox webhook.
type SandboxGateway struct {
	secret      []byte
	unavailable atomic.Bool

	mu      sync.Mutex
	intents map[string]services.PaymentRequest
	payouts map[string]services.PayoutRequest
}

func NewSandboxGateway(secret string) *SandboxGateway {
	return &SandboxGateway{
		secret:  []byte(secret),
		intents: make(map[string]services.PaymentRequest),
		payouts: make(map[string]services.PayoutRequest),
	}
}

// SetAvailable toggles a simulated outage.
func (g *SandboxGateway) SetAvailable(available bool) {
	g.unavailable.Store(!available)
}

func (g *SandboxGateway) CreatePaymentIntent(ctx context.Context, req services.PaymentRequest) (*services.PaymentIntent, error) {
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("sandbox: amount must be positive, got %s", req.Amount)
	}

	ref := "sbx_pi_" + uuid.New().String()
	g.mu.Lock()
	g.intents[ref] = req
	g.mu.Unlock()

	log.Printf("[SANDBOX] Payment intent %s for %s (%s)", ref, req.AccountID, req.Amount)
	return &services.PaymentIntent{
		Reference:    ref,
		ClientSecret: ref + "_secret_" + uuid.New().String()[:8],
	}, nil
}

func (g *SandboxGateway) CreatePayout(ctx context.Context, req services.PayoutRequest) (*services.Payout, error) {
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("sandbox: payout must be positive, got %s", req.Amount)
	}

	ref := "sbx_tr_" + uuid.New().String()
	g.mu.Lock()
	g.payouts[ref] = req
	g.mu.Unlock()

	log.Printf("[SANDBOX] Payout %s for %s (%s)", ref, req.AccountID, req.Amount)
	return &services.Payout{Reference: ref, Status: "pending"}, nil
}

// PaymentRequest returns what was asked for under a payment reference.
func (g *SandboxGateway) PaymentRequest(ref string) (services.PaymentRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.intents[ref]
	return req, ok
}

func (g *SandboxGateway) PayoutRequest(ref string) (services.PayoutRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.payouts[ref]
	return req, ok
}

func (g *SandboxGateway) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.unavailable.Load() {
		return errors.New("sandbox: gateway unavailable")
	}
	return nil
}

// Sign returns the signature header value for payload.
func (g *SandboxGateway) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhook verifies and decodes a sandbox event.
func (g *SandboxGateway) ParseWebhook(payload []byte, header http.Header) (*services.GatewayEvent, error) {
	sig, err := hex.DecodeString(header.Get(SandboxSignatureHeader))
	if err != nil || len(g.secret) == 0 {
		return nil, ErrInvalidSignature
	}
	expected, _ := hex.DecodeString(g.Sign(payload))
	if !hmac.Equal(sig, expected) {
		return nil, ErrInvalidSignature
	}

	var raw SandboxEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox event: %w", err)
	}
	if raw.ID == "" {
		return nil, errors.New("sandbox event has no id")
	}

	event := &services.GatewayEvent{
		ID:            raw.ID,
		Type:          raw.Type,
		Reference:     raw.Reference,
		TransactionID: raw.TransactionID,
		Reason:        raw.Reason,
	}
	switch raw.Type {
	case SandboxPaymentSucceeded:
		event.Kind, event.Success = services.GatewayEventPayment, true
	case SandboxPaymentFailed:
		event.Kind = services.GatewayEventPayment
	case SandboxPayoutPaid:
		event.Kind, event.Success = services.GatewayEventPayout, true
	case SandboxPayoutFailed:
		event.Kind = services.GatewayEventPayout
	case SandboxChargeRefunded:
		event.Kind, event.Success = services.GatewayEventRefund, true
	default:
		event.Kind = services.GatewayEventIgnored
	}
	if event.TransactionID == "" {
		event.TransactionID = g.transactionFor(raw.Reference)
	}
	return event, nil
}

func (g *SandboxGateway) transactionFor(ref string) string {
	if req, ok := g.PaymentRequest(ref); ok {
		return req.TransactionID
	}
	if req, ok := g.PayoutRequest(ref); ok {
		return req.TransactionID
	}
	return ""
}

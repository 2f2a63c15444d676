package handlers

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/fdip/backend/internal/services"
	"github.com/go-redis/redis/v8"
)

const (
	maxWebhookBytes = 65_536
	webhookEventTTL = 72 * time.Hour
)

// WebhookHandler receives settlement notifications from one card processor.
type WebhookHandler struct {
	processor *services.Processor
	verifier  services.WebhookVerifier
	redis     *redis.Client
	metrics   *services.Metrics
}

func NewWebhookHandler(processor *services.Processor, verifier services.WebhookVerifier, redisClient *redis.Client, metrics *services.Metrics) *WebhookHandler {
	return &WebhookHandler{
		processor: processor,
		verifier:  verifier,
		redis:     redisClient,
		metrics:   metrics,
	}
}

// Handle verifies and applies a gateway webhook
// @Summary Gateway webhook
// @Description Payment, payout and refund notifications. Rejected events are acknowledged; transient failures return 5xx so the sender retries.
// @Tags Webhooks
// @Accept json
// @Produce json
// @Success 200 {object} object{message=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 503 {object} services.ErrorResponse
// @Router /webhooks/stripe [post]
// @Router /webhooks/sandbox [post]
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		log.Printf("[WEBHOOK] Failed to read request body: %v", err)
		services.SendErrorResponse(w, "Failed to read request body", http.StatusBadRequest, nil)
		return
	}

	event, err := h.verifier.ParseWebhook(payload, r.Header)
	if err != nil {
		log.Printf("[WEBHOOK] Rejected event: %v", err)
		services.SendErrorResponse(w, "Invalid webhook", http.StatusBadRequest, nil)
		return
	}
	if event.Kind == services.GatewayEventIgnored {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Webhook ignored"})
		return
	}

	ctx := r.Context()
	if !h.claim(ctx, event.ID) {
		h.metrics.WebhookDuplicate()
		log.Printf("[WEBHOOK] Duplicate event %s", event.ID)
		writeJSON(w, http.StatusOK, map[string]string{"message": "Webhook already processed"})
		return
	}

	if err := h.dispatch(ctx, event); err != nil {
		if services.Classify(err) == services.OutcomeRejected {
			log.Printf("[WEBHOOK] Event %s (%s) not applied: %v", event.ID, event.Type, err)
			writeJSON(w, http.StatusOK, map[string]string{"message": "Webhook received"})
			return
		}
		h.release(ctx, event.ID)
		log.Printf("[WEBHOOK] Event %s (%s) failed: %v", event.ID, event.Type, err)
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Webhook received"})
}

func (h *WebhookHandler) dispatch(ctx context.Context, event *services.GatewayEvent) error {
	var err error
	switch event.Kind {
	case services.GatewayEventPayment:
		_, err = h.processor.OnPaymentResult(ctx, services.PaymentResult{
			Reference:     event.Reference,
			TransactionID: event.TransactionID,
			Success:       event.Success,
			Reason:        event.Reason,
		})
	case services.GatewayEventPayout:
		_, err = h.processor.OnPayoutResult(ctx, services.PayoutResult{
			Reference:     event.Reference,
			TransactionID: event.TransactionID,
			Success:       event.Success,
			Reason:        event.Reason,
		})
	case services.GatewayEventRefund:
		_, err = h.processor.RefundByReference(ctx, event.Reference, event.TransactionID, event.Reason)
	}
	return err
}

// claim marks an event id as seen. Without Redis every delivery is
// processed and the ledger's own idempotency applies.
func (h *WebhookHandler) claim(ctx context.Context, eventID string) bool {
	if h.redis == nil || eventID == "" {
		return true
	}
	ok, err := h.redis.SetNX(ctx, "webhook_event:"+eventID, "1", webhookEventTTL).Result()
	if err != nil {
		log.Printf("[WEBHOOK] De-duplication unavailable: %v", err)
		return true
	}
	return ok
}

func (h *WebhookHandler) release(ctx context.Context, eventID string) {
	if h.redis == nil || eventID == "" {
		return
	}
	if err := h.redis.Del(ctx, "webhook_event:"+eventID).Err(); err != nil {
		log.Printf("[WEBHOOK] Failed to release event %s: %v", eventID, err)
	}
}

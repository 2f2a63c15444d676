package handlers

import (
	"net/http"

	"github.com/fdip/backend/internal/middleware"
	"github.com/fdip/backend/internal/services"
	"github.com/go-chi/chi/v5"
)

type AdminHandler struct {
	processor  *services.Processor
	reconciler *services.Reconciler
	payouts    *services.PayoutInstructionService
	validator  *services.ValidationHelper
}

func NewAdminHandler(processor *services.Processor, reconciler *services.Reconciler, payouts *services.PayoutInstructionService) *AdminHandler {
	return &AdminHandler{
		processor:  processor,
		reconciler: reconciler,
		payouts:    payouts,
		validator:  services.NewValidationHelper(),
	}
}

type RefundRequest struct {
	TransactionID string `json:"transaction_id" validate:"required,uuid"`
	Reason        string `json:"reason" validate:"max=255"`
}

func (h *AdminHandler) actor(w http.ResponseWriter, r *http.Request) (services.Actor, bool) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return services.Actor{}, false
	}
	return services.Actor{ID: p.UserID, Role: p.Role}, true
}

// Refund reverses a completed purchase or tip
// @Summary Refund a transaction
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body RefundRequest true "Transaction to refund"
// @Success 201 {object} services.RefundResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/tokens/refund [post]
func (h *AdminHandler) Refund(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req RefundRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	result, err := h.processor.Refund(r.Context(), actor, req.TransactionID, req.Reason)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Reconcile compares an account's cached balance with its ledger
// @Summary Reconcile account balance
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Success 200 {object} services.ReconcileReport
// @Failure 404 {object} services.ErrorResponse
// @Router /admin/tokens/reconcile/{accountId} [get]
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.processor.Reconcile(r.Context(), chi.URLParam(r, "accountId"))
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Sweep runs one reconciliation pass immediately
// @Summary Expire stale pending transactions
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} services.SweepReport
// @Router /admin/tokens/sweep [post]
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Sweep(r.Context())
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// PayoutInstruction renders an ISO 20022 message for a cashout
// @Summary Cashout payout instruction
// @Description Returns pacs.008 (default) or pacs.002 XML for a cashout entry
// @Tags Admin
// @Produce xml
// @Security BearerAuth
// @Param txId path string true "Cashout transaction ID"
// @Param format query string false "pacs.008 or pacs.002"
// @Success 200 {string} string "ISO 20022 XML"
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/payouts/{txId}/instruction [get]
func (h *AdminHandler) PayoutInstruction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	txn, err := h.processor.Transaction(r.Context(), actor, chi.URLParam(r, "txId"))
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}

	doc, err := h.payouts.Render(txn, r.URL.Query().Get("format"))
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc))
}

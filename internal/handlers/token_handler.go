package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/fdip/backend/internal/middleware"
	"github.com/fdip/backend/internal/services"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1_048_576

type TokenHandler struct {
	processor *services.Processor
	validator *services.ValidationHelper
}

func NewTokenHandler(processor *services.Processor) *TokenHandler {
	return &TokenHandler{
		processor: processor,
		validator: services.NewValidationHelper(),
	}
}

type PurchaseRequest struct {
	AmountUSD float64 `json:"amount_usd" validate:"required,gt=0,lte=10000"`
}

type PurchaseResponse struct {
	TransactionID    string `json:"transaction_id"`
	ClientSecret     string `json:"client_secret"`
	PaymentReference string `json:"payment_reference"`
	TokensToAward    int64  `json:"tokens_to_award"`
	ChargeCents      int64  `json:"charge_cents"`
}

type TipBody struct {
	ChapterID   string `json:"chapter_id" validate:"required_without=RecipientID"`
	RecipientID string `json:"recipient_id" validate:"required_without=ChapterID"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
}

type CashoutRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

type CashoutResponse struct {
	TransactionID string  `json:"transaction_id"`
	PayoutUSD     float64 `json:"payout_amount_usd"`
	PayoutCents   int64   `json:"payout_cents"`
	Status        string  `json:"status"`
}

// actor resolves the caller and makes sure their ledger account exists.
func (h *TokenHandler) actor(w http.ResponseWriter, r *http.Request) (services.Actor, bool) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok || p.UserID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return services.Actor{}, false
	}
	if _, err := h.processor.EnsureAccount(r.Context(), p.UserID, p.Role); err != nil {
		services.SendLedgerError(w, err)
		return services.Actor{}, false
	}
	return services.Actor{ID: p.UserID, Role: p.Role}, true
}

// decodeJSON reads exactly one JSON object into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, v *services.ValidationHelper, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := v.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// GetBalance returns the caller's token balance
// @Summary Get token balance
// @Tags Tokens
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.Balance
// @Failure 401 {object} services.ErrorResponse
// @Router /tokens/balance [get]
func (h *TokenHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	balance, err := h.processor.Balance(r.Context(), actor.ID)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// ListTransactions returns one page of the caller's ledger history, newest first
// @Summary List token transactions
// @Tags Tokens
// @Produce json
// @Security BearerAuth
// @Param page query int false "Page number (1-based)"
// @Param page_size query int false "Entries per page"
// @Param as_of query int false "Snapshot sequence returned by the first page"
// @Success 200 {object} object{transactions=[]models.LedgerTransaction,pagination=models.Pagination}
// @Failure 400 {object} services.ErrorResponse
// @Router /tokens/transactions [get]
func (h *TokenHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	q := services.ListQuery{}
	var err error
	if q.Page, err = queryInt(r, "page"); err != nil {
		services.SendErrorResponse(w, "Invalid page", http.StatusBadRequest, nil)
		return
	}
	if q.PageSize, err = queryInt(r, "page_size"); err != nil {
		services.SendErrorResponse(w, "Invalid page_size", http.StatusBadRequest, nil)
		return
	}
	asOf, err := queryInt(r, "as_of")
	if err != nil {
		services.SendErrorResponse(w, "Invalid as_of", http.StatusBadRequest, nil)
		return
	}
	q.AsOf = int64(asOf)

	txns, page, err := h.processor.Transactions(r.Context(), actor.ID, q)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txns,
		"pagination":   page,
	})
}

// GetTransaction returns one ledger entry owned by the caller
// @Summary Get token transaction
// @Tags Tokens
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.LedgerTransaction
// @Failure 404 {object} services.ErrorResponse
// @Router /tokens/transactions/{txId} [get]
func (h *TokenHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	txn, err := h.processor.Transaction(r.Context(), actor, chi.URLParam(r, "txId"))
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// Purchase starts a token purchase
// @Summary Purchase tokens
// @Description Creates a pending purchase and a card payment intent. Tokens are credited when the payment is confirmed.
// @Tags Tokens
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body PurchaseRequest true "Purchase amount in USD"
// @Success 201 {object} PurchaseResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 503 {object} services.ErrorResponse
// @Router /tokens/purchase [post]
func (h *TokenHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req PurchaseRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	result, err := h.processor.Purchase(r.Context(), actor.ID, req.AmountUSD)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, PurchaseResponse{
		TransactionID:    result.Transaction.ID,
		ClientSecret:     result.ClientSecret,
		PaymentReference: result.Reference,
		TokensToAward:    result.TokensToAward,
		ChargeCents:      int64(result.ChargeCents),
	})
}

// CancelPurchase abandons a pending purchase
// @Summary Cancel pending purchase
// @Tags Tokens
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Purchase transaction ID"
// @Success 200 {object} models.LedgerTransaction
// @Failure 403 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /tokens/purchase/{txId}/cancel [post]
func (h *TokenHandler) CancelPurchase(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	txn, err := h.processor.CancelPurchase(r.Context(), actor.ID, chi.URLParam(r, "txId"))
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// Tip sends tokens to the author of a chapter
// @Summary Tip an author
// @Tags Tokens
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body TipBody true "Tip request"
// @Success 201 {object} services.TipResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /tokens/tip [post]
func (h *TokenHandler) Tip(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req TipBody
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	result, err := h.processor.Tip(r.Context(), services.TipRequest{
		SenderID:    actor.ID,
		RecipientID: req.RecipientID,
		ChapterID:   req.ChapterID,
		Amount:      req.Amount,
	})
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Cashout converts earned tokens to a USD payout
// @Summary Cash out tokens
// @Tags Tokens
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CashoutRequest true "Tokens to cash out"
// @Success 202 {object} CashoutResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Router /tokens/cashout [post]
func (h *TokenHandler) Cashout(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req CashoutRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	result, err := h.processor.Cashout(r.Context(), actor.ID, req.Amount)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, CashoutResponse{
		TransactionID: result.Transaction.ID,
		PayoutUSD:     result.PayoutUSD,
		PayoutCents:   int64(result.PayoutCents),
		Status:        string(result.Status),
	})
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

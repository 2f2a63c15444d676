package services

import (
	"errors"
	"net/http"
)

// Ledger error taxonomy. Callers wrap these with context using %w and test
// them with errors.Is.
var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrInsufficientBalance    = errors.New("insufficient token balance")
	ErrForbidden              = errors.New("forbidden")
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrAlreadyRefunded        = errors.New("transaction already refunded")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrGatewayUnavailable     = errors.New("payment gateway unavailable")
)

// errConflict marks a lost optimistic-lock race; RunInTx retries it.
var errConflict = errors.New("concurrent update conflict")

// Outcome separates user-caused rejections from transient and internal
// failures.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTransient Outcome = "transient"
	OutcomeInternal  Outcome = "internal"
)

// Classify maps an error returned by the processor to its outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrAlreadyRefunded),
		errors.Is(err, ErrInvalidStateTransition):
		return OutcomeRejected
	case errors.Is(err, ErrGatewayUnavailable), errors.Is(err, errConflict):
		return OutcomeTransient
	}
	return OutcomeInternal
}

// HTTPStatus returns the response code used for err at the API boundary.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInsufficientBalance):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrAlreadyRefunded),
		errors.Is(err, ErrInvalidStateTransition),
		errors.Is(err, errConflict):
		return http.StatusConflict
	case errors.Is(err, ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

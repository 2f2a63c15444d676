package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tipPayload struct {
	ChapterID string `validate:"required"`
	Amount    int64  `validate:"required,gt=0"`
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid struct", func(t *testing.T) {
		assert.NoError(t, vh.ValidateStruct(&tipPayload{ChapterID: "ch-1", Amount: 5}))
	})

	t.Run("missing and non-positive fields", func(t *testing.T) {
		err := vh.ValidateStruct(&tipPayload{Amount: -1})
		require.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		require.True(t, ok)
		assert.Len(t, validationErrors, 2)
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("without validation errors", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "Something went wrong", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("with validation errors", func(t *testing.T) {
		w := httptest.NewRecorder()
		err := NewValidationHelper().ValidateStruct(&tipPayload{})

		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)

		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Contains(t, response.Details["ChapterID"], "required")
		assert.Contains(t, response.Details["Amount"], "required")
	})

	t.Run("plain errors do not panic", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Bad input", http.StatusBadRequest, errors.New("not a validation error"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSendLedgerError(t *testing.T) {
	t.Run("rejection keeps the message", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendLedgerError(w, fmt.Errorf("%w: balance 3, tip 5", ErrInsufficientBalance))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "rejected", response.Code)
		assert.Contains(t, response.Error, "insufficient token balance")
	})

	t.Run("internal errors are masked", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendLedgerError(w, errors.New("pq: connection reset"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "internal error", response.Error)
		assert.Equal(t, "internal", response.Code)
	})
}

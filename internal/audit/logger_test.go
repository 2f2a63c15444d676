package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/fdip/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEvent(t *testing.T, buf *bytes.Buffer) Event {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	require.True(t, strings.HasPrefix(line, "AUDIT: "), line)
	var event Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "AUDIT: ")), &event))
	return event
}

func TestLogger(t *testing.T) {
	t.Run("entry", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newLogger(log.New(&buf, "", 0))

		logger.LogEntry("PURCHASE_COMPLETED", &models.LedgerTransaction{
			ID:                "tx-1",
			AccountID:         "u1",
			Type:              models.TransactionTypePurchase,
			Amount:            100,
			Status:            models.TransactionStatusCompleted,
			ExternalReference: models.StringPtr("pi_123"),
		})

		event := decodeEvent(t, &buf)
		assert.Equal(t, "PURCHASE_COMPLETED", event.EventType)
		assert.Equal(t, "tx-1", event.TransactionID)
		assert.Equal(t, int64(100), event.Amount)
		assert.Equal(t, "completed", event.Status)
		assert.Equal(t, "pi_123", event.Details.(map[string]any)["external_reference"])
	})

	t.Run("error", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newLogger(log.New(&buf, "", 0))

		logger.LogError("tx-2", "u2", errors.New("boom"))

		event := decodeEvent(t, &buf)
		assert.Equal(t, "ERROR", event.EventType)
		assert.Equal(t, "FAILED", event.Status)
		assert.Equal(t, "boom", event.Details.(map[string]any)["error"])
	})

	t.Run("nil logger is a no-op", func(t *testing.T) {
		var logger *Logger
		assert.NotPanics(t, func() {
			logger.LogTransfer("pair", "a", "b", 5, "completed")
		})
	})
}

package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/fdip/backend/internal/models"
)

// Event is one line of the ledger audit trail.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id,omitempty"`
	AccountID     string    `json:"account_id,omitempty"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	Details       any       `json:"details,omitempty"`
}

// Logger writes audit events as JSON through the standard logger. A nil
// *Logger discards everything.
type Logger struct {
	out *log.Logger
}

func NewLogger() *Logger {
	return newLogger(log.Default())
}

func newLogger(out *log.Logger) *Logger {
	return &Logger{out: out}
}

// LogEntry records a ledger entry being created or finalized.
func (a *Logger) LogEntry(eventType string, txn *models.LedgerTransaction) {
	if txn == nil {
		return
	}
	details := map[string]string{"type": string(txn.Type)}
	if txn.ExternalReference != nil {
		details["external_reference"] = *txn.ExternalReference
	}
	if txn.CounterpartyAccountID != nil {
		details["counterparty"] = *txn.CounterpartyAccountID
	}
	if txn.FailureReason != nil {
		details["reason"] = *txn.FailureReason
	}
	a.log(Event{
		EventType:     eventType,
		TransactionID: txn.ID,
		AccountID:     txn.AccountID,
		Amount:        txn.Amount,
		Status:        string(txn.Status),
		Details:       details,
	})
}

// LogTransfer records both halves of a tip.
func (a *Logger) LogTransfer(pairID, fromAccount, toAccount string, amount int64, status string) {
	a.log(Event{
		EventType:     "TIP",
		TransactionID: pairID,
		Amount:        amount,
		Status:        status,
		Details: map[string]string{
			"from_account": fromAccount,
			"to_account":   toAccount,
		},
	})
}

func (a *Logger) LogError(transactionID, accountID string, err error) {
	a.log(Event{
		EventType:     "ERROR",
		TransactionID: transactionID,
		AccountID:     accountID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

func (a *Logger) LogOperation(transactionID, accountID, operation, details string) {
	a.log(Event{
		EventType:     operation,
		TransactionID: transactionID,
		AccountID:     accountID,
		Status:        "SUCCESS",
		Details:       map[string]string{"details": details},
	})
}

func (a *Logger) log(event Event) {
	if a == nil || a.out == nil {
		return
	}
	event.Timestamp = time.Now()
	data, _ := json.Marshal(event)
	a.out.Printf("AUDIT: %s", string(data))
}

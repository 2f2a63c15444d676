package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/fdip/backend/internal/models"
)

// SweepReport summarises one reconciliation pass.
type SweepReport struct {
	Expired    int      `json:"expired"`
	Skipped    int      `json:"skipped"`
	Checked    int      `json:"checked"`
	Mismatched []string `json:"mismatched,omitempty"`
}

// Reconciler fails pending entries whose gateway callback never arrived and
// verifies the balances it touched against the log.
type Reconciler struct {
	processor *Processor
	timeout   time.Duration
	interval  time.Duration
	batch     int
}

// Reconciler defaults.
const (
	DefaultPendingTimeout = 24 * time.Hour
	DefaultSweepInterval  = 5 * time.Minute
)

func NewReconciler(processor *Processor, timeout, interval time.Duration, batch int) *Reconciler {
	if timeout <= 0 {
		timeout = DefaultPendingTimeout
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if batch <= 0 {
		batch = 100
	}
	return &Reconciler{processor: processor, timeout: timeout, interval: interval, batch: batch}
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Printf("[RECONCILER] Started: timeout=%s interval=%s", r.timeout, r.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("[RECONCILER] Stopped")
			return
		case <-ticker.C:
			report, err := r.Sweep(ctx)
			if err != nil {
				log.Printf("[RECONCILER] Sweep failed: %v", err)
				continue
			}
			if report.Expired > 0 || len(report.Mismatched) > 0 {
				log.Printf("[RECONCILER] Expired %d entries, %d balance mismatches", report.Expired, len(report.Mismatched))
			}
		}
	}
}

// Sweep runs a single pass.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepReport, error) {
	p := r.processor
	now := p.now()
	defer p.metrics.SweepRun(now)

	stale, err := p.store.ListStalePending(ctx, now.Add(-r.timeout), r.batch)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{}
	touched := make(map[string]struct{})
	for _, entry := range stale {
		expired, err := p.expire(ctx, entry)
		if err != nil {
			log.Printf("[RECONCILER] Could not expire %s: %v", entry.ID, err)
			report.Skipped++
			continue
		}
		if !expired {
			report.Skipped++
			continue
		}
		report.Expired++
		touched[entry.AccountID] = struct{}{}
		p.metrics.Swept(string(entry.Type))
	}

	for accountID := range touched {
		rec, err := p.Reconcile(ctx, accountID)
		if err != nil {
			log.Printf("[RECONCILER] Could not reconcile %s: %v", accountID, err)
			continue
		}
		report.Checked++
		if !rec.Consistent {
			report.Mismatched = append(report.Mismatched, accountID)
		}
	}
	return report, nil
}

// expire fails a pending entry that timed out, releasing a cashout hold.
// It reports false when a callback finalized the entry first.
func (p *Processor) expire(ctx context.Context, entry *models.LedgerTransaction) (bool, error) {
	var finalized *models.LedgerTransaction
	reason := models.StringPtr("gateway confirmation timed out")
	err := p.store.RunInTx(ctx, []string{entry.AccountID}, func(tx Tx) error {
		current, err := tx.GetTransaction(entry.ID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return ErrInvalidStateTransition
		}
		if current.Type == models.TransactionTypeCashout {
			finalized, err = p.releaseHold(tx, current, models.TransactionStatusFailed, nil, reason)
			return err
		}
		finalized, err = tx.Finalize(current.ID, models.TransactionStatusFailed, nil, reason)
		return err
	})
	if errors.Is(err, ErrInvalidStateTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p.audit.LogEntry("PENDING_EXPIRED", finalized)
	return true, nil
}

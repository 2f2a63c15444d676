package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes ledger counters to Prometheus. All methods are safe on a
// nil receiver.
type Metrics struct {
	operationsTotal     *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	tokensMovedTotal    *prometheus.CounterVec
	callbacksTotal      *prometheus.CounterVec
	sweptTotal          *prometheus.CounterVec
	reconcileMismatches prometheus.Counter
	sweepLastRunUnix    prometheus.Gauge
	webhookDuplicates   prometheus.Counter
	rateLimitedRequests *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fdip",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations partitioned by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fdip",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency of ledger operations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		tokensMovedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fdip",
				Subsystem: "ledger",
				Name:      "tokens_moved_total",
				Help:      "Tokens credited or debited by completed entries, by transaction type.",
			},
			[]string{"type"},
		),
		callbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fdip",
				Subsystem: "gateway",
				Name:      "callbacks_total",
				Help:      "Gateway callbacks by kind and result.",
			},
			[]string{"kind", "result"},
		),
		sweptTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fdip",
				Subsystem: "reconciler",
				Name:      "swept_total",
				Help:      "Stale pending entries failed by the sweeper, by transaction type.",
			},
			[]string{"type"},
		),
		reconcileMismatches: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fdip",
				Subsystem: "reconciler",
				Name:      "balance_mismatches_total",
				Help:      "Accounts whose cached balance differed from the ledger sum.",
			},
		),
		sweepLastRunUnix: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fdip",
				Subsystem: "reconciler",
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent sweep.",
			},
		),
		webhookDuplicates: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fdip",
				Subsystem: "gateway",
				Name:      "webhook_duplicates_total",
				Help:      "Webhook deliveries skipped because the event id was already seen.",
			},
		),
		rateLimitedRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fdip",
				Subsystem: "http",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter, by route.",
			},
			[]string{"route"},
		),
	}
}

func (m *Metrics) ObserveOperation(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, string(Classify(err))).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) TokensMoved(txType string, amount int64) {
	if m == nil {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	m.tokensMovedTotal.WithLabelValues(txType).Add(float64(amount))
}

func (m *Metrics) Callback(kind, result string) {
	if m == nil {
		return
	}
	m.callbacksTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Swept(txType string) {
	if m == nil {
		return
	}
	m.sweptTotal.WithLabelValues(txType).Inc()
}

func (m *Metrics) SweepRun(at time.Time) {
	if m == nil {
		return
	}
	m.sweepLastRunUnix.Set(float64(at.Unix()))
}

func (m *Metrics) ReconcileMismatch() {
	if m == nil {
		return
	}
	m.reconcileMismatches.Inc()
}

func (m *Metrics) WebhookDuplicate() {
	if m == nil {
		return
	}
	m.webhookDuplicates.Inc()
}

func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimitedRequests.WithLabelValues(route).Inc()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WithdrawalsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "withdrawguard_withdrawals_processed_total",
		Help: "Total withdrawals reaching a terminal result, labelled by status.",
	}, []string{"status"})

	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "withdrawguard_risk_rejections_total",
		Help: "Total risk rule rejections, labelled by reason.",
	}, []string{"reason"})

	DebitsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "withdrawguard_debits_applied_total",
		Help: "Total debits applied to the account ledger.",
	})

	ReplaysServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "withdrawguard_replays_served_total",
		Help: "Total duplicate submissions answered from the idempotency ledger.",
	})

	AuditEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "withdrawguard_audit_entries_total",
		Help: "Total audit entries appended, labelled by pipeline stage.",
	}, []string{"stage"})

	AuditAppendRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "withdrawguard_audit_append_retries_total",
		Help: "Total retries of audit store appends.",
	})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "withdrawguard_breaker_transitions_total",
		Help: "Total circuit breaker state transitions, labelled by new state.",
	}, []string{"state"})

	GatewayRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "withdrawguard_gateway_retries_total",
		Help: "Total retried downstream debit calls.",
	})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "withdrawguard_batch_duration_ms",
		Help:    "End-to-end batch processing latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "withdrawguard_queue_utilization_ratio",
		Help: "Current pipeline queue utilization (0-1).",
	})
)

// Package metrics holds the Prometheus collectors for ledger activity.
// Labels are limited to small fixed sets (operation type, status, outcome).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OperationTransitions counts operation status changes by type and new status.
	OperationTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operation_transitions_total",
			Help: "Operation status transitions.",
		},
		[]string{"type", "status"},
	)

	ReserveRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_reserve_rejected_total",
			Help: "Reserve calls rejected, by reason.",
		},
		[]string{"reason"},
	)

	// KopecksMoved sums balance movements by journal type.
	KopecksMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_kopecks_total",
			Help: "Kopecks moved through the balance journal.",
		},
		[]string{"type"},
	)

	// Reconciliations counts reconcile calls by observed status and outcome
	// (applied, duplicate, ignored, error).
	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_payment_reconciliations_total",
			Help: "Payment reconcile calls.",
		},
		[]string{"observed", "outcome"},
	)

	GatewayCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_gateway_call_duration_seconds",
			Help:    "Duration of payment gateway calls including retries.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"call", "outcome"},
	)

	DiscountApplications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_discount_applications_total",
			Help: "Discount code applications by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	OutboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_outbox_published_total",
			Help: "Outbox messages relayed, by outcome.",
		},
		[]string{"outcome"},
	)

	// HTTPRequests uses the route template as path to keep cardinality bounded.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		OperationTransitions,
		ReserveRejected,
		KopecksMoved,
		Reconciliations,
		GatewayCalls,
		DiscountApplications,
		OutboxPublished,
		HTTPRequests,
		HTTPDuration,
	)
}

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Callback dispatch metrics
	callbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_callbacks_total",
		Help: "Total number of provider callbacks dispatched",
	}, []string{
		"provider",
		"event_type", // payment-confirmed, subscribed, subscription-renewal, ...
		"status",     // applied, rejected, unrecognized, error
	})

	preparesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_prepares_total",
		Help: "Total number of prepare operations",
	}, []string{
		"provider",
		"kind",   // purchase, subscription
		"status", // created, reused, plan_change, error
	})

	renewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_renewals_total",
		Help: "Total number of subscription renewal attempts",
	}, []string{
		"provider",
		"outcome", // renewed, failed, canceled, error
	})

	reconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_reconcile_runs_total",
		Help: "Total number of reconciliation passes",
	}, []string{
		"provider",
		"loop",   // transactions, renewal, uncompleted
		"status", // completed, skipped
	})

	reconcileItemErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_reconcile_item_errors_total",
		Help: "Per-item errors reported to the reconcile error sink",
	}, []string{
		"provider",
		"loop",
	})

	reconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_reconcile_duration_seconds",
		Help:    "Duration of reconciliation passes",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{
		"provider",
		"loop",
	})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_actions_total",
		Help: "Post-transition actions processed by the queue",
	}, []string{
		"kind",
		"status", // pending, done, failed
	})
)

// RecordCallback records the outcome of one dispatched callback.
func RecordCallback(provider, eventType, status string) {
	callbacksTotal.WithLabelValues(provider, eventType, status).Inc()
}

// RecordPrepare records the outcome of a prepare operation.
func RecordPrepare(provider, kind, status string) {
	preparesTotal.WithLabelValues(provider, kind, status).Inc()
}

// RecordRenewal records one renewal attempt outcome.
func RecordRenewal(provider, outcome string) {
	renewalsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordReconcileRun records a reconciliation pass and its duration.
func RecordReconcileRun(provider, loop, status string, elapsed time.Duration) {
	reconcileRunsTotal.WithLabelValues(provider, loop, status).Inc()
	if status == "completed" {
		reconcileDuration.WithLabelValues(provider, loop).Observe(elapsed.Seconds())
	}
}

// RecordReconcileItemError records one per-item error delivered to a sink.
func RecordReconcileItemError(provider, loop string) {
	reconcileItemErrorsTotal.WithLabelValues(provider, loop).Inc()
}

// RecordAction records one action queue delivery outcome.
func RecordAction(kind, status string) {
	actionsTotal.WithLabelValues(kind, status).Inc()
}

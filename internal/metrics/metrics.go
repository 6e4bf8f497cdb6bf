// Package metrics exposes Prometheus collectors for the alert pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "alerthub"

// Webhook metrics
var (
	// WebhookRequestsTotal counts webhook requests by response code.
	WebhookRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Total number of webhook requests",
		},
		[]string{"code"},
	)

	// AlertsReceivedTotal counts alerts by normalization result.
	AlertsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "alerts_total",
			Help:      "Alerts seen in webhook payloads",
		},
		[]string{"result"}, // accepted, rejected
	)
)

// Lifecycle metrics
var (
	// TransitionsTotal counts applied transitions by kind.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions by kind",
		},
		[]string{"kind"},
	)

	// ApplyErrorsTotal counts alerts that could not be applied.
	ApplyErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "apply_errors_total",
			Help:      "Apply failures by reason",
		},
		[]string{"reason"}, // validation, lock_timeout, store
	)

	// AnomaliesTotal counts resolved events for unknown fingerprints.
	AnomaliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "anomalies_total",
			Help:      "Resolved alerts received for unknown fingerprints",
		},
	)

	// RequeuesTotal counts alerts requeued after lock timeouts.
	RequeuesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "requeues_total",
			Help:      "Alerts requeued after per-fingerprint lock timeout",
		},
	)

	// QueueDepth tracks buffered alerts awaiting processing.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Alerts buffered in the local work queue",
		},
	)
)

// Dispatch metrics
var (
	// DispatchResultsTotal counts per-rule dispatch outcomes.
	DispatchResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "results_total",
			Help:      "Dispatch results by channel and outcome",
		},
		[]string{"channel", "outcome"}, // success, failed, skipped, dropped
	)

	// DispatchAttemptsTotal counts adapter calls including retries.
	DispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Adapter delivery attempts by channel",
		},
		[]string{"channel"},
	)

	// DispatchDuration tracks end-to-end delivery time per rule.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Delivery duration including retries",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)
)

// BuildInfo exposes build information.
var BuildInfo = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information",
	},
	[]string{"version"},
)

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version string) {
	BuildInfo.WithLabelValues(version).Set(1)
}

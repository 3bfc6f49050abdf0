// Package metrics exposes Prometheus instrumentation for the hub, session,
// and webhook publisher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions is the current number of connected device sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleethub",
		Subsystem: "hub",
		Name:      "active_sessions",
		Help:      "Number of currently connected device sessions.",
	})

	// PublishesTotal counts PublishMessage commands processed by the hub,
	// partitioned by whether at least one topic passed the allow-list gate
	// ("delivered") or none did ("rejected").
	PublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleethub",
		Subsystem: "hub",
		Name:      "publishes_total",
		Help:      "Total PublishMessage commands processed, by outcome.",
	}, []string{"outcome"})

	// ConnectionsRejectedTotal counts Connect commands refused at admission,
	// partitioned by reason.
	ConnectionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleethub",
		Subsystem: "hub",
		Name:      "connections_rejected_total",
		Help:      "Total Connect commands refused, by reason.",
	}, []string{"reason"})

	// RateLimitDroppedTotal counts inbound frames dropped for exceeding a
	// session's rate limit.
	RateLimitDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleethub",
		Subsystem: "session",
		Name:      "rate_limit_dropped_total",
		Help:      "Total inbound frames dropped for exceeding the rate limit.",
	})

	// WebhookDeliveriesTotal counts webhook deliveries, partitioned by
	// outcome (success, transport_error, build_error, queue_full, or
	// http_<status class> such as http_500 for a non-2xx response).
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleethub",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total webhook delivery attempts, by outcome.",
	}, []string{"outcome"})

	// WebhookDeliveryLatencySeconds observes the latency of webhook POSTs.
	WebhookDeliveryLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleethub",
		Subsystem: "webhook",
		Name:      "delivery_latency_seconds",
		Help:      "Webhook POST latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	})
)

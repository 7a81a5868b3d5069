// Package metrics holds the Prometheus collectors shared across packages.
// Registered on the default registry and exposed at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlnauth_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vlnauth_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthEvents counts auth core operations by outcome (success or lower-cased error code).
	AuthEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlnauth_auth_events_total",
			Help: "Auth operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	// MailDispatch counts outbound mail attempts per transport and kind.
	MailDispatch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlnauth_mail_dispatch_total",
			Help: "Outbound mail attempts by transport, kind and outcome",
		},
		[]string{"transport", "kind", "outcome"},
	)
)

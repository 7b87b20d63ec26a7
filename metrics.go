package redmine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "redmine_client",
			Name:      "attempts_total",
			Help:      "HTTP attempts issued, including retries.",
		},
		[]string{"method"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "redmine_client",
			Name:      "retries_total",
			Help:      "Attempts issued after a retryable failure.",
		},
		[]string{"method"},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "redmine_client",
			Name:      "requests_total",
			Help:      "Execute calls by final outcome (success or error).",
		},
		[]string{"method", "outcome"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "redmine_client",
			Name:      "errors_total",
			Help:      "Error envelopes produced, by error code.",
		},
		[]string{"error_code"},
	)

	connectionHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "redmine_client",
			Name:      "connection_healthy",
			Help:      "1 when the last observed connection state was healthy, 0 otherwise.",
		},
		[]string{"base_url"},
	)
)

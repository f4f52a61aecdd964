// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts completion requests by provider, model and
	// terminal status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "requests_total",
			Help:      "Completion requests by terminal status.",
		},
		[]string{"provider", "model", "status"},
	)

	// RetriesTotal counts provider fallback attempts.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "retries_total",
			Help:      "Provider retry/fallback attempts by failing provider and error kind.",
		},
		[]string{"provider", "kind"},
	)

	// AdmissionRejections counts requests refused before dispatch.
	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "admission_rejections_total",
			Help:      "Requests rejected at admission by reason.",
		},
		[]string{"reason"},
	)

	// TokensTotal counts tokens attributed to finished requests.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "tokens_total",
			Help:      "Input and output tokens by provider and model.",
		},
		[]string{"provider", "model", "direction"},
	)

	// CostDollarsTotal accumulates billed cost.
	CostDollarsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "cost_dollars_total",
			Help:      "Accumulated cost in dollars by provider and model.",
		},
		[]string{"provider", "model"},
	)

	// RequestLatency observes end-to-end request duration.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "switchboard",
			Name:      "request_duration_seconds",
			Help:      "End-to-end completion latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	// TimeToFirstToken observes latency until the first streamed token.
	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "switchboard",
			Name:      "first_token_seconds",
			Help:      "Latency from dispatch to first token.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"provider", "model"},
	)

	// InFlight tracks concurrent dispatches per provider.
	InFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "switchboard",
			Name:      "inflight_requests",
			Help:      "Requests currently dispatched to a provider.",
		},
		[]string{"provider"},
	)
)

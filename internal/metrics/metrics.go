// Package metrics declares the Prometheus collectors shared across the
// server and the polling client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	claimOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neighborly",
		Subsystem: "claim",
		Name:      "operations_total",
		Help:      "Claim arbitration operations broken down by operation and outcome.",
	}, []string{"op", "outcome"})

	pollFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neighborly",
		Subsystem: "poll",
		Name:      "fetch_failures_total",
		Help:      "Failed fetches of polling subscriptions broken down by subscription.",
	}, []string{"subscription"})

	reviewPromptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "neighborly",
		Subsystem: "review",
		Name:      "prompt_failures_total",
		Help:      "Review prompt writes that failed during completion.",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neighborly",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests broken down by route and status class.",
	}, []string{"route", "result"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "neighborly",
		Subsystem: "api",
		Name:      "latency_seconds",
		Help:      "Latency distribution for HTTP requests.",
		Buckets: []float64{
			0.001, 0.005,
			0.01, 0.05,
			0.1, 0.5,
			1, 5,
		},
	}, []string{"route", "result"})
)

func RecordClaim(op, outcome string) {
	claimOperations.WithLabelValues(op, outcome).Inc()
}

func RecordPollFailure(subscription string) {
	if subscription == "" {
		subscription = "unnamed"
	}
	pollFetchFailures.WithLabelValues(subscription).Inc()
}

func RecordReviewPromptFailure() {
	reviewPromptFailures.Inc()
}

func RecordHTTP(route string, status int, seconds float64) {
	result := "2xx"
	switch {
	case status >= 500:
		result = "5xx"
	case status >= 400:
		result = "4xx"
	}
	httpRequests.WithLabelValues(route, result).Inc()
	httpLatency.WithLabelValues(route, result).Observe(seconds)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

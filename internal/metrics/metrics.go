// Package metrics exposes the proxy's prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChatRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vizbridge_chat_requests_total",
		Help: "Chat requests by transport endpoint",
	}, []string{"transport"})

	AnswerSources = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vizbridge_answers_total",
		Help: "Answers delivered by source (assistant, fallback, processing)",
	}, []string{"source"})

	ExchangeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vizbridge_exchange_duration_seconds",
		Help:    "Upstream exchange latency per transport",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 4.0, 8.0, 15.0},
	}, []string{"transport"})

	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vizbridge_upstream_errors_total",
		Help: "Upstream exchange failures by step (create, post, poll)",
	}, []string{"step"})

	StoredResponses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vizbridge_stored_responses",
		Help: "Live entries in the beacon response store",
	})

	BeaconTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vizbridge_beacon_tasks_active",
		Help: "Detached beacon exchanges currently in flight",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vizbridge_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter",
	})
)

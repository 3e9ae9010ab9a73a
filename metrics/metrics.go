// Package metrics exposes the prometheus collectors of the execution service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderun_executions_total",
			Help: "Total number of code executions by outcome",
		},
		[]string{"language", "kind"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coderun_execution_duration_ms",
			Help:    "Reported execution time in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"language"},
	)

	BackendInitializations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderun_backend_initializations_total",
			Help: "Runtime cold starts by result",
		},
		[]string{"language", "result"},
	)

	BackendInitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coderun_backend_init_duration_ms",
			Help:    "Time to bring up a runtime",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"language"},
	)

	BackendInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderun_backend_invalidations_total",
			Help: "Cached runtimes discarded for recreation",
		},
		[]string{"language", "reason"},
	)

	LaneWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coderun_lane_waiting",
			Help: "Submissions queued for a shared runtime",
		},
		[]string{"language"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coderun_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)

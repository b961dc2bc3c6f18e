package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	launchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resdeeds_worker_launch_attempts_total",
			Help: "Launch strategy attempts by outcome (spawn_error, exited, canceled, accepted)",
		},
		[]string{"strategy", "outcome"},
	)

	workerStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resdeeds_worker_starts_total",
			Help: "Completed worker start sequences by result",
		},
		[]string{"result"},
	)

	workerStartDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "resdeeds_worker_start_duration_seconds",
			Help:    "Duration of the allocate, launch and health probe sequence",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 15, 30},
		},
	)

	workerUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resdeeds_worker_up",
			Help: "1 when a healthy worker is registered, 0 otherwise",
		},
	)

	proxyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resdeeds_proxy_requests_total",
			Help: "Requests forwarded to the worker by operation and result kind",
		},
		[]string{"operation", "kind"},
	)

	proxyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resdeeds_proxy_request_duration_seconds",
			Help:    "Round trip of forwarded requests including a possible worker start",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"operation"},
	)
)

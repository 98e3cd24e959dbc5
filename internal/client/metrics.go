package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "resvar_client_circuit_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	})

	exchangeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "resvar_client_exchange_duration_seconds",
		Help:    "Time spent in Flight exchanges",
		Buckets: prometheus.DefBuckets,
	})

	exchangeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resvar_client_exchange_errors_total",
		Help: "Failed Flight exchanges by cause",
	}, []string{"cause"})
)

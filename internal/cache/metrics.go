package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resvar_fit_cache_hits_total",
		Help: "Total number of fit cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resvar_fit_cache_misses_total",
		Help: "Total number of fit cache misses (decompositions)",
	})

	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "resvar_fit_cache_entries",
		Help: "Current number of cached fits",
	})
)

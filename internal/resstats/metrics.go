package resstats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	genesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resvar_genes_processed_total",
		Help: "Total number of genes with computed residual statistics",
	}, []string{"element_type"})

	computeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "resvar_compute_duration_seconds",
		Help:    "Time spent in a single residual statistics computation",
		Buckets: prometheus.DefBuckets,
	}, []string{"element_type"})

	nonFiniteGenes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resvar_nonfinite_genes_total",
		Help: "Genes whose mean or variance came out NaN or Inf",
	})

	invalidArguments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resvar_invalid_argument_total",
		Help: "Computations rejected before processing any gene",
	})
)

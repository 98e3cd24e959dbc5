package exprio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resvar_ipc_batches_loaded_total",
		Help: "Total number of record batches decoded from IPC files",
	})

	payloadBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "resvar_payload_bytes",
		Help:    "Size of decoded CBOR payloads",
		Buckets: prometheus.ExponentialBuckets(256, 4, 10),
	}, []string{"kind"})
)

package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-resvar/internal/cache"
	"github.com/23skdu/longbow-resvar/internal/expr"
	"github.com/23skdu/longbow-resvar/internal/exprio"
	"github.com/23skdu/longbow-resvar/internal/lmfit"
	"github.com/23skdu/longbow-resvar/internal/resstats"
	"github.com/23skdu/longbow-resvar/internal/transform"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resvar_requests_total",
		Help: "Requests handled by surface and outcome",
	}, []string{"surface", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "resvar_request_duration_seconds",
		Help:    "Time spent processing stats requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"surface"})

	inflightGenes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "resvar_inflight_genes",
		Help: "Genes admitted and currently being processed",
	})
)

var tracer = otel.Tracer("resvar-server")

type Server struct {
	fits     cache.FitCache
	sem      *semaphore.Weighted
	maxGenes int64
	workers  int
}

func NewServer(fits cache.FitCache, maxConcurrent, workers int) *Server {
	maxConcurrent = max(1, maxConcurrent)
	return &Server{
		fits:     fits,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		maxGenes: int64(maxConcurrent),
		workers:  max(1, workers),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Msg("Starting resvar HTTP Server")
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// isInvalid reports whether err was caused by the request rather than the server.
func isInvalid(err error) bool {
	return errors.Is(err, resstats.ErrInvalidArgument) ||
		errors.Is(err, exprio.ErrBadPayload) ||
		errors.Is(err, expr.ErrBadShape) ||
		errors.Is(err, lmfit.ErrInvalidArgument) ||
		errors.Is(err, transform.ErrInvalidArgument)
}

func fail(span trace.Span, surface string, err error) {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	outcome := "error"
	if isInvalid(err) {
		outcome = "invalid"
	}
	requestsTotal.WithLabelValues(surface, outcome).Inc()
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleStats")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("http").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := exprio.DecodeRequest(r.Body)
	if err != nil {
		fail(span, "http", err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	m, err := req.Counts.Matrix()
	if err != nil {
		fail(span, "http", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	genes, cells := m.Dims()
	span.SetAttributes(
		attribute.Int("genes", genes),
		attribute.Int("cells", cells),
	)

	// Admission Control
	weight := max(1, int64(genes))
	if weight > s.maxGenes {
		fail(span, "http", fmt.Errorf("%d genes exceeds limit %d", genes, s.maxGenes))
		http.Error(w, fmt.Sprintf("Too many genes (%d > %d)", genes, s.maxGenes), http.StatusRequestEntityTooLarge)
		return
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		fail(span, "http", err)
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)
	inflightGenes.Add(float64(weight))
	defer inflightGenes.Sub(float64(weight))

	if err := req.Model.Fit.MatchCells(cells); err != nil {
		fail(span, "http", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fit, err := req.Model.Fit.CachedFit(s.fits)
	if err != nil {
		fail(span, "http", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tr, err := req.Model.Transform.Transform()
	if err != nil {
		fail(span, "http", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	workers := s.workers
	if req.Workers > 0 {
		workers = min(req.Workers, s.workers)
	}
	res, err := resstats.Compute(m, fit, tr, resstats.WithWorkers(workers))
	if err != nil {
		fail(span, "http", err)
		code := http.StatusInternalServerError
		if isInvalid(err) {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}

	w.Header().Set("Content-Type", "application/cbor")
	resp := exprio.StatsResponse{
		Genes:     req.Counts.Genes,
		Means:     res.Means,
		Variances: res.Variances,
		NonFinite: res.NonFinite(),
	}
	if err := cbor.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
		return
	}
	requestsTotal.WithLabelValues("http", "ok").Inc()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

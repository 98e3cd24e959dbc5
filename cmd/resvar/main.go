package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/23skdu/longbow-resvar/internal/cache"
	"github.com/23skdu/longbow-resvar/internal/client"
	"github.com/23skdu/longbow-resvar/internal/exprio"
	"github.com/23skdu/longbow-resvar/internal/resstats"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	matrixPath      = flag.String("matrix", "", "Arrow IPC file with a counts column (batch mode)")
	modelPath       = flag.String("model", "", "CBOR model payload (fit and transform); intercept only if empty")
	sizeFactorsPath = flag.String("size-factors", "", "Text file with one size factor per cell")
	transformKind   = flag.String("transform", "", "Row transform (none, lognorm); overrides the model")
	pseudocount     = flag.Float64("pseudocount", exprio.DefaultPseudocount, "Pseudocount for lognorm; overrides the model when set")
	workers         = flag.Int("workers", runtime.NumCPU(), "Worker goroutines per computation; -matrix row reads are serialized, the per-gene fit runs in parallel")
	outPath         = flag.String("out", "", "Write the result Arrow IPC stream here instead of stdout")
	serverAddr      = flag.String("server", "", "Remote resvar Flight server for batch mode (e.g., localhost:9090)")
	listenAddr      = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr      = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent   = flag.Int("max-concurrent", 1<<20, "Maximum number of genes processed concurrently by the servers")
	fitCacheSize    = flag.Int("fit-cache", 64, "Maximum number of decomposed fits kept by the servers")
	enableOTel      = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile      = flag.String("cpuprofile", "", "Write cpu profile to file")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	fits := cache.NewMapCache(*fitCacheSize)

	// Server Mode
	if *listenAddr != "" {
		go startServer(*listenAddr, NewServer(fits, *maxConcurrent, *workers))
	}
	if *flightAddr != "" {
		StartFlightServer(*flightAddr, NewResvarFlightServer(fits, *workers))
		return
	}
	if *listenAddr != "" {
		select {}
	}

	if *matrixPath == "" {
		log.Fatal().Msg("One of -matrix, -listen or -flight is required")
	}
	if err := runBatch(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Batch computation failed")
	}
}

// runBatch computes statistics for -matrix, locally or on -server.
func runBatch(ctx context.Context) error {
	model, err := loadModel()
	if err != nil {
		return err
	}

	mem := memory.NewGoAllocator()
	m, err := exprio.OpenFile(*matrixPath, mem)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close matrix")
		}
	}()
	genes, cells := m.Dims()
	if err := model.Fit.MatchCells(cells); err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	start := time.Now()
	var results []arrow.RecordBatch
	if *serverAddr != "" {
		results, err = computeRemote(ctx, m, model)
	} else {
		results, err = computeLocal(mem, m, model)
	}
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range results {
			r.Release()
		}
	}()
	elapsed := time.Since(start)

	if err := exprio.WriteStream(out, results...); err != nil {
		return fmt.Errorf("writing results: %w", err)
	}

	p := message.NewPrinter(language.English)
	log.Info().
		Dur("elapsed", elapsed).
		Int("workers", *workers).
		Bool("remote", *serverAddr != "").
		Msg(p.Sprintf("Computed residual statistics for %d genes x %d cells", genes, cells))
	return nil
}

func computeLocal(mem memory.Allocator, m *exprio.FileMatrix, model *exprio.ModelPayload) ([]arrow.RecordBatch, error) {
	fit, err := model.Fit.Fit()
	if err != nil {
		return nil, err
	}
	tr, err := model.Transform.Transform()
	if err != nil {
		return nil, err
	}
	res, err := resstats.Compute(m, fit, tr, resstats.WithWorkers(*workers))
	if err != nil {
		return nil, err
	}
	if bad := res.NonFinite(); len(bad) > 0 {
		log.Warn().Int("genes", len(bad)).Msg("Non-finite statistics; check size factors and pseudocount")
	}
	rec, err := exprio.ResultRecord(mem, m.GeneNames(), res)
	if err != nil {
		return nil, err
	}
	return []arrow.RecordBatch{rec}, nil
}

func computeRemote(ctx context.Context, m *exprio.FileMatrix, model *exprio.ModelPayload) ([]arrow.RecordBatch, error) {
	fc, err := client.NewFlightClient(*serverAddr)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := fc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()
	log.Info().Str("server", *serverAddr).Int("batches", m.NumBatches()).Msg("Sending counts to resvar server")

	recs := make([]arrow.RecordBatch, 0, m.NumBatches())
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	for b := 0; b < m.NumBatches(); b++ {
		rec, err := m.Batch(b)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	return fc.Exchange(ctx, model, recs)
}

// loadModel reads -model and applies the transform flags on top.
func loadModel() (*exprio.ModelPayload, error) {
	model := &exprio.ModelPayload{}
	if *modelPath != "" {
		var err error
		if model, err = exprio.ReadModelFile(*modelPath); err != nil {
			return nil, err
		}
	}
	if *transformKind != "" {
		model.Transform.Kind = *transformKind
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "pseudocount" {
			model.Transform.Pseudocount = pseudocount
		}
	})
	if *sizeFactorsPath != "" {
		sf, err := readSizeFactors(*sizeFactorsPath)
		if err != nil {
			return nil, err
		}
		model.Transform.SizeFactors = sf
	}
	return model, nil
}

func readSizeFactors(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseSizeFactors(f)
}

// parseSizeFactors reads one value per line; blank lines and # comments are skipped.
func parseSizeFactors(r io.Reader) ([]float64, error) {
	var sf []float64
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("size factors line %d: %w", line, err)
		}
		sf = append(sf, v)
	}
	return sf, sc.Err()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("resvar"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}

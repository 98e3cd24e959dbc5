package main

import (
	"errors"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-resvar/internal/cache"
	"github.com/23skdu/longbow-resvar/internal/expr"
	"github.com/23skdu/longbow-resvar/internal/exprio"
	"github.com/23skdu/longbow-resvar/internal/resstats"
)

var errMissingModel = errors.New("resvar: exchange descriptor carries no model command")

// ResvarFlightServer answers each counts batch of a DoExchange stream with
// one result batch. The model travels as CBOR in the descriptor command.
type ResvarFlightServer struct {
	flight.BaseFlightServer
	fits    cache.FitCache
	alloc   memory.Allocator
	workers int
}

func NewResvarFlightServer(fits cache.FitCache, workers int) *ResvarFlightServer {
	return &ResvarFlightServer{
		fits:    fits,
		alloc:   memory.NewGoAllocator(),
		workers: max(1, workers),
	}
}

func grpcError(err error) error {
	if isInvalid(err) || errors.Is(err, errMissingModel) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func (s *ResvarFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	_, span := tracer.Start(stream.Context(), "DoExchange")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("flight").Observe(time.Since(start).Seconds())
	}()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		fail(span, "flight", err)
		return err
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil || len(desc.Cmd) == 0 {
		fail(span, "flight", errMissingModel)
		return grpcError(errMissingModel)
	}
	model, err := exprio.DecodeModel(desc.Cmd)
	if err != nil {
		fail(span, "flight", err)
		return status.Error(codes.InvalidArgument, err.Error())
	}
	cells, _, err := expr.Layout(reader.Schema())
	if err != nil {
		fail(span, "flight", err)
		return grpcError(err)
	}
	if err := model.Fit.MatchCells(cells); err != nil {
		fail(span, "flight", err)
		return grpcError(err)
	}
	fit, err := model.Fit.CachedFit(s.fits)
	if err != nil {
		fail(span, "flight", err)
		return grpcError(err)
	}
	tr, err := model.Transform.Transform()
	if err != nil {
		fail(span, "flight", err)
		return grpcError(err)
	}

	// Closed only on success; an end-of-stream marker would hide a failure status.
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(exprio.ResultSchema), ipc.WithAllocator(s.alloc))

	batches, genes := 0, int64(0)
	for reader.Next() {
		rec := reader.Record()
		out, err := exprio.ComputeRecord(s.alloc, rec, fit, tr, resstats.WithWorkers(s.workers))
		if err != nil {
			fail(span, "flight", err)
			return grpcError(err)
		}
		err = writer.Write(out)
		out.Release()
		if err != nil {
			fail(span, "flight", err)
			return err
		}
		batches++
		genes += rec.NumRows()
	}
	if err := reader.Err(); err != nil {
		fail(span, "flight", err)
		return err
	}
	if err := writer.Close(); err != nil {
		fail(span, "flight", err)
		return err
	}

	span.SetAttributes(
		attribute.Int("batches", batches),
		attribute.Int64("genes", genes),
	)
	requestsTotal.WithLabelValues("flight", "ok").Inc()
	log.Debug().Int("batches", batches).Int64("genes", genes).Msg("DoExchange complete")
	return nil
}

func StartFlightServer(addr string, srv *ResvarFlightServer) {
	// Create the generic Flight Server which manages the GRPC lifecycle
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(srv)

	// Init handles the listener creation internally
	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting resvar Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}

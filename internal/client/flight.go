package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-resvar/internal/exprio"
)

var (
	// ErrCircuitOpen is returned without contacting the server while the breaker is open.
	ErrCircuitOpen = errors.New("client: circuit open")
	// ErrNoRecords is returned by Exchange when there is nothing to send.
	ErrNoRecords = errors.New("client: no records")
)

// FlightClient computes residual statistics on a remote resvar Flight server.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
	alloc  memory.Allocator
	cb     *CircuitBreaker
}

// Option configures a FlightClient.
type Option func(*FlightClient)

// WithAllocator sets the allocator used for received records.
func WithAllocator(mem memory.Allocator) Option {
	return func(c *FlightClient) { c.alloc = mem }
}

// WithCircuitBreaker replaces the default breaker (5 failures, 10s).
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(c *FlightClient) { c.cb = cb }
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string, opts ...Option) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	c := &FlightClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
		alloc:  memory.NewGoAllocator(),
		cb:     NewCircuitBreaker(5, 10*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Exchange sends counts records and returns one result record per input
// record, in order. Callers must release the returned records.
func (c *FlightClient) Exchange(ctx context.Context, model *exprio.ModelPayload, recs []arrow.RecordBatch) ([]arrow.RecordBatch, error) {
	if len(recs) == 0 {
		return nil, ErrNoRecords
	}
	if !c.cb.Allow() {
		exchangeErrors.WithLabelValues("circuit_open").Inc()
		return nil, ErrCircuitOpen
	}

	start := time.Now()
	out, err := c.exchange(ctx, model, recs)
	exchangeDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		c.cb.Success()
	case isTransportError(err):
		c.cb.Failure()
		exchangeErrors.WithLabelValues("transport").Inc()
		log.Debug().Err(err).Str("state", c.cb.State().String()).Msg("Flight exchange failed")
	default:
		// rejected by the server, breaker unchanged
		c.cb.Release()
		exchangeErrors.WithLabelValues("rejected").Inc()
	}
	return out, err
}

func (c *FlightClient) exchange(ctx context.Context, model *exprio.ModelPayload, recs []arrow.RecordBatch) ([]arrow.RecordBatch, error) {
	cmd, err := cbor.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("encoding model: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(recs[0].Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  cmd,
	})

	sendErr := make(chan error, 1)
	go func() {
		for _, rec := range recs {
			if err := writer.Write(rec); err != nil {
				_ = writer.Close()
				sendErr <- err
				return
			}
		}
		if err := writer.Close(); err != nil {
			sendErr <- err
			return
		}
		sendErr <- stream.CloseSend()
	}()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		cancel()
		<-sendErr
		return nil, err
	}
	defer reader.Release()

	out := make([]arrow.RecordBatch, 0, len(recs))
	release := func() {
		for _, r := range out {
			r.Release()
		}
	}
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		out = append(out, rec)
	}
	if err := reader.Err(); err != nil {
		release()
		cancel()
		<-sendErr
		return nil, err
	}
	if err := <-sendErr; err != nil {
		release()
		return nil, err
	}
	if len(out) != len(recs) {
		release()
		return nil, fmt.Errorf("client: %d results for %d batches", len(out), len(recs))
	}
	return out, nil
}

func isTransportError(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}

// Package resstats computes per-gene means and residual variances of an
// expression matrix against a precomputed linear model fit.
//
// Each gene is read into a scratch buffer, transformed, averaged, projected
// through the fit and reduced to the residual sum of squares divided by the
// residual degrees of freedom (cells - coefficients). The whole matrix is
// never materialised; memory use is one row buffer per worker.
//
// NaN or Inf values produced by the transform are not reported as errors.
// They propagate into the affected gene's mean and variance.
package resstats

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-resvar/internal/expr"
	"github.com/23skdu/longbow-resvar/internal/lmfit"
	"github.com/23skdu/longbow-resvar/internal/simd"
	"github.com/23skdu/longbow-resvar/internal/transform"
)

var (
	// ErrInvalidArgument marks precondition failures detected before any row is read.
	ErrInvalidArgument = errors.New("resstats: invalid argument")
)

// Result holds one mean and one residual variance per gene, in row order.
type Result struct {
	Means     []float64
	Variances []float64
}

// NonFinite returns the indices of genes whose mean or variance is NaN or ±Inf.
func (r *Result) NonFinite() []int {
	var idx []int
	for i := range r.Means {
		if !finite(r.Means[i]) || !finite(r.Variances[i]) {
			idx = append(idx, i)
		}
	}
	return idx
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

type options struct {
	workers int
	logger  zerolog.Logger
}

// Option configures Compute.
type Option func(*options)

// WithWorkers splits genes into n contiguous ranges processed concurrently.
// Values below 1 are treated as 1. Output is identical for every n.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithLogger overrides the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Compute returns the mean and residual variance of every gene of m after
// applying tr and projecting through fit.
//
// All argument checks happen before the first row is read; failures wrap
// ErrInvalidArgument. A row read or projection failure aborts the call and
// no partial result is returned.
func Compute(m expr.Matrix, fit lmfit.Fit, tr transform.Transform, opts ...Option) (*Result, error) {
	o := options{workers: 1, logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}

	newReader, err := validate(m, fit, tr)
	if err != nil {
		invalidArguments.Inc()
		return nil, err
	}

	genes, cells := m.Dims()
	ncoefs := fit.NCoefs()
	res := &Result{
		Means:     make([]float64, genes),
		Variances: make([]float64, genes),
	}

	workers := o.workers
	if workers > genes {
		workers = genes
	}
	if workers < 1 {
		workers = 1
	}

	start := time.Now()
	if workers == 1 {
		err = computeRange(newReader(), fit, tr, res, cells, ncoefs, 0, genes)
	} else {
		var g errgroup.Group
		rowsPerWorker := (genes + workers - 1) / workers
		for w := 0; w < workers; w++ {
			lo := w * rowsPerWorker
			if lo >= genes {
				break
			}
			hi := min(lo+rowsPerWorker, genes)
			rd := newReader()
			g.Go(func() error {
				return computeRange(rd, fit, tr, res, cells, ncoefs, lo, hi)
			})
		}
		err = g.Wait()
	}
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	elemType := m.Type().String()
	computeDuration.WithLabelValues(elemType).Observe(elapsed.Seconds())
	genesProcessed.WithLabelValues(elemType).Add(float64(genes))
	if bad := res.NonFinite(); len(bad) > 0 {
		nonFiniteGenes.Add(float64(len(bad)))
		o.logger.Debug().Int("genes", len(bad)).Int("first", bad[0]).Msg("Non-finite statistics")
	}

	o.logger.Debug().
		Int("genes", genes).
		Int("cells", cells).
		Int("coefs", ncoefs).
		Int("workers", workers).
		Str("type", elemType).
		Dur("elapsed", elapsed).
		Msg("Computed residual statistics")

	return res, nil
}

// computeRange fills res for genes [lo, hi) using a private scratch buffer.
func computeRange(rd rowReader, fit lmfit.Fit, tr transform.Transform, res *Result, cells, ncoefs, lo, hi int) error {
	buf := make([]float64, cells)
	df := float64(cells - ncoefs)
	n := float64(cells)

	for i := lo; i < hi; i++ {
		if err := rd.read(i, buf); err != nil {
			return fmt.Errorf("reading gene %d: %w", i, err)
		}
		tr.Apply(buf)

		// Mean of the transformed values, before projection.
		res.Means[i] = simd.Sum(buf) / n

		if err := fit.Multiply(buf); err != nil {
			return fmt.Errorf("projecting gene %d: %w", i, err)
		}
		res.Variances[i] = simd.SumSquares(buf[ncoefs:]) / df
	}
	return nil
}

func validate(m expr.Matrix, fit lmfit.Fit, tr transform.Transform) (func() rowReader, error) {
	switch {
	case m == nil:
		return nil, fmt.Errorf("%w: nil matrix", ErrInvalidArgument)
	case fit == nil:
		return nil, fmt.Errorf("%w: nil fit", ErrInvalidArgument)
	case tr == nil:
		return nil, fmt.Errorf("%w: nil transform", ErrInvalidArgument)
	}

	_, cells := m.Dims()
	newReader, err := readerFor(m, cells)
	if err != nil {
		return nil, err
	}

	if fit.NCells() != cells {
		return nil, fmt.Errorf("%w: fit has %d cells, matrix has %d", ErrInvalidArgument, fit.NCells(), cells)
	}
	ncoefs := fit.NCoefs()
	if ncoefs < 0 || ncoefs >= cells {
		return nil, fmt.Errorf("%w: %d coefficients leave no residual degrees of freedom for %d cells", ErrInvalidArgument, ncoefs, cells)
	}
	if err := tr.Check(cells); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return newReader, nil
}

// Package lmfit provides precomputed linear model fits that project a
// per-cell vector onto an orthonormal basis of the design.
//
// Multiply rewrites v as Qᵀv: the first NCoefs entries are the effects of
// the fitted coefficients and the remaining NCells-NCoefs entries are
// residual effects whose sum of squares equals the residual sum of squares
// of the least-squares fit.
package lmfit

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/lapack/lapack64"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-resvar/internal/simd"
)

var (
	ErrInvalidArgument = errors.New("lmfit: invalid argument")
)

// Fit is a read-only linear model fit. Multiply must be safe for concurrent use.
type Fit interface {
	NCells() int
	NCoefs() int
	Multiply(v []float64) error
}

// ensure interface compliance
var _ Fit = (*QRFit)(nil)
var _ Fit = (*BasisFit)(nil)

// QRFit holds a QR decomposition in LAPACK compact form: Householder
// vectors below the diagonal of qr and their scalar factors in tau.
type QRFit struct {
	qr    blas64.General
	tau   []float64
	lwork int
	work  sync.Pool
}

// NewQRFit copies a row-major ncells × ncoefs compact QR (as produced by
// lapack64.Geqrf) and its tau vector.
func NewQRFit(qr *mat.Dense, tau []float64) (*QRFit, error) {
	ncells, ncoefs := qr.Dims()
	if ncoefs < 1 || ncoefs > ncells {
		return nil, fmt.Errorf("%w: qr is %dx%d", ErrInvalidArgument, ncells, ncoefs)
	}
	if len(tau) != ncoefs {
		return nil, fmt.Errorf("%w: %d tau values for %d coefficients", ErrInvalidArgument, len(tau), ncoefs)
	}

	f := &QRFit{
		qr:  mat.DenseCopyOf(qr).RawMatrix(),
		tau: append([]float64(nil), tau...),
	}

	// Workspace query
	work := make([]float64, 1)
	c := blas64.General{Rows: ncells, Cols: 1, Stride: 1, Data: make([]float64, ncells)}
	lapack64.Ormqr(blas.Left, blas.Trans, f.qr, f.tau, c, work, -1)
	f.lwork = max(1, int(work[0]))
	f.work.New = func() interface{} {
		buf := make([]float64, f.lwork)
		return &buf
	}
	return f, nil
}

// NewQRFitColMajor accepts the column-major qr/qraux pair returned by
// R's qr(..., LAPACK=TRUE).
func NewQRFitColMajor(data []float64, ncells, ncoefs int, qraux []float64) (*QRFit, error) {
	if ncells <= 0 || ncoefs <= 0 || ncells > math.MaxInt/ncoefs || len(data) != ncells*ncoefs {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrInvalidArgument, len(data), ncells, ncoefs)
	}
	// Column-major ncells×ncoefs is row-major ncoefs×ncells.
	t := mat.NewDense(ncoefs, ncells, data)
	return NewQRFit(mat.DenseCopyOf(t.T()), qraux)
}

// Decompose factorizes design (ncells × ncoefs) with lapack64.Geqrf.
// No pivoting is done; rank-deficient designs must be reduced by the caller.
func Decompose(design mat.Matrix) (*QRFit, error) {
	ncells, ncoefs := design.Dims()
	if ncells == 0 || ncoefs == 0 || ncoefs > ncells {
		return nil, fmt.Errorf("%w: design is %dx%d", ErrInvalidArgument, ncells, ncoefs)
	}
	a := mat.DenseCopyOf(design)
	raw := a.RawMatrix()
	tau := make([]float64, ncoefs)

	work := make([]float64, 1)
	lapack64.Geqrf(raw, tau, work, -1)
	work = make([]float64, max(1, int(work[0])))
	lapack64.Geqrf(raw, tau, work, len(work))

	return NewQRFit(a, tau)
}

func (f *QRFit) NCells() int {
	return f.qr.Rows
}

func (f *QRFit) NCoefs() int {
	return f.qr.Cols
}

func (f *QRFit) Multiply(v []float64) error {
	if len(v) != f.qr.Rows {
		return fmt.Errorf("%w: vector length %d, want %d", ErrInvalidArgument, len(v), f.qr.Rows)
	}
	wp := f.work.Get().(*[]float64)
	defer f.work.Put(wp)

	c := blas64.General{Rows: len(v), Cols: 1, Stride: 1, Data: v}
	lapack64.Ormqr(blas.Left, blas.Trans, f.qr, f.tau, c, *wp, f.lwork)
	return nil
}

// BasisFit stores an explicit ncells × ncells orthonormal matrix Q whose
// first ncoefs columns span the design.
type BasisFit struct {
	q      *mat.Dense
	ncoefs int
	bufs   sync.Pool
}

// NewBasisFit takes ownership of q.
func NewBasisFit(q *mat.Dense, ncoefs int) (*BasisFit, error) {
	r, c := q.Dims()
	if r != c {
		return nil, fmt.Errorf("%w: basis is %dx%d, want square", ErrInvalidArgument, r, c)
	}
	if ncoefs < 1 || ncoefs > r {
		return nil, fmt.Errorf("%w: %d coefficients for %d cells", ErrInvalidArgument, ncoefs, r)
	}
	f := &BasisFit{q: q, ncoefs: ncoefs}
	f.bufs.New = func() interface{} {
		buf := make([]float64, r)
		return &buf
	}
	return f, nil
}

// BasisFromDesign builds the full Q of design with gonum's mat.QR.
func BasisFromDesign(design mat.Matrix) (*BasisFit, error) {
	ncells, ncoefs := design.Dims()
	if ncells == 0 || ncoefs == 0 || ncoefs > ncells {
		return nil, fmt.Errorf("%w: design is %dx%d", ErrInvalidArgument, ncells, ncoefs)
	}
	var qr mat.QR
	qr.Factorize(design)
	var q mat.Dense
	qr.QTo(&q)
	return NewBasisFit(&q, ncoefs)
}

func (f *BasisFit) NCells() int {
	r, _ := f.q.Dims()
	return r
}

func (f *BasisFit) NCoefs() int {
	return f.ncoefs
}

func (f *BasisFit) Multiply(v []float64) error {
	n := f.NCells()
	if len(v) != n {
		return fmt.Errorf("%w: vector length %d, want %d", ErrInvalidArgument, len(v), n)
	}
	bp := f.bufs.Get().(*[]float64)
	defer f.bufs.Put(bp)

	out := mat.NewVecDense(n, *bp)
	out.MulVec(f.q.T(), mat.NewVecDense(n, v))
	copy(v, *bp)
	return nil
}

// Intercept returns the ncells × 1 design of an intercept-only model.
func Intercept(ncells int) *mat.Dense {
	ones := make([]float64, ncells)
	simd.Fill(ones, 1)
	return mat.NewDense(ncells, 1, ones)
}

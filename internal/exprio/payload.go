package exprio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-resvar/internal/cache"
	"github.com/23skdu/longbow-resvar/internal/expr"
	"github.com/23skdu/longbow-resvar/internal/lmfit"
	"github.com/23skdu/longbow-resvar/internal/transform"
)

// DefaultPseudocount is used when a transform payload omits one.
const DefaultPseudocount = 1.0

// ErrBadPayload is returned for payloads that decode but describe nothing usable.
var ErrBadPayload = errors.New("exprio: bad payload")

var (
	// Counts payloads easily exceed the decoder's default array limit.
	decMode, _ = cbor.DecOptions{
		MaxArrayElements: 2147483647,
	}.DecMode()
	// Canonical encoding so equal fits produce equal cache keys.
	keyMode, _ = cbor.CoreDetEncOptions().EncMode()
)

// MatrixPayload is a dense row-major counts matrix.
// Exactly one of Ints and Reals carries the values.
type MatrixPayload struct {
	Genes []string  `cbor:"genes,omitempty"`
	Rows  int       `cbor:"rows"`
	Cols  int       `cbor:"cols"`
	Ints  []int32   `cbor:"ints,omitempty"`
	Reals []float64 `cbor:"reals,omitempty"`
}

// Matrix wraps the payload values without copying them.
func (p *MatrixPayload) Matrix() (expr.Matrix, error) {
	if p.Genes != nil && len(p.Genes) != p.Rows {
		return nil, fmt.Errorf("%w: %d gene names for %d rows", ErrBadPayload, len(p.Genes), p.Rows)
	}
	switch {
	case p.Ints != nil && p.Reals != nil:
		return nil, fmt.Errorf("%w: both integer and real counts", ErrBadPayload)
	case p.Reals != nil:
		if err := expr.CheckDims(p.Rows, p.Cols); err != nil {
			return nil, err
		}
		if p.Rows == 0 || len(p.Reals) != p.Rows*p.Cols {
			return nil, fmt.Errorf("%w: %d values for %dx%d", expr.ErrBadShape, len(p.Reals), p.Rows, p.Cols)
		}
		return expr.NewDense(mat.NewDense(p.Rows, p.Cols, p.Reals)), nil
	default:
		return expr.NewIntDense(p.Rows, p.Cols, p.Ints)
	}
}

// FitPayload describes the linear model. QR with QRAux (column-major
// LAPACK compact form) takes precedence over Design (row-major cells x
// coefs). With neither, the model is intercept only.
type FitPayload struct {
	Cells  int       `cbor:"cells"`
	Coefs  int       `cbor:"coefs,omitempty"`
	Design []float64 `cbor:"design,omitempty"`
	QR     []float64 `cbor:"qr,omitempty"`
	QRAux  []float64 `cbor:"qraux,omitempty"`
}

func (p *FitPayload) Fit() (lmfit.Fit, error) {
	switch {
	case p.QR != nil:
		return lmfit.NewQRFitColMajor(p.QR, p.Cells, p.Coefs, p.QRAux)
	case p.Design != nil:
		if p.Cells <= 0 || expr.CheckDims(p.Cells, p.Coefs) != nil || len(p.Design) != p.Cells*p.Coefs {
			return nil, fmt.Errorf("%w: %d design values for %dx%d", ErrBadPayload, len(p.Design), p.Cells, p.Coefs)
		}
		return lmfit.Decompose(mat.NewDense(p.Cells, p.Coefs, p.Design))
	default:
		if p.Cells <= 0 || p.Coefs > 1 {
			return nil, fmt.Errorf("%w: intercept model with %d cells, %d coefficients", ErrBadPayload, p.Cells, p.Coefs)
		}
		return lmfit.Decompose(lmfit.Intercept(p.Cells))
	}
}

// MatchCells binds the fit to a counts matrix with the given number of
// cells. A zero Cells takes the matrix's count; any other mismatch is
// rejected before a fit of that size is built.
func (p *FitPayload) MatchCells(cells int) error {
	if p.Cells == 0 {
		p.Cells = cells
	}
	if p.Cells != cells {
		return fmt.Errorf("%w: fit has %d cells, counts have %d", ErrBadPayload, p.Cells, cells)
	}
	return nil
}

// Key returns a cache key identifying the fit: its canonical CBOR encoding.
func (p *FitPayload) Key() (string, error) {
	b, err := keyMode.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CachedFit returns the fit from c, decomposing and storing it on a miss.
func (p *FitPayload) CachedFit(c cache.FitCache) (lmfit.Fit, error) {
	key, err := p.Key()
	if err != nil {
		return nil, err
	}
	if fit, ok := c.Get(key); ok {
		return fit, nil
	}
	fit, err := p.Fit()
	if err != nil {
		return nil, err
	}
	c.Put(key, fit)
	return fit, nil
}

// TransformPayload selects the row transform. Kind accepts the names
// understood by transform.ParseKind.
type TransformPayload struct {
	Kind        string    `cbor:"kind,omitempty"`
	SizeFactors []float64 `cbor:"size_factors,omitempty"`
	Pseudocount *float64  `cbor:"pseudocount,omitempty"`
}

func (p *TransformPayload) Transform() (transform.Transform, error) {
	kind, err := transform.ParseKind(p.Kind)
	if err != nil {
		return nil, err
	}
	pseudo := DefaultPseudocount
	if p.Pseudocount != nil {
		pseudo = *p.Pseudocount
	}
	return transform.New(kind, p.SizeFactors, pseudo)
}

// ModelPayload bundles everything but the counts.
type ModelPayload struct {
	Fit       FitPayload       `cbor:"fit"`
	Transform TransformPayload `cbor:"transform"`
}

// StatsRequest is the body of POST /stats.
type StatsRequest struct {
	Counts  MatrixPayload `cbor:"counts"`
	Model   ModelPayload  `cbor:"model"`
	Workers int           `cbor:"workers,omitempty"`
}

// StatsResponse is the reply to POST /stats.
type StatsResponse struct {
	Genes     []string  `cbor:"genes,omitempty"`
	Means     []float64 `cbor:"means"`
	Variances []float64 `cbor:"variances"`
	NonFinite []int     `cbor:"nonfinite,omitempty"`
}

// DecodeModel decodes a CBOR ModelPayload.
func DecodeModel(data []byte) (*ModelPayload, error) {
	var m ModelPayload
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding model: %w", err)
	}
	payloadBytes.WithLabelValues("model").Observe(float64(len(data)))
	return &m, nil
}

// ReadModelFile reads a CBOR ModelPayload from path.
func ReadModelFile(path string) (*ModelPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeModel(data)
}

// DecodeRequest decodes a CBOR StatsRequest from r.
func DecodeRequest(r io.Reader) (*StatsRequest, error) {
	cr := &countingReader{r: r}
	var req StatsRequest
	if err := decMode.NewDecoder(cr).Decode(&req); err != nil {
		return nil, err
	}
	payloadBytes.WithLabelValues("request").Observe(float64(cr.n))
	return &req, nil
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

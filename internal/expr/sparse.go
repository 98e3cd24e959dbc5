package expr

import (
	"fmt"
)

// ensure interface compliance
var _ RealRows = (*Sparse)(nil)
var _ IntegerRows = (*SparseInt)(nil)

// csr holds the compressed sparse row structure shared by Sparse and SparseInt.
// Row i owns indices[indptr[i]:indptr[i+1]].
type csr struct {
	genes   int
	cells   int
	indptr  []int
	indices []int
}

func newCSR(genes, cells int, indptr, indices []int, nvals int) (csr, error) {
	if err := CheckDims(genes, cells); err != nil {
		return csr{}, err
	}
	if len(indptr) != genes+1 || indptr[0] != 0 {
		return csr{}, fmt.Errorf("%w: indptr must have %d entries starting at 0", ErrBadShape, genes+1)
	}
	if len(indices) != nvals || indptr[genes] != nvals {
		return csr{}, fmt.Errorf("%w: %d indices, %d values, indptr ends at %d", ErrBadShape, len(indices), nvals, indptr[genes])
	}
	for i := 0; i < genes; i++ {
		if indptr[i+1] < indptr[i] {
			return csr{}, fmt.Errorf("%w: indptr decreases at row %d", ErrBadShape, i)
		}
	}
	for _, j := range indices {
		if j < 0 || j >= cells {
			return csr{}, fmt.Errorf("%w: column index %d outside [0, %d)", ErrBadShape, j, cells)
		}
	}
	return csr{genes: genes, cells: cells, indptr: indptr, indices: indices}, nil
}

func (c *csr) Dims() (int, int) {
	return c.genes, c.cells
}

// scatter zeroes dst and writes the stored entries of row i.
func scatter[T int32 | float64](c *csr, values []T, i int, dst []T) error {
	if err := checkRow(i, c.genes, c.cells, len(dst)); err != nil {
		return err
	}
	clear(dst)
	for k := c.indptr[i]; k < c.indptr[i+1]; k++ {
		dst[c.indices[k]] = values[k]
	}
	return nil
}

// Sparse is a real-valued CSR matrix.
type Sparse struct {
	csr
	values []float64
}

// NewSparse builds a CSR matrix. Slices are used without copying.
func NewSparse(genes, cells int, indptr, indices []int, values []float64) (*Sparse, error) {
	c, err := newCSR(genes, cells, indptr, indices, len(values))
	if err != nil {
		return nil, err
	}
	return &Sparse{csr: c, values: values}, nil
}

func (s *Sparse) Type() ElementType {
	return Real
}

func (s *Sparse) RealRow(i int, dst []float64) error {
	return scatter(&s.csr, s.values, i, dst)
}

// SparseInt is an integer CSR matrix, the usual layout for UMI counts.
type SparseInt struct {
	csr
	values []int32
}

func NewSparseInt(genes, cells int, indptr, indices []int, values []int32) (*SparseInt, error) {
	c, err := newCSR(genes, cells, indptr, indices, len(values))
	if err != nil {
		return nil, err
	}
	return &SparseInt{csr: c, values: values}, nil
}

func (s *SparseInt) Type() ElementType {
	return Integer
}

func (s *SparseInt) IntegerRow(i int, dst []int32) error {
	return scatter(&s.csr, s.values, i, dst)
}

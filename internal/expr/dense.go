package expr

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ensure interface compliance
var _ RealRows = (*Dense)(nil)
var _ IntegerRows = (*IntDense)(nil)

// Dense is a real-valued matrix backed by a gonum *mat.Dense.
type Dense struct {
	m *mat.Dense
}

func NewDense(m *mat.Dense) *Dense {
	return &Dense{m: m}
}

func (d *Dense) Dims() (int, int) {
	return d.m.Dims()
}

func (d *Dense) Type() ElementType {
	return Real
}

func (d *Dense) RealRow(i int, dst []float64) error {
	genes, cells := d.m.Dims()
	if err := checkRow(i, genes, cells, len(dst)); err != nil {
		return err
	}
	copy(dst, d.m.RawRowView(i))
	return nil
}

// IntDense is an integer count matrix stored row-major.
type IntDense struct {
	genes int
	cells int
	data  []int32
}

// NewIntDense wraps data (row-major, genes*cells long) without copying.
func NewIntDense(genes, cells int, data []int32) (*IntDense, error) {
	if err := CheckDims(genes, cells); err != nil {
		return nil, err
	}
	if len(data) != genes*cells {
		return nil, fmt.Errorf("%w: data length %d for %dx%d", ErrBadShape, len(data), genes, cells)
	}
	return &IntDense{genes: genes, cells: cells, data: data}, nil
}

func (d *IntDense) Dims() (int, int) {
	return d.genes, d.cells
}

func (d *IntDense) Type() ElementType {
	return Integer
}

func (d *IntDense) IntegerRow(i int, dst []int32) error {
	if err := checkRow(i, d.genes, d.cells, len(dst)); err != nil {
		return err
	}
	copy(dst, d.data[i*d.cells:(i+1)*d.cells])
	return nil
}

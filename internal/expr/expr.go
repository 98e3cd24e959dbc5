// Package expr defines the row-accessible expression matrix used by the
// residual statistics engine, together with in-memory implementations.
//
// A matrix is genes × cells. Consumers only ever read one gene (row) at a
// time into a caller-owned buffer, so backends are free to keep their data
// sparse, columnar or on disk. Element type is exposed as a tag; row reads
// are exposed through the IntegerRows and RealRows capabilities matching
// that tag.
package expr

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrBadShape is returned when a matrix is built with inconsistent dimensions.
	ErrBadShape = errors.New("expr: invalid shape")

	// ErrOutOfRange is returned when a row index is outside [0, genes).
	ErrOutOfRange = errors.New("expr: row index out of range")

	// ErrBufferLength is returned when a destination buffer is not exactly cells long.
	ErrBufferLength = errors.New("expr: destination length does not match cells")

	// ErrUnsupportedType is returned for storage element types other than int32/float64.
	ErrUnsupportedType = errors.New("expr: unsupported element type")
)

// ElementType tags the numeric domain a matrix physically stores.
type ElementType int

const (
	Unknown ElementType = iota
	Integer
	Real
)

func (t ElementType) String() string {
	switch t {
	case Integer:
		return "integer"
	case Real:
		return "real"
	default:
		return "unknown"
	}
}

// Matrix is a genes × cells expression matrix.
type Matrix interface {
	// Dims returns the number of genes (rows) and cells (columns).
	Dims() (genes, cells int)

	// Type returns the physical element type.
	Type() ElementType
}

// IntegerRows is implemented by matrices whose Type is Integer.
// IntegerRow must be safe for concurrent use.
type IntegerRows interface {
	Matrix
	IntegerRow(i int, dst []int32) error
}

// RealRows is implemented by matrices whose Type is Real.
// RealRow must be safe for concurrent use.
type RealRows interface {
	Matrix
	RealRow(i int, dst []float64) error
}

func checkRow(i, genes, cells, n int) error {
	if i < 0 || i >= genes {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, i, genes)
	}
	if n != cells {
		return fmt.Errorf("%w: got %d, want %d", ErrBufferLength, n, cells)
	}
	return nil
}

// CheckDims rejects negative gene counts, empty cell counts and shapes
// whose element count overflows int.
func CheckDims(genes, cells int) error {
	if genes < 0 || cells <= 0 || genes > math.MaxInt/cells {
		return fmt.Errorf("%w: %dx%d", ErrBadShape, genes, cells)
	}
	return nil
}

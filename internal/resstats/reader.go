package resstats

import (
	"fmt"

	"github.com/23skdu/longbow-resvar/internal/expr"
	"github.com/23skdu/longbow-resvar/internal/simd"
)

// rowReader loads one gene into a float64 buffer. Readers own scratch
// state and must not be shared between goroutines.
type rowReader interface {
	read(i int, buf []float64) error
}

type integerReader struct {
	m       expr.IntegerRows
	scratch []int32
}

func (r *integerReader) read(i int, buf []float64) error {
	if err := r.m.IntegerRow(i, r.scratch); err != nil {
		return err
	}
	simd.Widen(buf, r.scratch)
	return nil
}

type realReader struct {
	m expr.RealRows
}

func (r realReader) read(i int, buf []float64) error {
	return r.m.RealRow(i, buf)
}

// readerFor picks the row strategy from the element type once per call.
func readerFor(m expr.Matrix, cells int) (func() rowReader, error) {
	switch m.Type() {
	case expr.Integer:
		im, ok := m.(expr.IntegerRows)
		if !ok {
			return nil, fmt.Errorf("%w: %T is tagged integer but has no integer rows", ErrInvalidArgument, m)
		}
		return func() rowReader {
			return &integerReader{m: im, scratch: make([]int32, cells)}
		}, nil
	case expr.Real:
		rm, ok := m.(expr.RealRows)
		if !ok {
			return nil, fmt.Errorf("%w: %T is tagged real but has no real rows", ErrInvalidArgument, m)
		}
		return func() rowReader {
			return realReader{m: rm}
		}, nil
	default:
		return nil, fmt.Errorf("%w: unrecognised element type %s", ErrInvalidArgument, m.Type())
	}
}

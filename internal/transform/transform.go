// Package transform converts raw expression rows into the value domain a
// linear model was fitted against.
//
// LogNormalize does not validate its log argument per element: a zero or
// negative v/sizeFactor + pseudocount yields -Inf or NaN, which then flows
// into that gene's statistics. Callers that need finite output must supply
// a positive pseudocount and non-negative counts.
package transform

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidArgument = errors.New("transform: invalid argument")
)

// Transform rewrites a row buffer in place.
// Implementations are immutable and safe for concurrent use.
type Transform interface {
	// Apply transforms buf in place.
	Apply(buf []float64)

	// Check reports whether the transform can be applied to rows of ncells values.
	Check(ncells int) error
}

// Kind selects a Transform variant.
type Kind int

const (
	KindNone Kind = iota
	KindLogNormalize
)

// ParseKind maps "none"/"identity" and "lognorm"/"log-normalize" to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "none", "identity":
		return KindNone, nil
	case "lognorm", "log-normalize", "lognormalize":
		return KindLogNormalize, nil
	default:
		return KindNone, fmt.Errorf("%w: unknown transform %q", ErrInvalidArgument, s)
	}
}

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindLogNormalize:
		return "lognorm"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// New builds the transform for kind. sizeFactors and pseudocount are
// ignored for KindNone.
func New(kind Kind, sizeFactors []float64, pseudocount float64) (Transform, error) {
	switch kind {
	case KindNone:
		return Identity{}, nil
	case KindLogNormalize:
		return NewLogNormalize(sizeFactors, pseudocount)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, kind)
	}
}

// Identity leaves rows untouched.
type Identity struct{}

func (Identity) Apply([]float64) {}

func (Identity) Check(int) error { return nil }

// LogNormalize computes log2(v/sizeFactor + pseudocount) per cell.
type LogNormalize struct {
	sizeFactors []float64
	pseudocount float64
}

// NewLogNormalize copies sizeFactors; later changes by the caller have no effect.
func NewLogNormalize(sizeFactors []float64, pseudocount float64) (*LogNormalize, error) {
	if len(sizeFactors) == 0 {
		return nil, fmt.Errorf("%w: no size factors", ErrInvalidArgument)
	}
	if pseudocount < 0 || math.IsNaN(pseudocount) {
		return nil, fmt.Errorf("%w: pseudocount %v must be >= 0", ErrInvalidArgument, pseudocount)
	}
	sf := make([]float64, len(sizeFactors))
	copy(sf, sizeFactors)
	return &LogNormalize{sizeFactors: sf, pseudocount: pseudocount}, nil
}

func (l *LogNormalize) Check(ncells int) error {
	if len(l.sizeFactors) != ncells {
		return fmt.Errorf("%w: %d size factors for %d cells", ErrInvalidArgument, len(l.sizeFactors), ncells)
	}
	return nil
}

func (l *LogNormalize) Apply(buf []float64) {
	sf := l.sizeFactors[:len(buf)]
	for j, v := range buf {
		buf[j] = math.Log2(v/sf[j] + l.pseudocount)
	}
}

func (l *LogNormalize) SizeFactors() []float64 {
	out := make([]float64, len(l.sizeFactors))
	copy(out, l.sizeFactors)
	return out
}

func (l *LogNormalize) Pseudocount() float64 {
	return l.pseudocount
}

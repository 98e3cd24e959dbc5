//go:build cgo

package main

// This file is only included when cgo is enabled.
// It registers the netlib BLAS implementation (Accelerate on macOS, OpenBLAS on Linux).
// The Householder applications in lmfit run through blas64, so they pick it up.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("CGO/BLAS acceleration enabled (netlib)")
}

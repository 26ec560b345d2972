//go:build cgo && netlib

package device

// Host kernels and the float64 reference route their BLAS calls through the
// system CBLAS (OpenBLAS on Linux, Accelerate on macOS) when built with
// -tags netlib.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// BLASBackend names the BLAS implementation host kernels use.
const BLASBackend = "netlib"

func init() {
	blas32.Use(netlib.Implementation{})
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("host kernels using netlib BLAS")
}

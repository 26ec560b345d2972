//go:build !(cgo && netlib)

package device

// BLASBackend names the BLAS implementation host kernels use.
const BLASBackend = "gonum"

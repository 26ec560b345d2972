//go:build !opencl

package device

// OpenCLAvailable reports whether the OpenCL runtime is compiled in.
const OpenCLAvailable = false

// NewOpenCLRuntime is unavailable in this build. Build with -tags opencl
// and an OpenCL ICD loader installed.
func NewOpenCLRuntime() (Runtime, error) {
	return nil, ErrUnavailable
}

package device

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Runtime names accepted by NewRuntime.
const (
	RuntimeAuto   = "auto"
	RuntimeHost   = "host"
	RuntimeOpenCL = "opencl"
)

// NewRuntime opens the named runtime. "auto" prefers OpenCL and falls back
// to the host runtime when OpenCL is not compiled in or has no loader.
// Host options apply only when the host runtime is chosen.
func NewRuntime(name string, opts ...HostOption) (Runtime, error) {
	switch name {
	case RuntimeHost:
		return NewHostRuntime(opts...), nil
	case RuntimeOpenCL:
		return NewOpenCLRuntime()
	case RuntimeAuto, "":
		rt, err := NewOpenCLRuntime()
		if err == nil {
			return rt, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		log.Debug().Err(err).Msg("OpenCL unavailable, using host runtime")
		return NewHostRuntime(opts...), nil
	default:
		return nil, fmt.Errorf("device: unknown runtime %q (want auto, host or opencl)", name)
	}
}

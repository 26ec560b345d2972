package device

import (
	"github.com/rs/zerolog/log"
)

// SelectDevice picks the compute device for a run: the first GPU of the
// first platform, or the first CPU of that platform when it has no GPU.
// Other platforms are never considered.
func SelectDevice(rt Runtime) (Device, error) {
	platforms, err := rt.Platforms()
	if err != nil {
		return nil, NewError(KindRuntimeDispatch, "SelectDevice", "platform enumeration succeeds", "Platform query failed", err)
	}
	log.Info().Str("runtime", rt.Name()).Int("platforms", len(platforms)).Msg("Platforms")
	if len(platforms) == 0 {
		return nil, NewError(KindNoPlatform, "SelectDevice", "len(platforms) > 0", "No platform found", nil)
	}

	platform := platforms[0]
	devices, err := platform.Devices(TypeGPU)
	if err != nil {
		return nil, NewError(KindRuntimeDispatch, "SelectDevice", "device enumeration succeeds", "GPU query failed", err)
	}
	if len(devices) == 0 {
		log.Warn().Str("platform", platform.Name()).Msg("No GPU found, falling back on CPU")
		devices, err = platform.Devices(TypeCPU)
		if err != nil {
			return nil, NewError(KindRuntimeDispatch, "SelectDevice", "device enumeration succeeds", "CPU query failed", err)
		}
	}
	log.Info().Str("platform", platform.Name()).Int("devices", len(devices)).Msg("Devices")
	if len(devices) == 0 {
		return nil, NewError(KindNoDevice, "SelectDevice", "len(devices) > 0", "No devices found", nil)
	}

	selected := devices[0]
	info := selected.Info()
	log.Debug().Str("device", info.Name).Str("type", info.Type.String()).Msg("Selected device")
	return selected, nil
}

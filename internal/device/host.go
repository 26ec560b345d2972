package device

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// ensure interface compliance
var _ Runtime = (*HostRuntime)(nil)
var _ Context = (*hostContext)(nil)
var _ Buffer = (*hostBuffer)(nil)

// DefaultHostMemory is the device memory a host device reports when none is configured.
const DefaultHostMemory int64 = 1 << 30

// PlatformSpec describes one platform of a host runtime topology.
type PlatformSpec struct {
	Name    string
	Vendor  string
	Devices []DeviceSpec
}

// DeviceSpec describes one host device. MaxAllocation defaults to a quarter
// of Memory, as OpenCL drivers commonly report. MaxWorkGroupSize defaults to
// DefaultWorkGroupSize.
type DeviceSpec struct {
	Name             string
	Type             Type
	ComputeUnits     int
	Memory           int64
	MaxAllocation    int64
	MaxWorkGroupSize int
}

// DefaultWorkGroupSize is the work-group limit of host devices, the value
// most OpenCL GPUs report.
const DefaultWorkGroupSize = 256

// HostRuntime runs kernels on the host CPU through registered Go
// implementations. Its topology is configurable so selection policies can be
// exercised without vendor drivers.
type HostRuntime struct {
	platforms []*hostPlatform
	kernels   *KernelRegistry
	workers   int
}

type HostOption func(*hostOptions)

type hostOptions struct {
	platforms []PlatformSpec
	custom    bool
	kernels   *KernelRegistry
	memory    int64
	workers   int
}

// WithPlatforms replaces the default single-CPU topology. Passing no specs
// yields a runtime with zero platforms.
func WithPlatforms(specs ...PlatformSpec) HostOption {
	return func(o *hostOptions) {
		o.platforms = specs
		o.custom = true
	}
}

// WithKernels sets the registry programs are linked against.
func WithKernels(r *KernelRegistry) HostOption {
	return func(o *hostOptions) { o.kernels = r }
}

// WithMemory sets the memory of the default host device.
func WithMemory(bytes int64) HostOption {
	return func(o *hostOptions) { o.memory = bytes }
}

// WithWorkers caps the goroutines used per kernel launch.
func WithWorkers(n int) HostOption {
	return func(o *hostOptions) { o.workers = n }
}

func NewHostRuntime(opts ...HostOption) *HostRuntime {
	o := hostOptions{
		memory:  DefaultHostMemory,
		workers: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.kernels == nil {
		o.kernels = DefaultKernels()
	}
	if o.workers < 1 {
		o.workers = 1
	}
	if !o.custom {
		o.platforms = []PlatformSpec{{
			Name:   "Longbow Host",
			Vendor: "longbow",
			Devices: []DeviceSpec{{
				Name:         fmt.Sprintf("Host CPU (%s)", runtime.GOARCH),
				Type:         TypeCPU,
				ComputeUnits: runtime.NumCPU(),
				Memory:       o.memory,
			}},
		}}
	}

	rt := &HostRuntime{kernels: o.kernels, workers: o.workers}
	for _, ps := range o.platforms {
		p := &hostPlatform{name: ps.Name, vendor: ps.Vendor}
		for _, ds := range ps.Devices {
			if ds.Memory <= 0 {
				ds.Memory = DefaultHostMemory
			}
			if ds.MaxAllocation <= 0 {
				ds.MaxAllocation = ds.Memory / 4
			}
			if ds.ComputeUnits <= 0 {
				ds.ComputeUnits = 1
			}
			if ds.MaxWorkGroupSize <= 0 {
				ds.MaxWorkGroupSize = DefaultWorkGroupSize
			}
			p.devices = append(p.devices, &hostDevice{runtime: rt, platform: p, spec: ds})
		}
		rt.platforms = append(rt.platforms, p)
	}
	return rt
}

func (r *HostRuntime) Name() string {
	return "host"
}

func (r *HostRuntime) Platforms() ([]Platform, error) {
	out := make([]Platform, len(r.platforms))
	for i, p := range r.platforms {
		out[i] = p
	}
	return out, nil
}

// Kernels returns the registry programs built by this runtime link against.
func (r *HostRuntime) Kernels() *KernelRegistry {
	return r.kernels
}

type hostPlatform struct {
	name    string
	vendor  string
	devices []*hostDevice
}

func (p *hostPlatform) Name() string   { return p.name }
func (p *hostPlatform) Vendor() string { return p.vendor }

func (p *hostPlatform) Devices(t Type) ([]Device, error) {
	var out []Device
	for _, d := range p.devices {
		if d.spec.Type&t != 0 {
			out = append(out, d)
		}
	}
	return out, nil
}

type hostDevice struct {
	runtime  *HostRuntime
	platform *hostPlatform
	spec     DeviceSpec
	used     atomic.Int64 // bytes held by live buffers
}

func (d *hostDevice) Info() Info {
	return Info{
		Name:          d.spec.Name,
		Vendor:        d.platform.vendor,
		Type:          d.spec.Type,
		ComputeUnits:  d.spec.ComputeUnits,
		GlobalMemory:  d.spec.Memory,
		MaxAllocation: d.spec.MaxAllocation,

		MaxWorkGroupSize: d.spec.MaxWorkGroupSize,
	}
}

// MemoryInUse reports the bytes currently reserved on the device.
func (d *hostDevice) MemoryInUse() int64 {
	return d.used.Load()
}

func (d *hostDevice) NewContext() (Context, error) {
	return &hostContext{device: d}, nil
}

// reserve accounts size bytes against the device, failing when the single
// allocation or the running total exceeds what the device reports.
func (d *hostDevice) reserve(size int) error {
	n := int64(size)
	if n > d.spec.MaxAllocation {
		return fmt.Errorf("%d bytes exceeds the %d byte allocation limit", n, d.spec.MaxAllocation)
	}
	for {
		used := d.used.Load()
		if used+n > d.spec.Memory {
			return fmt.Errorf("%d bytes requested with %d of %d in use", n, used, d.spec.Memory)
		}
		if d.used.CompareAndSwap(used, used+n) {
			return nil
		}
	}
}

func (d *hostDevice) free(size int) {
	d.used.Add(-int64(size))
}

type hostContext struct {
	device   *hostDevice
	mu       sync.Mutex
	released bool
}

func (c *hostContext) Device() Device {
	return c.device
}

func (c *hostContext) live() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return fmt.Errorf("context released")
	}
	return nil
}

func (c *hostContext) NewQueue() (Queue, error) {
	if err := c.live(); err != nil {
		return nil, NewError(KindRuntimeDispatch, "NewQueue", "context is live", "Queue creation failed", err)
	}
	return newHostQueue(c), nil
}

func (c *hostContext) NewBuffer(access Access, size int, host []byte) (Buffer, error) {
	if err := c.live(); err != nil {
		return nil, NewError(KindRuntimeDispatch, "NewBuffer", "context is live", "Buffer creation failed", err)
	}
	if size < 0 {
		return nil, Errorf(KindRuntimeDispatch, "NewBuffer", "size >= 0", nil, "Invalid buffer size %d", size)
	}
	if host != nil && len(host) != size {
		return nil, Errorf(KindRuntimeDispatch, "NewBuffer", "len(host) == size", nil,
			"Host data is %d bytes, buffer is %d", len(host), size)
	}
	if err := c.device.reserve(size); err != nil {
		allocationFailures.Inc()
		return nil, NewError(KindAllocation, "NewBuffer", "device memory available", "Device allocation failed", err)
	}

	b := &hostBuffer{
		device: c.device,
		access: access,
		data:   make([]byte, size),
	}
	if host != nil {
		copy(b.data, host)
		bytesUploaded.Add(float64(len(host)))
	}
	buffersAllocated.WithLabelValues(access.String()).Inc()
	bytesInUse.Add(float64(size))
	return b, nil
}

func (c *hostContext) BuildProgram(source string) (Program, error) {
	if err := c.live(); err != nil {
		return nil, NewError(KindRuntimeDispatch, "BuildProgram", "context is live", "Program creation failed", err)
	}
	p, err := compileHostProgram(source, c.device.runtime.kernels)
	recordBuild(err)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c *hostContext) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
	return nil
}

type hostBuffer struct {
	device   *hostDevice
	access   Access
	data     []byte
	released atomic.Bool
}

func (b *hostBuffer) Size() int      { return len(b.data) }
func (b *hostBuffer) Access() Access { return b.access }

func (b *hostBuffer) Release() error {
	if b.released.Swap(true) {
		return nil
	}
	b.device.free(len(b.data))
	bytesInUse.Sub(float64(len(b.data)))
	return nil
}

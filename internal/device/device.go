package device

import "fmt"

// Type classifies a compute device.
type Type int

const (
	TypeCPU Type = 1 << iota
	TypeGPU
	TypeAccelerator

	TypeAll = TypeCPU | TypeGPU | TypeAccelerator
)

func (t Type) String() string {
	switch t {
	case TypeCPU:
		return "CPU"
	case TypeGPU:
		return "GPU"
	case TypeAccelerator:
		return "Accelerator"
	case TypeAll:
		return "All"
	default:
		return "Unknown"
	}
}

// Access is the usage a buffer is declared with at creation.
type Access int

const (
	ReadWrite Access = iota
	ReadOnly
	WriteOnly
)

func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "read-only"
	case WriteOnly:
		return "write-only"
	default:
		return "read-write"
	}
}

// NDRange is an index space of one to three dimensions. The zero value is
// the null range, used to leave the local size to the runtime.
type NDRange struct {
	dims  int
	sizes [3]int
}

func Range1D(x int) NDRange       { return NDRange{dims: 1, sizes: [3]int{x, 1, 1}} }
func Range2D(x, y int) NDRange    { return NDRange{dims: 2, sizes: [3]int{x, y, 1}} }
func Range3D(x, y, z int) NDRange { return NDRange{dims: 3, sizes: [3]int{x, y, z}} }

// Dims returns the number of dimensions, 0 for the null range.
func (r NDRange) Dims() int { return r.dims }

// At returns the extent of dimension i. Dimensions past Dims are 1.
func (r NDRange) At(i int) int { return r.sizes[i] }

// IsNull reports whether r is the null range.
func (r NDRange) IsNull() bool { return r.dims == 0 }

// Size is the number of points in the space.
func (r NDRange) Size() int {
	if r.dims == 0 {
		return 0
	}
	return r.sizes[0] * r.sizes[1] * r.sizes[2]
}

func (r NDRange) String() string {
	switch r.dims {
	case 0:
		return "null"
	case 1:
		return fmt.Sprintf("(%d)", r.sizes[0])
	case 2:
		return fmt.Sprintf("(%d, %d)", r.sizes[0], r.sizes[1])
	default:
		return fmt.Sprintf("(%d, %d, %d)", r.sizes[0], r.sizes[1], r.sizes[2])
	}
}

// Runtime enumerates the compute platforms visible to this process.
type Runtime interface {
	Name() string
	Platforms() ([]Platform, error)
}

// Platform groups devices exposed by one vendor driver.
type Platform interface {
	Name() string
	Vendor() string
	// Devices lists devices matching the type mask. An empty result is not an error.
	Devices(t Type) ([]Device, error)
}

// Info describes a device for logs and the devices command.
type Info struct {
	Name          string
	Vendor        string
	Type          Type
	ComputeUnits  int
	GlobalMemory  int64
	MaxAllocation int64

	// MaxWorkGroupSize bounds the product of a local range's extents.
	MaxWorkGroupSize int
}

// Device is a handle to one compute device. It is read-only once obtained.
type Device interface {
	Info() Info
	// NewContext creates an execution context bound to this device.
	NewContext() (Context, error)
}

// Context owns device memory and compiled programs.
type Context interface {
	Device() Device
	// NewQueue creates an in-order command queue.
	NewQueue() (Queue, error)
	// NewBuffer allocates size bytes. If host is non-nil its contents are
	// copied into the buffer at creation and len(host) must equal size.
	NewBuffer(access Access, size int, host []byte) (Buffer, error)
	// BuildProgram compiles source for the context's device.
	BuildProgram(source string) (Program, error)
	Release() error
}

// Queue executes commands in submission order. Only blocking reads and
// Finish wait for the device.
type Queue interface {
	// EnqueueKernel launches k over global. A null local range leaves the
	// work-group partition to the runtime.
	EnqueueKernel(k Kernel, global, local NDRange) error
	// EnqueueRead copies len(dst) bytes starting at offset into dst. A blocking
	// read returns once the data is resident in dst.
	EnqueueRead(b Buffer, blocking bool, offset int, dst []byte) error
	// Finish blocks until every submitted command has completed.
	Finish() error
	Release() error
}

// Buffer is a region of device memory.
type Buffer interface {
	Size() int
	Access() Access
	Release() error
}

// Program is a compiled kernel program.
type Program interface {
	// Kernel instantiates the named entry point.
	Kernel(name string) (Kernel, error)
	// KernelNames lists the entry points defined by the program.
	KernelNames() []string
	Release() error
}

// Kernel is one instantiation of a program entry point.
type Kernel interface {
	Name() string
	NumArgs() int
	// SetArg binds a Buffer or a scalar (int32, uint32 or float32) to the
	// parameter at index.
	SetArg(index int, value any) error
	Release() error
}

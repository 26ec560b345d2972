//go:build opencl

package device

/*
#cgo linux LDFLAGS: -lOpenCL
#cgo windows LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#define CL_TARGET_OPENCL_VERSION 120
#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"strings"
	"sync"
	"unsafe"
)

// Check interface compliance
var _ Runtime = (*OpenCLRuntime)(nil)
var _ Context = (*clContext)(nil)
var _ Queue = (*clQueue)(nil)
var _ Buffer = (*clBuffer)(nil)
var _ Program = (*clProgram)(nil)
var _ Kernel = (*clKernel)(nil)

// clPlatformNotFound is CL_PLATFORM_NOT_FOUND_KHR, returned by ICD loaders
// that find no installed platform.
const clPlatformNotFound = -1001

// OpenCLAvailable reports whether the OpenCL runtime is compiled in.
const OpenCLAvailable = true

// OpenCLRuntime enumerates platforms through the system OpenCL ICD loader.
type OpenCLRuntime struct{}

func NewOpenCLRuntime() (Runtime, error) {
	var n C.cl_uint
	ret := C.clGetPlatformIDs(0, nil, &n)
	if ret != C.CL_SUCCESS && ret != clPlatformNotFound {
		return nil, fmt.Errorf("%w: clGetPlatformIDs: %s", ErrUnavailable, clErrorString(ret))
	}
	return &OpenCLRuntime{}, nil
}

func (r *OpenCLRuntime) Name() string {
	return "opencl"
}

func (r *OpenCLRuntime) Platforms() ([]Platform, error) {
	var n C.cl_uint
	ret := C.clGetPlatformIDs(0, nil, &n)
	if ret == clPlatformNotFound || (ret == C.CL_SUCCESS && n == 0) {
		return nil, nil
	}
	if ret != C.CL_SUCCESS {
		return nil, clError("clGetPlatformIDs", ret)
	}
	ids := make([]C.cl_platform_id, n)
	if ret := C.clGetPlatformIDs(n, &ids[0], nil); ret != C.CL_SUCCESS {
		return nil, clError("clGetPlatformIDs", ret)
	}
	out := make([]Platform, len(ids))
	for i, id := range ids {
		out[i] = &clPlatform{id: id}
	}
	return out, nil
}

type clPlatform struct {
	id C.cl_platform_id
}

func (p *clPlatform) Name() string   { return p.info(C.CL_PLATFORM_NAME) }
func (p *clPlatform) Vendor() string { return p.info(C.CL_PLATFORM_VENDOR) }

func (p *clPlatform) info(param C.cl_platform_info) string {
	var size C.size_t
	if C.clGetPlatformInfo(p.id, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	C.clGetPlatformInfo(p.id, param, size, unsafe.Pointer(&buf[0]), nil)
	return strings.TrimRight(string(buf), "\x00")
}

func (p *clPlatform) Devices(t Type) ([]Device, error) {
	var mask C.cl_device_type
	if t&TypeCPU != 0 {
		mask |= C.CL_DEVICE_TYPE_CPU
	}
	if t&TypeGPU != 0 {
		mask |= C.CL_DEVICE_TYPE_GPU
	}
	if t&TypeAccelerator != 0 {
		mask |= C.CL_DEVICE_TYPE_ACCELERATOR
	}

	var n C.cl_uint
	ret := C.clGetDeviceIDs(p.id, mask, 0, nil, &n)
	if ret == C.CL_DEVICE_NOT_FOUND || (ret == C.CL_SUCCESS && n == 0) {
		return nil, nil
	}
	if ret != C.CL_SUCCESS {
		return nil, clError("clGetDeviceIDs", ret)
	}
	ids := make([]C.cl_device_id, n)
	if ret := C.clGetDeviceIDs(p.id, mask, n, &ids[0], nil); ret != C.CL_SUCCESS {
		return nil, clError("clGetDeviceIDs", ret)
	}
	out := make([]Device, len(ids))
	for i, id := range ids {
		out[i] = &clDevice{id: id}
	}
	return out, nil
}

type clDevice struct {
	id C.cl_device_id
}

func (d *clDevice) Info() Info {
	var (
		devType  C.cl_device_type
		units    C.cl_uint
		memSize  C.cl_ulong
		maxAlloc C.cl_ulong
		maxGroup C.size_t
	)
	C.clGetDeviceInfo(d.id, C.CL_DEVICE_TYPE, C.size_t(unsafe.Sizeof(devType)), unsafe.Pointer(&devType), nil)
	C.clGetDeviceInfo(d.id, C.CL_DEVICE_MAX_COMPUTE_UNITS, C.size_t(unsafe.Sizeof(units)), unsafe.Pointer(&units), nil)
	C.clGetDeviceInfo(d.id, C.CL_DEVICE_GLOBAL_MEM_SIZE, C.size_t(unsafe.Sizeof(memSize)), unsafe.Pointer(&memSize), nil)
	C.clGetDeviceInfo(d.id, C.CL_DEVICE_MAX_MEM_ALLOC_SIZE, C.size_t(unsafe.Sizeof(maxAlloc)), unsafe.Pointer(&maxAlloc), nil)
	C.clGetDeviceInfo(d.id, C.CL_DEVICE_MAX_WORK_GROUP_SIZE, C.size_t(unsafe.Sizeof(maxGroup)), unsafe.Pointer(&maxGroup), nil)

	var t Type
	switch {
	case devType&C.CL_DEVICE_TYPE_GPU != 0:
		t = TypeGPU
	case devType&C.CL_DEVICE_TYPE_CPU != 0:
		t = TypeCPU
	case devType&C.CL_DEVICE_TYPE_ACCELERATOR != 0:
		t = TypeAccelerator
	}
	return Info{
		Name:          d.info(C.CL_DEVICE_NAME),
		Vendor:        d.info(C.CL_DEVICE_VENDOR),
		Type:          t,
		ComputeUnits:  int(units),
		GlobalMemory:  int64(memSize),
		MaxAllocation: int64(maxAlloc),

		MaxWorkGroupSize: int(maxGroup),
	}
}

func (d *clDevice) info(param C.cl_device_info) string {
	var size C.size_t
	if C.clGetDeviceInfo(d.id, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	C.clGetDeviceInfo(d.id, param, size, unsafe.Pointer(&buf[0]), nil)
	return strings.TrimRight(string(buf), "\x00")
}

func (d *clDevice) NewContext() (Context, error) {
	var ret C.cl_int
	ctx := C.clCreateContext(nil, 1, &d.id, nil, nil, &ret)
	if ret != C.CL_SUCCESS {
		return nil, clError("clCreateContext", ret)
	}
	return &clContext{device: d, ctx: ctx}, nil
}

type clContext struct {
	device *clDevice
	ctx    C.cl_context
	once   sync.Once
}

func (c *clContext) Device() Device {
	return c.device
}

func (c *clContext) NewQueue() (Queue, error) {
	var ret C.cl_int
	q := C.clCreateCommandQueue(c.ctx, c.device.id, 0, &ret)
	if ret != C.CL_SUCCESS {
		return nil, clError("clCreateCommandQueue", ret)
	}
	return &clQueue{q: q}, nil
}

func (c *clContext) NewBuffer(access Access, size int, host []byte) (Buffer, error) {
	if size < 0 {
		return nil, Errorf(KindRuntimeDispatch, "NewBuffer", "size >= 0", nil, "Invalid buffer size %d", size)
	}
	if host != nil && len(host) != size {
		return nil, Errorf(KindRuntimeDispatch, "NewBuffer", "len(host) == size", nil,
			"Host data is %d bytes, buffer is %d", len(host), size)
	}

	var flags C.cl_mem_flags
	switch access {
	case ReadOnly:
		flags = C.CL_MEM_READ_ONLY
	case WriteOnly:
		flags = C.CL_MEM_WRITE_ONLY
	default:
		flags = C.CL_MEM_READ_WRITE
	}

	// OpenCL rejects zero-sized buffers; back empty ones with a single word.
	alloc := size
	var ptr unsafe.Pointer
	if size == 0 {
		alloc = 4
	} else if host != nil {
		flags |= C.CL_MEM_COPY_HOST_PTR
		ptr = unsafe.Pointer(&host[0])
	}

	var ret C.cl_int
	mem := C.clCreateBuffer(c.ctx, flags, C.size_t(alloc), ptr, &ret)
	if ret != C.CL_SUCCESS {
		switch ret {
		case C.CL_MEM_OBJECT_ALLOCATION_FAILURE, C.CL_OUT_OF_RESOURCES, C.CL_OUT_OF_HOST_MEMORY, C.CL_INVALID_BUFFER_SIZE:
			allocationFailures.Inc()
			return nil, NewError(KindAllocation, "NewBuffer", "device memory available", "Device allocation failed",
				fmt.Errorf("clCreateBuffer: %s", clErrorString(ret)))
		}
		return nil, clError("clCreateBuffer", ret)
	}

	if ptr != nil {
		bytesUploaded.Add(float64(size))
	}
	buffersAllocated.WithLabelValues(access.String()).Inc()
	bytesInUse.Add(float64(size))
	return &clBuffer{mem: mem, size: size, access: access}, nil
}

func (c *clContext) BuildProgram(source string) (Program, error) {
	csrc := C.CString(source)
	defer C.free(unsafe.Pointer(csrc))

	var ret C.cl_int
	prog := C.clCreateProgramWithSource(c.ctx, 1, &csrc, nil, &ret)
	if ret != C.CL_SUCCESS {
		err := clError("clCreateProgramWithSource", ret)
		recordBuild(err)
		return nil, err
	}

	if ret := C.clBuildProgram(prog, 1, &c.device.id, nil, nil, nil); ret != C.CL_SUCCESS {
		e := Errorf(KindBuild, "BuildProgram", "program builds for device", nil,
			"Kernel build failed: %s", clErrorString(ret))
		e.Log = c.buildLog(prog)
		C.clReleaseProgram(prog)
		recordBuild(e)
		return nil, e
	}
	recordBuild(nil)
	return &clProgram{prog: prog}, nil
}

func (c *clContext) buildLog(prog C.cl_program) string {
	var size C.size_t
	if C.clGetProgramBuildInfo(prog, c.device.id, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	C.clGetProgramBuildInfo(prog, c.device.id, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil)
	return strings.TrimRight(string(buf), "\x00")
}

func (c *clContext) Release() error {
	var ret C.cl_int = C.CL_SUCCESS
	c.once.Do(func() { ret = C.clReleaseContext(c.ctx) })
	if ret != C.CL_SUCCESS {
		return clError("clReleaseContext", ret)
	}
	return nil
}

type clQueue struct {
	q    C.cl_command_queue
	once sync.Once
}

func (q *clQueue) EnqueueKernel(k Kernel, global, local NDRange) error {
	ck, ok := k.(*clKernel)
	if !ok {
		return Errorf(KindRuntimeDispatch, "EnqueueKernel", "kernel created by the OpenCL runtime", nil, "Foreign kernel %T", k)
	}
	if global.Dims() == 0 || global.Size() == 0 {
		return Errorf(KindRuntimeDispatch, "EnqueueKernel", "global size > 0", nil, "Empty index space %s", global)
	}

	var g, l [3]C.size_t
	for i := 0; i < 3; i++ {
		g[i] = C.size_t(global.At(i))
		l[i] = C.size_t(local.At(i))
	}
	var lp *C.size_t
	if !local.IsNull() {
		lp = &l[0]
	}
	ret := C.clEnqueueNDRangeKernel(q.q, ck.k, C.cl_uint(global.Dims()), nil, &g[0], lp, 0, nil, nil)
	if ret != C.CL_SUCCESS {
		return clError("clEnqueueNDRangeKernel", ret)
	}
	kernelLaunches.WithLabelValues(ck.name).Inc()
	return nil
}

// EnqueueRead always blocks: the destination is Go memory, which the driver
// may not hold on to after the call returns.
func (q *clQueue) EnqueueRead(b Buffer, blocking bool, offset int, dst []byte) error {
	cb, ok := b.(*clBuffer)
	if !ok {
		return Errorf(KindRuntimeDispatch, "EnqueueRead", "buffer created by the OpenCL runtime", nil, "Foreign buffer %T", b)
	}
	if offset < 0 || offset+len(dst) > cb.size {
		return Errorf(KindRuntimeDispatch, "EnqueueRead", "offset+len(dst) <= buffer size", nil,
			"Read of %d bytes at %d overruns %d byte buffer", len(dst), offset, cb.size)
	}
	if len(dst) == 0 {
		return nil
	}
	ret := C.clEnqueueReadBuffer(q.q, cb.mem, C.CL_TRUE, C.size_t(offset), C.size_t(len(dst)), unsafe.Pointer(&dst[0]), 0, nil, nil)
	if ret != C.CL_SUCCESS {
		return clError("clEnqueueReadBuffer", ret)
	}
	bytesDownloaded.Add(float64(len(dst)))
	return nil
}

func (q *clQueue) Finish() error {
	if ret := C.clFinish(q.q); ret != C.CL_SUCCESS {
		return clError("clFinish", ret)
	}
	return nil
}

func (q *clQueue) Release() error {
	var ret C.cl_int = C.CL_SUCCESS
	q.once.Do(func() { ret = C.clReleaseCommandQueue(q.q) })
	if ret != C.CL_SUCCESS {
		return clError("clReleaseCommandQueue", ret)
	}
	return nil
}

type clBuffer struct {
	mem    C.cl_mem
	size   int
	access Access
	once   sync.Once
}

func (b *clBuffer) Size() int      { return b.size }
func (b *clBuffer) Access() Access { return b.access }

func (b *clBuffer) Release() error {
	var ret C.cl_int = C.CL_SUCCESS
	b.once.Do(func() {
		ret = C.clReleaseMemObject(b.mem)
		bytesInUse.Sub(float64(b.size))
	})
	if ret != C.CL_SUCCESS {
		return clError("clReleaseMemObject", ret)
	}
	return nil
}

type clProgram struct {
	prog C.cl_program
	once sync.Once
}

func (p *clProgram) Kernel(name string) (Kernel, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var ret C.cl_int
	k := C.clCreateKernel(p.prog, cname, &ret)
	if ret == C.CL_INVALID_KERNEL_NAME {
		return nil, Errorf(KindSymbolNotFound, "Kernel", fmt.Sprintf("kernel %q defined in program", name), nil,
			"Kernel %q not found in program", name)
	}
	if ret != C.CL_SUCCESS {
		return nil, clError("clCreateKernel", ret)
	}

	var nargs C.cl_uint
	C.clGetKernelInfo(k, C.CL_KERNEL_NUM_ARGS, C.size_t(unsafe.Sizeof(nargs)), unsafe.Pointer(&nargs), nil)
	return &clKernel{k: k, name: name, nargs: int(nargs)}, nil
}

func (p *clProgram) KernelNames() []string {
	var size C.size_t
	if C.clGetProgramInfo(p.prog, C.CL_PROGRAM_KERNEL_NAMES, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return nil
	}
	buf := make([]byte, size)
	C.clGetProgramInfo(p.prog, C.CL_PROGRAM_KERNEL_NAMES, size, unsafe.Pointer(&buf[0]), nil)
	names := strings.TrimRight(string(buf), "\x00")
	if names == "" {
		return nil
	}
	return strings.Split(names, ";")
}

func (p *clProgram) Release() error {
	var ret C.cl_int = C.CL_SUCCESS
	p.once.Do(func() { ret = C.clReleaseProgram(p.prog) })
	if ret != C.CL_SUCCESS {
		return clError("clReleaseProgram", ret)
	}
	return nil
}

type clKernel struct {
	k     C.cl_kernel
	name  string
	nargs int
	once  sync.Once
}

func (k *clKernel) Name() string { return k.name }
func (k *clKernel) NumArgs() int { return k.nargs }

func (k *clKernel) SetArg(index int, value any) error {
	if index < 0 || index >= k.nargs {
		return Errorf(KindRuntimeDispatch, "SetArg", "0 <= index < NumArgs", nil,
			"Argument index %d out of range for kernel %q with %d parameters", index, k.name, k.nargs)
	}

	var ret C.cl_int
	idx := C.cl_uint(index)
	switch v := value.(type) {
	case *clBuffer:
		mem := v.mem
		ret = C.clSetKernelArg(k.k, idx, C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem))
	case int32:
		x := C.cl_int(v)
		ret = C.clSetKernelArg(k.k, idx, C.size_t(unsafe.Sizeof(x)), unsafe.Pointer(&x))
	case uint32:
		x := C.cl_uint(v)
		ret = C.clSetKernelArg(k.k, idx, C.size_t(unsafe.Sizeof(x)), unsafe.Pointer(&x))
	case float32:
		x := C.cl_float(v)
		ret = C.clSetKernelArg(k.k, idx, C.size_t(unsafe.Sizeof(x)), unsafe.Pointer(&x))
	default:
		return Errorf(KindRuntimeDispatch, "SetArg", "argument type matches parameter type", nil,
			"Argument %d of kernel %q has unsupported type %T", index, k.name, value)
	}
	if ret != C.CL_SUCCESS {
		return clError("clSetKernelArg", ret)
	}
	return nil
}

func (k *clKernel) Release() error {
	var ret C.cl_int = C.CL_SUCCESS
	k.once.Do(func() { ret = C.clReleaseKernel(k.k) })
	if ret != C.CL_SUCCESS {
		return clError("clReleaseKernel", ret)
	}
	return nil
}

func clError(call string, code C.cl_int) error {
	return NewError(KindRuntimeDispatch, call, "CL_SUCCESS", "OpenCL call failed",
		fmt.Errorf("%s returned %s", call, clErrorString(code)))
}

func clErrorString(code C.cl_int) string {
	switch code {
	case C.CL_SUCCESS:
		return "CL_SUCCESS"
	case C.CL_DEVICE_NOT_FOUND:
		return "CL_DEVICE_NOT_FOUND"
	case C.CL_DEVICE_NOT_AVAILABLE:
		return "CL_DEVICE_NOT_AVAILABLE"
	case C.CL_COMPILER_NOT_AVAILABLE:
		return "CL_COMPILER_NOT_AVAILABLE"
	case C.CL_MEM_OBJECT_ALLOCATION_FAILURE:
		return "CL_MEM_OBJECT_ALLOCATION_FAILURE"
	case C.CL_OUT_OF_RESOURCES:
		return "CL_OUT_OF_RESOURCES"
	case C.CL_OUT_OF_HOST_MEMORY:
		return "CL_OUT_OF_HOST_MEMORY"
	case C.CL_BUILD_PROGRAM_FAILURE:
		return "CL_BUILD_PROGRAM_FAILURE"
	case C.CL_INVALID_VALUE:
		return "CL_INVALID_VALUE"
	case C.CL_INVALID_DEVICE:
		return "CL_INVALID_DEVICE"
	case C.CL_INVALID_CONTEXT:
		return "CL_INVALID_CONTEXT"
	case C.CL_INVALID_COMMAND_QUEUE:
		return "CL_INVALID_COMMAND_QUEUE"
	case C.CL_INVALID_MEM_OBJECT:
		return "CL_INVALID_MEM_OBJECT"
	case C.CL_INVALID_BUFFER_SIZE:
		return "CL_INVALID_BUFFER_SIZE"
	case C.CL_INVALID_PROGRAM:
		return "CL_INVALID_PROGRAM"
	case C.CL_INVALID_PROGRAM_EXECUTABLE:
		return "CL_INVALID_PROGRAM_EXECUTABLE"
	case C.CL_INVALID_KERNEL_NAME:
		return "CL_INVALID_KERNEL_NAME"
	case C.CL_INVALID_KERNEL:
		return "CL_INVALID_KERNEL"
	case C.CL_INVALID_ARG_INDEX:
		return "CL_INVALID_ARG_INDEX"
	case C.CL_INVALID_ARG_VALUE:
		return "CL_INVALID_ARG_VALUE"
	case C.CL_INVALID_ARG_SIZE:
		return "CL_INVALID_ARG_SIZE"
	case C.CL_INVALID_KERNEL_ARGS:
		return "CL_INVALID_KERNEL_ARGS"
	case C.CL_INVALID_WORK_DIMENSION:
		return "CL_INVALID_WORK_DIMENSION"
	case C.CL_INVALID_WORK_GROUP_SIZE:
		return "CL_INVALID_WORK_GROUP_SIZE"
	case C.CL_INVALID_GLOBAL_WORK_SIZE:
		return "CL_INVALID_GLOBAL_WORK_SIZE"
	case clPlatformNotFound:
		return "CL_PLATFORM_NOT_FOUND_KHR"
	default:
		return fmt.Sprintf("CL error %d", int(code))
	}
}

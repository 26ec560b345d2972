package device

import (
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/blas/blas32"
)

// HostKernelFunc is the body of a kernel, run once per work-item.
type HostKernelFunc func(item *WorkItem)

// HostKernel is a Go implementation of a kernel entry point. Params is the
// signature the kernel source must declare for the entry point to link.
type HostKernel struct {
	Name   string
	Params []ParamKind
	Func   HostKernelFunc
}

// KernelRegistry maps entry point names to host implementations.
// It is safe for concurrent use.
type KernelRegistry struct {
	mu      sync.RWMutex
	kernels map[string]HostKernel
}

func NewKernelRegistry() *KernelRegistry {
	return &KernelRegistry{
		kernels: make(map[string]HostKernel),
	}
}

// DefaultKernels returns a registry holding the built-in kernels.
func DefaultKernels() *KernelRegistry {
	r := NewKernelRegistry()
	if err := r.Register(MatMulKernel); err != nil {
		panic(err)
	}
	return r
}

// Register adds k. Names are unique.
func (r *KernelRegistry) Register(k HostKernel) error {
	if k.Name == "" || k.Func == nil {
		return fmt.Errorf("device: host kernel needs a name and a body")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.kernels[k.Name]; ok {
		return fmt.Errorf("device: host kernel %q already registered", k.Name)
	}
	params := make([]ParamKind, len(k.Params))
	copy(params, k.Params)
	k.Params = params
	r.kernels[k.Name] = k
	return nil
}

func (r *KernelRegistry) Get(name string) (HostKernel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kernels[name]
	return k, ok
}

// Names returns the registered entry points in sorted order.
func (r *KernelRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kernels))
	for n := range r.kernels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *KernelRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.kernels)
}

// WorkItem is one point of the index space a kernel runs over, plus the
// arguments of the launch.
type WorkItem struct {
	global NDRange
	local  NDRange
	id     [3]int
	args   []any
	views  [][]float32
}

// GlobalID returns the item's coordinate in dimension dim.
func (w *WorkItem) GlobalID(dim int) int { return w.id[dim] }

// GlobalSize returns the extent of the index space in dimension dim.
func (w *WorkItem) GlobalSize(dim int) int { return w.global.At(dim) }

// LocalSize returns the work-group extent in dimension dim.
func (w *WorkItem) LocalSize(dim int) int { return w.local.At(dim) }

// Float32s returns the buffer bound to argument i as float32 values.
func (w *WorkItem) Float32s(i int) []float32 { return w.views[i] }

// Int returns the integer scalar bound to argument i.
func (w *WorkItem) Int(i int) int {
	switch v := w.args[i].(type) {
	case int32:
		return int(v)
	case uint32:
		return int(v)
	default:
		panic(fmt.Sprintf("argument %d is %T, not an integer", i, w.args[i]))
	}
}

// Float returns the float scalar bound to argument i.
func (w *WorkItem) Float(i int) float32 {
	return w.args[i].(float32)
}

// MatMulKernel is the host implementation of the matmul entry point:
// (A, B, C, A columns, B columns), one work-item per element of C at
// (row, col) = (GlobalID(0), GlobalID(1)).
var MatMulKernel = HostKernel{
	Name:   "matmul",
	Params: []ParamKind{ParamGlobalConst, ParamGlobalConst, ParamGlobal, ParamInt, ParamInt},
	Func:   matmul,
}

func matmul(item *WorkItem) {
	row, col := item.GlobalID(0), item.GlobalID(1)
	a, b, c := item.Float32s(0), item.Float32s(1), item.Float32s(2)
	k, n := item.Int(3), item.Int(4)

	if k == 0 {
		c[row*n+col] = 0
		return
	}
	c[row*n+col] = blas32.Dot(
		blas32.Vector{N: k, Inc: 1, Data: a[row*k : row*k+k]},
		blas32.Vector{N: k, Inc: n, Data: b[col:]},
	)
}

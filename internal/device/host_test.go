package device

import (
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const matmulSource = `
// C = A * B, one work-item per element of C
__kernel void matmul(__global const float* A,
                     __global const float* B,
                     __global float* C,
                     int aCols, int bCols)
{
    int row = get_global_id(0);
    int col = get_global_id(1);
    float sum = 0.0f;
    for (int k = 0; k < aCols; k++) {
        sum += A[row * aCols + k] * B[k * bCols + col];
    }
    C[row * bCols + col] = sum;
}
`

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func newTestContext(t *testing.T, rt Runtime) Context {
	t.Helper()
	dev, err := SelectDevice(rt)
	require.NoError(t, err)
	ctx, err := dev.NewContext()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Release() })
	return ctx
}

func floats(vs ...float32) []byte {
	return arrow.Float32Traits.CastToBytes(vs)
}

func TestHostContext_NewBuffer(t *testing.T) {
	ctx := newTestContext(t, NewHostRuntime())

	startUp := getMetricValue(bytesUploaded)
	startRO := getMetricValue(buffersAllocated.WithLabelValues("read-only"))

	buf, err := ctx.NewBuffer(ReadOnly, 8, floats(1, 2))
	require.NoError(t, err)
	assert.Equal(t, 8, buf.Size())
	assert.Equal(t, ReadOnly, buf.Access())
	assert.Equal(t, float64(8), getMetricValue(bytesUploaded)-startUp)
	assert.Equal(t, float64(1), getMetricValue(buffersAllocated.WithLabelValues("read-only"))-startRO)

	require.NoError(t, buf.Release())
	require.NoError(t, buf.Release())

	empty, err := ctx.NewBuffer(ReadWrite, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Size())

	_, err = ctx.NewBuffer(ReadOnly, 12, floats(1, 2))
	assert.Equal(t, KindRuntimeDispatch, KindOf(err))

	_, err = ctx.NewBuffer(ReadWrite, -1, nil)
	assert.Equal(t, KindRuntimeDispatch, KindOf(err))
}

func TestHostContext_AllocationLimits(t *testing.T) {
	rt := NewHostRuntime(WithPlatforms(PlatformSpec{Name: "tiny", Devices: []DeviceSpec{
		{Name: "cpu", Type: TypeCPU, Memory: 64, MaxAllocation: 48},
	}}))
	ctx := newTestContext(t, rt)
	startFailures := getMetricValue(allocationFailures)

	_, err := ctx.NewBuffer(ReadWrite, 49, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllocation))

	a, err := ctx.NewBuffer(ReadWrite, 32, nil)
	require.NoError(t, err)
	b, err := ctx.NewBuffer(ReadWrite, 32, nil)
	require.NoError(t, err)

	_, err = ctx.NewBuffer(ReadWrite, 4, nil)
	assert.True(t, errors.Is(err, ErrAllocation))
	assert.Equal(t, float64(2), getMetricValue(allocationFailures)-startFailures)

	dev := ctx.Device().(*hostDevice)
	assert.Equal(t, int64(64), dev.MemoryInUse())

	require.NoError(t, a.Release())
	assert.Equal(t, int64(32), dev.MemoryInUse())
	c, err := ctx.NewBuffer(ReadWrite, 4, nil)
	require.NoError(t, err)

	require.NoError(t, b.Release())
	require.NoError(t, c.Release())
	assert.Equal(t, int64(0), dev.MemoryInUse())
}

func TestHostContext_ReleasedContext(t *testing.T) {
	dev, err := SelectDevice(NewHostRuntime())
	require.NoError(t, err)
	ctx, err := dev.NewContext()
	require.NoError(t, err)
	require.NoError(t, ctx.Release())

	_, err = ctx.NewBuffer(ReadWrite, 4, nil)
	assert.Equal(t, KindRuntimeDispatch, KindOf(err))
	_, err = ctx.NewQueue()
	assert.Equal(t, KindRuntimeDispatch, KindOf(err))
	_, err = ctx.BuildProgram(matmulSource)
	assert.Equal(t, KindRuntimeDispatch, KindOf(err))
}

func TestBuildProgram(t *testing.T) {
	ctx := newTestContext(t, NewHostRuntime())
	startOK := getMetricValue(programBuilds.WithLabelValues("success"))

	prog, err := ctx.BuildProgram(matmulSource)
	require.NoError(t, err)
	assert.Equal(t, []string{"matmul"}, prog.KernelNames())
	assert.Equal(t, float64(1), getMetricValue(programBuilds.WithLabelValues("success"))-startOK)

	k, err := prog.Kernel("matmul")
	require.NoError(t, err)
	assert.Equal(t, "matmul", k.Name())
	assert.Equal(t, 5, k.NumArgs())

	_, err = prog.Kernel("matmul_tiled")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSymbolNotFound))
}

func TestBuildProgram_Failures(t *testing.T) {
	tests := []struct {
		name   string
		source string
		log    string
	}{
		{"empty", "", "<source>:1: error: no kernel functions defined"},
		{"unbalanced", "__kernel void matmul(__global float* C {\n", "unmatched '{'"},
		{"unterminated comment", "/* start\n__kernel void matmul() {}", "<source>:1: error: unterminated /* comment"},
		{"unknown kernel", "__kernel void axpy(int n) {}", "kernel 'axpy' has no host implementation"},
		{"signature mismatch", "__kernel void matmul(__global float* A, int n) {}", "kernel 'matmul' declared as (__global float*, int)"},
		{"duplicate", matmulSource + matmulSource, "redefinition of kernel 'matmul'"},
		{"private pointer", "__kernel void matmul(float* A) {}", "must be __global or __constant"},
	}

	ctx := newTestContext(t, NewHostRuntime())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			startFail := getMetricValue(programBuilds.WithLabelValues("failure"))
			_, err := ctx.BuildProgram(tt.source)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBuild))

			var e *Error
			require.True(t, errors.As(err, &e))
			assert.Contains(t, e.Log, tt.log)
			assert.Equal(t, float64(1), getMetricValue(programBuilds.WithLabelValues("failure"))-startFail)
		})
	}
}

func TestBuildProgram_SkipsPrototypes(t *testing.T) {
	ctx := newTestContext(t, NewHostRuntime())
	src := "__kernel void matmul(__global const float* A, __global const float* B, __global float* C, int n, int m);\n" + matmulSource
	prog, err := ctx.BuildProgram(src)
	require.NoError(t, err)
	assert.Equal(t, []string{"matmul"}, prog.KernelNames())
}

func TestKernel_SetArg(t *testing.T) {
	ctx := newTestContext(t, NewHostRuntime())
	prog, err := ctx.BuildProgram(matmulSource)
	require.NoError(t, err)
	k, err := prog.Kernel("matmul")
	require.NoError(t, err)

	ro, err := ctx.NewBuffer(ReadOnly, 4, floats(1))
	require.NoError(t, err)
	rw, err := ctx.NewBuffer(ReadWrite, 4, nil)
	require.NoError(t, err)

	assert.NoError(t, k.SetArg(0, ro))
	assert.NoError(t, k.SetArg(1, rw))
	assert.NoError(t, k.SetArg(2, rw))
	assert.NoError(t, k.SetArg(3, int32(1)))

	// read-only buffer in a written parameter
	assert.Equal(t, KindRuntimeDispatch, KindOf(k.SetArg(2, ro)))
	assert.Error(t, k.SetArg(0, int32(1)))
	assert.Error(t, k.SetArg(3, float32(1)))
	assert.Error(t, k.SetArg(4, 1))
	assert.Error(t, k.SetArg(5, int32(1)))
	assert.Error(t, k.SetArg(-1, int32(1)))
}

func TestKernelRegistry(t *testing.T) {
	r := DefaultKernels()
	assert.Equal(t, []string{"matmul"}, r.Names())
	assert.Equal(t, 1, r.Size())

	assert.Error(t, r.Register(MatMulKernel))
	assert.Error(t, r.Register(HostKernel{Name: "nobody"}))

	require.NoError(t, r.Register(HostKernel{Name: "fill", Params: []ParamKind{ParamGlobal, ParamFloat}, Func: func(*WorkItem) {}}))
	k, ok := r.Get("fill")
	require.True(t, ok)
	assert.Equal(t, []ParamKind{ParamGlobal, ParamFloat}, k.Params)
	assert.Equal(t, []string{"fill", "matmul"}, r.Names())
}

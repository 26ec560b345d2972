package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/23skdu/longbow-clmatmul/internal/device"
	"github.com/23skdu/longbow-clmatmul/internal/matrix"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("clmatmul-pipeline")

// DefaultKernelName is the entry point the driver binds.
const DefaultKernelName = "matmul"

type options struct {
	policy     DispatchPolicy
	kernelName string
}

type Option func(*options)

// WithPolicy sets the dispatch policy. The default is Naive.
func WithPolicy(p DispatchPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithKernelName binds a different entry point with the matmul signature.
func WithKernelName(name string) Option {
	return func(o *options) { o.kernelName = name }
}

// Driver runs multiplications on one device. Each call acquires and releases
// its own session, so a Driver may be shared between goroutines.
type Driver struct {
	dev    device.Device
	source string
	opts   options
}

func NewDriver(dev device.Device, source string, opts ...Option) *Driver {
	o := options{policy: Naive{}, kernelName: DefaultKernelName}
	for _, opt := range opts {
		opt(&o)
	}
	if o.policy == nil {
		o.policy = Naive{}
	}
	return &Driver{dev: dev, source: source, opts: o}
}

func (d *Driver) Device() device.Device { return d.dev }

// Multiply selects a device from rt and computes lhs * rhs on it. The shapes
// are checked before the runtime is touched.
func Multiply(ctx context.Context, rt device.Runtime, lhs, rhs *matrix.Matrix, source string, opts ...Option) (*matrix.Matrix, error) {
	if err := checkShapes(lhs, rhs); err != nil {
		multiplyTotal.WithLabelValues(errorLabel(err)).Inc()
		return nil, err
	}
	dev, err := device.SelectDevice(rt)
	if err != nil {
		multiplyTotal.WithLabelValues(errorLabel(err)).Inc()
		return nil, err
	}
	return NewDriver(dev, source, opts...).Multiply(ctx, lhs, rhs)
}

func checkShapes(lhs, rhs *matrix.Matrix) error {
	if lhs.Cols() != rhs.Rows() {
		return device.Errorf(device.KindShapeMismatch, "Multiply", "lhs.cols == rhs.rows", nil,
			"Cannot multiply %dx%d by %dx%d", lhs.Rows(), lhs.Cols(), rhs.Rows(), rhs.Cols())
	}
	return nil
}

// Multiply computes lhs * rhs: upload, build, bind, dispatch over the
// output's (rows, cols) index space, wait, read back. Device resources are
// released on every path.
func (d *Driver) Multiply(ctx context.Context, lhs, rhs *matrix.Matrix) (result *matrix.Matrix, err error) {
	ctx, span := tracer.Start(ctx, "Multiply")
	defer span.End()
	span.SetAttributes(
		attribute.Int("lhs.rows", lhs.Rows()),
		attribute.Int("lhs.cols", lhs.Cols()),
		attribute.Int("rhs.cols", rhs.Cols()),
		attribute.String("policy", d.opts.policy.Name()),
	)

	start := time.Now()
	defer func() {
		multiplyTotal.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		multiplyDuration.Observe(time.Since(start).Seconds())
	}()

	if err := checkShapes(lhs, rhs); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, cols := lhs.Rows(), rhs.Cols()
	if err := checkResultSize(d.dev, rows, cols); err != nil {
		return nil, err
	}
	result = matrix.Zero(rows, cols)

	session, err := NewSession(d.dev)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil && err == nil {
			err = cerr
			result = nil
		}
	}()

	var lhsBuf, rhsBuf, dstBuf *DeviceBuffer
	err = stage(ctx, "Upload", func() error {
		var err error
		if lhsBuf, err = UploadReadOnly(session, lhs); err != nil {
			return err
		}
		if rhsBuf, err = UploadReadOnly(session, rhs); err != nil {
			return err
		}
		dstBuf, err = AllocateWritable(session, rows, cols)
		return err
	})
	if err != nil {
		return nil, err
	}

	var prog *Program
	if err = stage(ctx, "Compile", func() (err error) {
		prog, err = Compile(session, d.source)
		return err
	}); err != nil {
		return nil, err
	}

	var inst *KernelInstance
	err = stage(ctx, "Dispatch", func() error {
		var err error
		inst, err = BindKernel(prog, d.opts.kernelName, lhsBuf, rhsBuf, dstBuf, lhs.Cols(), rhs.Cols())
		if err != nil {
			return err
		}
		if err := Dispatch(session, inst, device.Range2D(rows, cols), d.opts.policy); err != nil {
			return err
		}
		return session.Finish()
	})
	if err != nil {
		return nil, err
	}

	if err = stage(ctx, "Download", func() error {
		return Download(session, dstBuf, result)
	}); err != nil {
		return nil, err
	}

	log.Debug().
		Str("device", d.dev.Info().Name).
		Int("rows", rows).
		Int("cols", cols).
		Dur("elapsed", time.Since(start)).
		Msg("Multiply complete")
	return result, nil
}

// checkResultSize rejects results the device could not hold in one buffer,
// before any host or device memory is spent on them. An empty inner
// dimension makes operands free to send whatever the result's size.
func checkResultSize(dev device.Device, rows, cols int) error {
	if err := matrix.CheckShape(rows, cols); err != nil {
		return device.Errorf(device.KindAllocation, "Multiply", "result shape is representable", err,
			"Cannot hold a %dx%d result", rows, cols)
	}
	limit := dev.Info().MaxAllocation
	if n := int64(matrix.ByteCount(rows, cols)); limit > 0 && n > limit {
		return device.Errorf(device.KindAllocation, "Multiply", "result bytes <= device max allocation", nil,
			"A %dx%d result needs %d bytes, the device allows %d", rows, cols, n, limit)
	}
	return nil
}

func stage(ctx context.Context, name string, fn func() error) error {
	_, span := tracer.Start(ctx, name, trace.WithAttributes(attribute.String("stage", name)))
	defer span.End()
	if err := fn(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func errorLabel(err error) string {
	if k := device.KindOf(err); k != 0 {
		return k.String()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}

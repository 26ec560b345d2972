package pipeline

import (
	"github.com/23skdu/longbow-clmatmul/internal/device"
	"github.com/23skdu/longbow-clmatmul/internal/matrix"
)

// DeviceBuffer is device memory mirroring a rows x cols matrix.
type DeviceBuffer struct {
	buf  device.Buffer
	rows int
	cols int
}

func (b *DeviceBuffer) Dims() (int, int)      { return b.rows, b.cols }
func (b *DeviceBuffer) Buffer() device.Buffer { return b.buf }

// Size is the buffer size in bytes, always rows*cols*4.
func (b *DeviceBuffer) Size() int { return b.buf.Size() }

// UploadReadOnly allocates a read-only buffer initialised from m.
func UploadReadOnly(s *Session, m *matrix.Matrix) (*DeviceBuffer, error) {
	rows, cols := m.Dims()
	buf, err := s.ctx.NewBuffer(device.ReadOnly, matrix.ByteCount(rows, cols), m.Bytes())
	if err != nil {
		return nil, wrapAlloc("UploadReadOnly", err)
	}
	if err := s.own(buf); err != nil {
		return nil, err
	}
	return &DeviceBuffer{buf: buf, rows: rows, cols: cols}, nil
}

// AllocateWritable allocates an uninitialised read-write buffer for a
// rows x cols matrix.
func AllocateWritable(s *Session, rows, cols int) (*DeviceBuffer, error) {
	if rows < 0 || cols < 0 {
		return nil, device.Errorf(device.KindShapeMismatch, "AllocateWritable", "rows >= 0 && cols >= 0", nil,
			"Negative shape %dx%d", rows, cols)
	}
	buf, err := s.ctx.NewBuffer(device.ReadWrite, matrix.ByteCount(rows, cols), nil)
	if err != nil {
		return nil, wrapAlloc("AllocateWritable", err)
	}
	if err := s.own(buf); err != nil {
		return nil, err
	}
	return &DeviceBuffer{buf: buf, rows: rows, cols: cols}, nil
}

// Download copies b into dst with a blocking read. dst must have b's shape.
func Download(s *Session, b *DeviceBuffer, dst *matrix.Matrix) error {
	rows, cols := dst.Dims()
	if rows != b.rows || cols != b.cols {
		return device.Errorf(device.KindShapeMismatch, "Download", "destination shape == buffer shape", nil,
			"Destination is %dx%d, buffer holds %dx%d", rows, cols, b.rows, b.cols)
	}
	if err := s.queue.EnqueueRead(b.buf, true, 0, dst.Bytes()); err != nil {
		return wrapDispatch("Download", "read-back succeeds", "Device read failed", err)
	}
	return nil
}

func wrapAlloc(op string, err error) error {
	if device.KindOf(err) != 0 {
		return err
	}
	return device.NewError(device.KindAllocation, op, "device memory available", "Buffer allocation failed", err)
}

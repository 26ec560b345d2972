package matrix

import (
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
)

// MaxElements is the largest element count whose byte size fits in an int.
const MaxElements = math.MaxInt / arrow.Float32SizeBytes

// Matrix is a dense, row-major grid of single-precision values.
// len(elements) == rows*cols holds for every Matrix built by this package.
type Matrix struct {
	rows     int
	cols     int
	elements []float32
}

// CheckShape reports whether rows x cols is a representable matrix shape:
// no negative extent and at most MaxElements elements.
func CheckShape(rows, cols int) error {
	if rows < 0 || cols < 0 {
		return fmt.Errorf("matrix: negative shape %dx%d", rows, cols)
	}
	if cols != 0 && rows > MaxElements/cols {
		return fmt.Errorf("matrix: shape %dx%d exceeds %d elements", rows, cols, MaxElements)
	}
	return nil
}

// New creates a matrix from explicit values. The slice is copied.
func New(rows, cols int, elements []float32) (*Matrix, error) {
	if err := CheckShape(rows, cols); err != nil {
		return nil, err
	}
	if len(elements) != rows*cols {
		return nil, fmt.Errorf("matrix: %dx%d needs %d elements, got %d", rows, cols, rows*cols, len(elements))
	}
	m := &Matrix{
		rows:     rows,
		cols:     cols,
		elements: make([]float32, len(elements)),
	}
	copy(m.elements, elements)
	return m, nil
}

// MustNew is New for literals known to be well formed.
func MustNew(rows, cols int, elements []float32) *Matrix {
	m, err := New(rows, cols, elements)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero creates a zero-filled matrix of the given shape. It panics when
// CheckShape rejects the shape.
func Zero(rows, cols int) *Matrix {
	if err := CheckShape(rows, cols); err != nil {
		panic(err.Error())
	}
	return &Matrix{
		rows:     rows,
		cols:     cols,
		elements: make([]float32, rows*cols),
	}
}

// Dims returns (rows, cols).
func (m *Matrix) Dims() (int, int) {
	return m.rows, m.cols
}

func (m *Matrix) Rows() int { return m.rows }
func (m *Matrix) Cols() int { return m.cols }

// At returns the value at (i, j).
func (m *Matrix) At(i, j int) float32 {
	return m.elements[i*m.cols+j]
}

// Row returns a copy of row i.
func (m *Matrix) Row(i int) []float32 {
	out := make([]float32, m.cols)
	copy(out, m.elements[i*m.cols:(i+1)*m.cols])
	return out
}

// Elements returns a copy of the row-major values.
func (m *Matrix) Elements() []float32 {
	out := make([]float32, len(m.elements))
	copy(out, m.elements)
	return out
}

// ByteCount is rows * cols * sizeof(float32), without padding.
func (m *Matrix) ByteCount() int {
	return ByteCount(m.rows, m.cols)
}

// Bytes is a writable view of the element storage. It is the only way to
// mutate a matrix after construction and exists for device read-back.
func (m *Matrix) Bytes() []byte {
	return arrow.Float32Traits.CastToBytes(m.elements)
}

// Equal reports whether both matrices have the same shape and bit-identical values.
func (m *Matrix) Equal(other *Matrix) bool {
	if m.rows != other.rows || m.cols != other.cols {
		return false
	}
	a, b := m.Bytes(), other.Bytes()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (m *Matrix) String() string {
	return fmt.Sprintf("Matrix(%dx%d)", m.rows, m.cols)
}

// ByteCount returns the exact device footprint of a rows x cols float32
// matrix. Shapes CheckShape rejects report math.MaxInt.
func ByteCount(rows, cols int) int {
	if CheckShape(rows, cols) != nil {
		return math.MaxInt
	}
	return rows * cols * arrow.Float32SizeBytes
}

package matrix

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Reference computes lhs * rhs on the host in float64 with gonum.
// It is the oracle for --verify and for tests; it is never used to produce results.
func Reference(lhs, rhs *Matrix) (*Matrix, error) {
	if lhs.cols != rhs.rows {
		return nil, fmt.Errorf("matrix: cannot multiply %dx%d by %dx%d", lhs.rows, lhs.cols, rhs.rows, rhs.cols)
	}
	out := Zero(lhs.rows, rhs.cols)
	// gonum refuses zero-sized dense matrices.
	if lhs.rows == 0 || lhs.cols == 0 || rhs.cols == 0 {
		return out, nil
	}

	var res mat.Dense
	res.Mul(toDense(lhs), toDense(rhs))
	for i := 0; i < out.rows; i++ {
		for j := 0; j < out.cols; j++ {
			out.elements[i*out.cols+j] = float32(res.At(i, j))
		}
	}
	return out, nil
}

func toDense(m *Matrix) *mat.Dense {
	data := make([]float64, len(m.elements))
	for i, v := range m.elements {
		data[i] = float64(v)
	}
	return mat.NewDense(m.rows, m.cols, data)
}

// MaxAbsDiff returns the largest element-wise absolute difference between two
// matrices of the same shape. Equal elements, including matching infinities
// and NaN against NaN, differ by 0. A NaN against any other value makes the
// result NaN.
func MaxAbsDiff(a, b *Matrix) (float64, error) {
	if a.rows != b.rows || a.cols != b.cols {
		return 0, fmt.Errorf("matrix: shapes %dx%d and %dx%d differ", a.rows, a.cols, b.rows, b.cols)
	}
	var worst float64
	for i := range a.elements {
		x, y := float64(a.elements[i]), float64(b.elements[i])
		if x == y || (math.IsNaN(x) && math.IsNaN(y)) {
			continue
		}
		d := math.Abs(x - y)
		if math.IsNaN(d) {
			return math.NaN(), nil
		}
		worst = max(worst, d)
	}
	return worst, nil
}

package pipeline

import (
	"context"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-clmatmul/internal/device"
	"github.com/23skdu/longbow-clmatmul/internal/kernels"
	"github.com/23skdu/longbow-clmatmul/internal/matrix"
)

func randomMatrix(rng *rand.Rand, rows, cols int) *matrix.Matrix {
	elements := make([]float32, rows*cols)
	for i := range elements {
		elements[i] = rng.Float32()*2 - 1
	}
	return matrix.MustNew(rows, cols, elements)
}

func benchmarkDriver(b *testing.B, n int, policy DispatchPolicy) {
	dev, err := device.SelectDevice(device.NewHostRuntime())
	if err != nil {
		b.Fatal(err)
	}
	rng := rand.New(rand.NewSource(1))
	lhs := randomMatrix(rng, n, n)
	rhs := randomMatrix(rng, n, n)
	driver := NewDriver(dev, kernels.MatMul, WithPolicy(policy))

	b.SetBytes(int64(3 * matrix.ByteCount(n, n)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := driver.Multiply(context.Background(), lhs, rhs); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDriver_Naive_64(b *testing.B)  { benchmarkDriver(b, 64, Naive{}) }
func BenchmarkDriver_Tiled_64(b *testing.B)  { benchmarkDriver(b, 64, Tiled{Tile: 16}) }
func BenchmarkDriver_Naive_256(b *testing.B) { benchmarkDriver(b, 256, Naive{}) }
func BenchmarkDriver_Tiled_256(b *testing.B) { benchmarkDriver(b, 256, Tiled{Tile: 16}) }

func BenchmarkReference_256(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	lhs := randomMatrix(rng, 256, 256)
	rhs := randomMatrix(rng, 256, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := matrix.Reference(lhs, rhs); err != nil {
			b.Fatal(err)
		}
	}
}

package pipeline

import (
	"fmt"

	"github.com/23skdu/longbow-clmatmul/internal/device"
)

// DispatchPolicy chooses the work-group partition of an index space.
type DispatchPolicy interface {
	Name() string
	// Local returns the local range for global. The null range leaves the
	// choice to the runtime.
	Local(global device.NDRange) device.NDRange
}

// Naive launches one work-item per output element and lets the runtime
// choose work-groups.
type Naive struct{}

func (Naive) Name() string                        { return "naive" }
func (Naive) Local(device.NDRange) device.NDRange { return device.NDRange{} }

// Tiled groups work-items into blocks of at most Tile per dimension. Each
// block edge is the largest divisor of the global extent not above Tile, so
// the global range never needs padding.
type Tiled struct {
	Tile int
}

func (t Tiled) Name() string { return "tiled" }

func (t Tiled) Local(global device.NDRange) device.NDRange {
	tile := max(t.Tile, 1)
	var l [3]int
	for i := 0; i < 3; i++ {
		l[i] = largestDivisor(global.At(i), tile)
	}
	switch global.Dims() {
	case 1:
		return device.Range1D(l[0])
	case 2:
		return device.Range2D(l[0], l[1])
	case 3:
		return device.Range3D(l[0], l[1], l[2])
	default:
		return device.NDRange{}
	}
}

// largestDivisor returns the largest d <= limit dividing n, or 1 for n <= 0.
func largestDivisor(n, limit int) int {
	if n <= 0 {
		return 1
	}
	for d := min(n, limit); d > 1; d-- {
		if n%d == 0 {
			return d
		}
	}
	return 1
}

// FitWorkGroup shrinks local until its extents multiply to at most limit,
// keeping each extent a divisor of global. The widest extent shrinks first.
// A null local range or a limit below one is returned unchanged.
func FitWorkGroup(global, local device.NDRange, limit int) device.NDRange {
	if local.IsNull() || limit < 1 {
		return local
	}
	l := [3]int{local.At(0), local.At(1), local.At(2)}
	for l[0]*l[1]*l[2] > limit {
		widest := 0
		for i := 1; i < 3; i++ {
			if l[i] > l[widest] {
				widest = i
			}
		}
		l[widest] = largestDivisor(global.At(widest), l[widest]-1)
	}
	switch local.Dims() {
	case 1:
		return device.Range1D(l[0])
	case 2:
		return device.Range2D(l[0], l[1])
	default:
		return device.Range3D(l[0], l[1], l[2])
	}
}

// DefaultTile is the tiled block edge used when none is configured.
const DefaultTile = 16

// ParsePolicy maps a policy name to a DispatchPolicy.
func ParsePolicy(name string, tile int) (DispatchPolicy, error) {
	switch name {
	case "", "naive":
		return Naive{}, nil
	case "tiled":
		if tile <= 0 {
			tile = DefaultTile
		}
		return Tiled{Tile: tile}, nil
	default:
		return nil, fmt.Errorf("pipeline: unknown dispatch policy %q (want naive or tiled)", name)
	}
}

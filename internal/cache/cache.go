package cache

import (
	"sync"

	"github.com/23skdu/longbow-clmatmul/internal/matrix"
)

// MatrixCache holds matrices grouped by dataset name.
type MatrixCache interface {
	// Get returns the matrices stored under dataset, oldest first.
	Get(dataset string) ([]*matrix.Matrix, bool)
	// Put appends m to dataset.
	Put(dataset string, m *matrix.Matrix)
	// Size returns the number of datasets.
	Size() int
}

// MapCache is an in-memory MatrixCache keeping at most capacity matrices per
// dataset and at most maxDatasets datasets. Older matrices are evicted first,
// and a new dataset past the bound evicts the oldest dataset.
type MapCache struct {
	data        map[string][]*matrix.Matrix
	order       []string
	capacity    int
	maxDatasets int
	mu          sync.RWMutex
}

// NewMapCache returns a MapCache. Bounds below one are raised to one.
func NewMapCache(capacity, maxDatasets int) *MapCache {
	if capacity < 1 {
		capacity = 1
	}
	if maxDatasets < 1 {
		maxDatasets = 1
	}
	return &MapCache{
		data:        make(map[string][]*matrix.Matrix),
		capacity:    capacity,
		maxDatasets: maxDatasets,
	}
}

func (c *MapCache) Get(dataset string) ([]*matrix.Matrix, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ms, ok := c.data[dataset]
	if !ok {
		return nil, false
	}
	// matrices are immutable, the slice is not
	return append([]*matrix.Matrix(nil), ms...), true
}

func (c *MapCache) Put(dataset string, m *matrix.Matrix) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[dataset]; !ok {
		for len(c.order) >= c.maxDatasets {
			delete(c.data, c.order[0])
			c.order = c.order[1:]
		}
		c.order = append(c.order, dataset)
	}

	ms := append(c.data[dataset], m)
	if len(ms) > c.capacity {
		ms = append([]*matrix.Matrix(nil), ms[len(ms)-c.capacity:]...)
	}
	c.data[dataset] = ms
	cachedMatrices.Set(float64(c.countLocked()))
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func (c *MapCache) countLocked() int {
	n := 0
	for _, ms := range c.data {
		n += len(ms)
	}
	return n
}

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cachedMatrices = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "clmatmul_cached_matrices",
	Help: "Matrices held in dataset caches",
})

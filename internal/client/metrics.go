package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clmatmul_forward_breaker_state",
		Help: "Forwarding circuit breaker state (0 closed, 1 open, 2 half-open)",
	})

	breakerRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clmatmul_forward_breaker_rejections_total",
		Help: "Total number of forwards skipped because the circuit was open",
	})

	forwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clmatmul_forward_total",
		Help: "Total number of products forwarded over Flight, by result",
	}, []string{"result"})
)

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	multiplyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clmatmul_multiply_total",
		Help: "Total number of multiply runs, by result",
	}, []string{"result"})

	multiplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clmatmul_multiply_duration_seconds",
		Help:    "Time from shape check to result read-back",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clmatmul_pipeline_dispatches_total",
		Help: "Total number of kernel dispatches, by policy",
	}, []string{"policy"})

	sessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clmatmul_pipeline_sessions_open",
		Help: "Number of sessions holding a device context",
	})
)

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return errorLabel(err)
}

package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buffersAllocated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clmatmul_device_buffers_allocated_total",
		Help: "Total number of device buffers allocated, by access mode",
	}, []string{"access"})

	allocationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clmatmul_device_allocation_failures_total",
		Help: "Total number of device allocations that could not be reserved",
	})

	bytesInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clmatmul_device_bytes_in_use",
		Help: "Device memory currently held by live buffers in bytes",
	})

	bytesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clmatmul_device_upload_bytes_total",
		Help: "Total bytes copied from host to device",
	})

	bytesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clmatmul_device_download_bytes_total",
		Help: "Total bytes copied from device to host",
	})

	programBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clmatmul_device_program_builds_total",
		Help: "Total number of kernel program builds, by result",
	}, []string{"result"})

	kernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clmatmul_device_kernel_launches_total",
		Help: "Total number of kernels enqueued, by kernel name",
	}, []string{"kernel"})
)

func recordBuild(err error) {
	if err != nil {
		programBuilds.WithLabelValues("failure").Inc()
		return
	}
	programBuilds.WithLabelValues("success").Inc()
}

package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arclight_pool_hits_total",
		Help: "Total number of successful buffer pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arclight_pool_misses_total",
		Help: "Total number of buffer pool misses (allocations)",
	})

	poolUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arclight_pool_size_bytes",
		Help: "Current total size of live and cached buffers in bytes",
	})

	poolBuffers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arclight_pool_buffers_count",
		Help: "Total number of buffers handed back to the pool through Free",
	})

	kernelLaunches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arclight_kernel_launches_total",
		Help: "Total number of kernel launches across all drivers",
	})
)

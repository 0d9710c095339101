package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arclight_kernel_cache_hits_total",
		Help: "Evaluations served without reassembling IR",
	})

	cacheSoftMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arclight_kernel_cache_soft_misses_total",
		Help: "Assembled IR that matched an already-compiled kernel",
	})

	cacheHardMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arclight_kernel_cache_hard_misses_total",
		Help: "Assembled IR that required backend compilation",
	})
)

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/birdmichael/BMVideoCache/pkg/metrics"
	"github.com/birdmichael/BMVideoCache/pkg/preload"
)

// RegisterSchedulerMetrics exposes the preload scheduler's counters and
// running-set size as gauges. No-op when metrics are disabled.
func RegisterSchedulerMetrics(s *preload.Scheduler) {
	if !metrics.IsEnabled() {
		return
	}
	reg := metrics.Registry()

	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bmcache_preload_running",
		Help: "Preload tasks currently running",
	}, func() float64 { return float64(s.RunningCount()) })

	counter := func(name, help string, read func(preload.Counters) uint64) {
		promauto.With(reg).NewCounterFunc(prometheus.CounterOpts{
			Name: name,
			Help: help,
		}, func() float64 { return float64(read(s.Counters())) })
	}
	counter("bmcache_preload_created_total", "Preload tasks created",
		func(c preload.Counters) uint64 { return c.Created })
	counter("bmcache_preload_completed_total", "Preload tasks completed",
		func(c preload.Counters) uint64 { return c.Completed })
	counter("bmcache_preload_failed_total", "Preload tasks failed",
		func(c preload.Counters) uint64 { return c.Failed })
	counter("bmcache_preload_cancelled_total", "Preload tasks cancelled",
		func(c preload.Counters) uint64 { return c.Cancelled })
}

// Package prometheus provides Prometheus-backed implementations of the
// cache's metrics interfaces.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/birdmichael/BMVideoCache/pkg/cache"
	"github.com/birdmichael/BMVideoCache/pkg/metrics"
)

// cacheMetrics is the Prometheus implementation of cache.Metrics.
type cacheMetrics struct {
	readOps       *prometheus.CounterVec
	readBytes     prometheus.Counter
	readDuration  prometheus.Histogram
	writeBytes    prometheus.Counter
	writeDuration prometheus.Histogram
	flushChunks   prometheus.Histogram
	flushDuration prometheus.Histogram
	totalSize     prometheus.Gauge
	evictedBytes  prometheus.Counter
	evictions     prometheus.Counter
}

// NewCacheMetrics creates a Prometheus-backed cache.Metrics. Returns nil
// when metrics are disabled, which the cache treats as a no-op sink.
func NewCacheMetrics() cache.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.Registry()

	durationBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}

	return &cacheMetrics{
		readOps: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "bmcache_read_operations_total",
			Help: "Cache read attempts by outcome",
		}, []string{"outcome"}),
		readBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "bmcache_read_bytes_total",
			Help: "Bytes served from the cache",
		}),
		readDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "bmcache_read_duration_seconds",
			Help:    "Duration of cache reads",
			Buckets: durationBuckets,
		}),
		writeBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "bmcache_write_bytes_total",
			Help: "Bytes accepted into the write path",
		}),
		writeDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "bmcache_write_duration_seconds",
			Help:    "Duration of cache write buffering",
			Buckets: durationBuckets,
		}),
		flushChunks: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "bmcache_flush_chunks",
			Help:    "Chunks committed per batch flush",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),
		flushDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "bmcache_flush_duration_seconds",
			Help:    "Duration of batch flushes",
			Buckets: durationBuckets,
		}),
		totalSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "bmcache_size_bytes",
			Help: "Current total cached bytes",
		}),
		evictedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "bmcache_evicted_bytes_total",
			Help: "Bytes freed by eviction",
		}),
		evictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "bmcache_evictions_total",
			Help: "Resources removed by eviction",
		}),
	}
}

func (m *cacheMetrics) ObserveRead(bytes int64, hit bool, duration time.Duration) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.readOps.WithLabelValues(outcome).Inc()
	m.readBytes.Add(float64(bytes))
	m.readDuration.Observe(duration.Seconds())
}

func (m *cacheMetrics) ObserveWrite(bytes int64, duration time.Duration) {
	m.writeBytes.Add(float64(bytes))
	m.writeDuration.Observe(duration.Seconds())
}

func (m *cacheMetrics) ObserveFlush(chunks int, bytes int64, duration time.Duration) {
	m.flushChunks.Observe(float64(chunks))
	m.flushDuration.Observe(duration.Seconds())
}

func (m *cacheMetrics) SetTotalSize(bytes int64) {
	m.totalSize.Set(float64(bytes))
}

func (m *cacheMetrics) ObserveEviction(bytes int64) {
	m.evictions.Inc()
	m.evictedBytes.Add(float64(bytes))
}

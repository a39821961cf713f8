// Package metrics holds the process-wide Prometheus registry.
//
// Metrics are opt-in: until Init is called, IsEnabled reports false and the
// typed collectors in pkg/metrics/prometheus return nil implementations,
// which the cache treats as zero-overhead no-ops.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// Init creates the metrics registry with the standard Go and process
// collectors. Idempotent.
func Init() {
	mu.Lock()
	defer mu.Unlock()
	if registry != nil {
		return
	}
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// IsEnabled reports whether Init has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// Registry returns the process registry, or nil when metrics are disabled.
func Registry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// Handler returns the HTTP handler serving the registry.
func Handler() http.Handler {
	mu.RLock()
	defer mu.RUnlock()
	if registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Package metrics exposes the Prometheus registry served on the management endpoint.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the process-wide collectors: management request metrics, Go runtime
// and process metrics, plus whatever the caller adds (scheduler collectors, typically).
type Registry struct {
	registry *prometheus.Registry
}

// NewRegistry creates a registry with the default collectors and registers extra on top.
func NewRegistry(extra ...prometheus.Collector) (*Registry, error) {
	reg := prometheus.NewRegistry()
	defaults := []prometheus.Collector{
		managementRequestDuration,
		managementRequestsTotal,
		managementRequestsInFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, collector := range append(defaults, extra...) {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return &Registry{registry: reg}, nil
}

// Register adds a collector.
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer returns the underlying prometheus.Gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

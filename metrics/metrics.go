// Package metrics wires the ambient Prometheus instrumentation shared by the
// scheduler, endpoint, and session packages (SPEC_FULL.md §2/§5/§7), grounded
// on the promauto idiom of
// linkerd-linkerd2/controller/api/destination/endpoint_metrics.go.
//
// No HTTP surface is wired here — exposing a scrape endpoint is outside
// spec.md's scope (§1, HTTP surface is an external collaborator) — but a
// Registry's Gatherer can trivially be mounted by a caller-owned
// net/http.Handler outside this module.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is a private Prometheus registry. Each process.Process owns
// exactly one; tests construct their own to avoid cross-test collector
// collisions (promauto against the global DefaultRegisterer would panic on
// the second Scheduler/Endpoint constructed with the same metric names
// within one test binary).
type Registry struct {
	reg     *prometheus.Registry
	factory promauto.Factory
}

// NewRegistry returns a fresh, empty Registry.
func NewRegistry() *Registry {
	var reg = prometheus.NewRegistry()
	return &Registry{reg: reg, factory: promauto.With(reg)}
}

// Gatherer exposes the underlying prometheus.Gatherer for a caller-owned
// scrape handler (e.g. promhttp.HandlerFor), outside this module's scope.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	return r.factory.NewGauge(opts)
}

func (r *Registry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	return r.factory.NewGaugeVec(opts, labels)
}

func (r *Registry) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	return r.factory.NewCounter(opts)
}

func (r *Registry) NewCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return r.factory.NewCounterVec(opts, labels)
}

func (r *Registry) NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	return r.factory.NewHistogram(opts)
}

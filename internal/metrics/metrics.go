// Package metrics keeps a private prometheus registry for the edge process.
// Every method is safe on a nil *Registry so components can run without it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "offline_edge"

// Registry 聚合本进程的全部指标。
type Registry struct {
	registry    *prometheus.Registry
	resolutions *prometheus.CounterVec
	migrated    *prometheus.CounterVec
	drained     *prometheus.CounterVec
	badge       prometheus.Gauge
	clients     prometheus.Gauge
	generations prometheus.Gauge
}

// New 创建独立的 prometheus.Registry，并注册 Go/进程指标。
func New() *Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		registry: registry,
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Intercepted requests by resolution source.",
		}, []string{"source"}),
		migrated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_entries_total",
			Help:      "Entries written into outdated generations during migration.",
		}, []string{"result"}),
		drained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drained_notifications_total",
			Help:      "Queued notifications handled by drain.",
		}, []string{"result"}),
		badge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "badge_count",
			Help:      "Current unread badge count.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attached_clients",
			Help:      "Clients attached over the messaging channel.",
		}),
		generations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resident_generations",
			Help:      "Cache generations resident on disk.",
		}),
	}
	registry.MustRegister(r.resolutions, r.migrated, r.drained, r.badge, r.clients, r.generations)
	return r
}

// Handler 返回 promhttp handler，由 fiber adaptor 挂到 /-/metrics。
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) ObserveResolution(source string) {
	if r == nil {
		return
	}
	r.resolutions.WithLabelValues(source).Inc()
}

func (r *Registry) ObserveMigration(added, failed int) {
	if r == nil {
		return
	}
	r.migrated.WithLabelValues("added").Add(float64(added))
	r.migrated.WithLabelValues("failed").Add(float64(failed))
}

func (r *Registry) ObserveDrain(presented, failed int) {
	if r == nil {
		return
	}
	r.drained.WithLabelValues("presented").Add(float64(presented))
	r.drained.WithLabelValues("failed").Add(float64(failed))
}

func (r *Registry) SetBadge(count int) {
	if r == nil {
		return
	}
	r.badge.Set(float64(count))
}

func (r *Registry) SetClients(count int) {
	if r == nil {
		return
	}
	r.clients.Set(float64(count))
}

func (r *Registry) SetGenerations(count int) {
	if r == nil {
		return
	}
	r.generations.Set(float64(count))
}

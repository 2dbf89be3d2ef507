// Package metrics owns the Prometheus collectors of the SQL Lab service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sqllab"

// Metrics bundles the collectors registered on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	QueriesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec

	BackendRequestDuration *prometheus.HistogramVec
	BackendValueSize       *prometheus.HistogramVec

	TasksTotal   *prometheus.CounterVec
	ReapedTotal  prometheus.Counter
	TasksInQueue prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries that reached a terminal status, by execution mode.",
		}, []string{"mode", "status"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Wall-clock time from dispatch to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"mode"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "results_backend_request_duration_seconds",
			Help:      "Time spent in results backend requests.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"backend", "method", "status"}),
		BackendValueSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "results_backend_value_size_bytes",
			Help:      "Size of payloads written to and read from the results backend.",
			// 1KB to 64MB.
			Buckets: prometheus.ExponentialBuckets(1024, 4, 9),
		}, []string{"backend", "method"}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Worker task deliveries, by task name and outcome.",
		}, []string{"task", "outcome"}),
		ReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_queries_total",
			Help:      "Running queries moved to timed_out by the reaper.",
		}),
		TasksInQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Tasks currently executing on this process.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.QueriesTotal,
		m.QueryDuration,
		m.BackendRequestDuration,
		m.BackendValueSize,
		m.TasksTotal,
		m.ReapedTotal,
		m.TasksInQueue,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

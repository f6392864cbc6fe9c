// Package metrics exposes task and broker counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its registry so several instances can coexist in tests.
// All methods are safe on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	submitted  *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	finished   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	active     prometheus.Gauge
	connected  prometheus.Gauge
	reconnects prometheus.Counter
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskrelay_tasks_submitted_total",
			Help: "Tasks enqueued, by task name",
		}, []string{"task"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskrelay_tasks_rejected_total",
			Help: "Submissions refused before enqueue, by reason",
		}, []string{"reason"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskrelay_tasks_finished_total",
			Help: "Tasks finalized by workers, by task name and state",
		}, []string{"task", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskrelay_task_duration_seconds",
			Help:    "Handler run time until the terminal record was written",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskrelay_tasks_active",
			Help: "Tasks currently executing in this process",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskrelay_broker_connected",
			Help: "1 while the broker connection is live",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskrelay_broker_disconnects_total",
			Help: "Times the broker connection was lost",
		}),
	}
	c.registry.MustRegister(
		c.submitted, c.rejected, c.finished, c.duration, c.active, c.connected, c.reconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) RecordSubmit(task string) {
	if c == nil {
		return
	}
	c.submitted.WithLabelValues(task).Inc()
}

func (c *Collector) RecordReject(reason string) {
	if c == nil {
		return
	}
	c.rejected.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordStart() {
	if c == nil {
		return
	}
	c.active.Inc()
}

func (c *Collector) RecordFinish(task, state string, took time.Duration) {
	if c == nil {
		return
	}
	c.active.Dec()
	c.finished.WithLabelValues(task, state).Inc()
	c.duration.WithLabelValues(task).Observe(took.Seconds())
}

// SetConnected is shaped to plug into broker.ManagerOptions.OnStateChange.
func (c *Collector) SetConnected(up bool) {
	if c == nil {
		return
	}
	if up {
		c.connected.Set(1)
		return
	}
	c.connected.Set(0)
	c.reconnects.Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

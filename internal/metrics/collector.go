// Package metrics exposes Prometheus counters and gauges for the relay.
// Each Collector owns its registry so tests and multiple instances do not
// collide on the default one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	toolCallsTotal    *prometheus.CounterVec
	toolCallDuration  *prometheus.HistogramVec
	boundaryRejects   *prometheus.CounterVec
	taskTransitions   *prometheus.CounterVec
	registrySweeps    *prometheus.CounterVec
	tasksByState      *prometheus.GaugeVec
	agentsByStatus    *prometheus.GaugeVec
	delegationsStatus *prometheus.GaugeVec
}

func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		toolCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool dispatches by outcome",
		}, []string{"tool", "transport", "outcome"}),
		toolCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool handler duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"tool"}),
		boundaryRejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boundary_rejects_total",
			Help:      "Requests rejected before dispatch",
		}, []string{"boundary"}),
		taskTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task state transitions",
		}, []string{"from", "to"}),
		registrySweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_sweep_agents_total",
			Help:      "Agents marked stale or deleted by the registry sweep",
		}, []string{"phase"}),
		tasksByState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Tasks by state",
		}, []string{"state"}),
		agentsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Registered agents by status",
		}, []string{"status"}),
		delegationsStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delegations",
			Help:      "Bridge records by status",
		}, []string{"status"}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordToolCall counts one dispatch. outcome is "ok" or an error code.
func (c *Collector) RecordToolCall(tool, transport, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.toolCallsTotal.WithLabelValues(tool, transport, outcome).Inc()
	c.toolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (c *Collector) RecordBoundaryReject(boundary string) {
	if c == nil {
		return
	}
	c.boundaryRejects.WithLabelValues(boundary).Inc()
}

func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.taskTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) RecordSweep(marked, deleted int64) {
	if c == nil {
		return
	}
	c.registrySweeps.WithLabelValues("marked").Add(float64(marked))
	c.registrySweeps.WithLabelValues("deleted").Add(float64(deleted))
}

// SetTaskCounts replaces the task gauges.
func (c *Collector) SetTaskCounts(counts map[string]int) {
	if c == nil {
		return
	}
	for state, n := range counts {
		c.tasksByState.WithLabelValues(state).Set(float64(n))
	}
}

func (c *Collector) SetAgentCounts(counts map[string]int) {
	if c == nil {
		return
	}
	for status, n := range counts {
		c.agentsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) SetDelegations(pending, inProgress int) {
	if c == nil {
		return
	}
	c.delegationsStatus.WithLabelValues("PENDING").Set(float64(pending))
	c.delegationsStatus.WithLabelValues("IN_PROGRESS").Set(float64(inProgress))
}

// Package metrics holds the bridge's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// OutcomeSuccess labels a successful execution in place of a category.
const OutcomeSuccess = "success"

// Collector holds all Prometheus metrics for the bridge.
// Uses a custom registry; nothing is registered globally.
//
// A nil *Collector is valid and records nothing.
type Collector struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	EscalationsTotal  *prometheus.CounterVec
	SlotsInUse        prometheus.Gauge
	SlotCapacity      prometheus.Gauge
	SessionsCleaned   prometheus.Counter
	HTTPRequestsTotal *prometheus.CounterVec
}

// New creates a Collector with all metrics registered on a fresh registry,
// plus the Go runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()

	m := &Collector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fontbridge",
			Subsystem: "bridge",
			Name:      "executions_total",
			Help:      "Total operation executions by outcome.",
		}, []string{"operation", "outcome"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fontbridge",
			Subsystem: "bridge",
			Name:      "execution_duration_seconds",
			Help:      "End-to-end operation duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"operation"}),

		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fontbridge",
			Subsystem: "host",
			Name:      "escalations_total",
			Help:      "Termination signals sent to the host, by ladder step.",
		}, []string{"step"}),

		SlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fontbridge",
			Subsystem: "gate",
			Name:      "slots_in_use",
			Help:      "Execution slots currently held.",
		}),

		SlotCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fontbridge",
			Subsystem: "gate",
			Name:      "slot_capacity",
			Help:      "Configured number of execution slots.",
		}),

		SessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fontbridge",
			Subsystem: "sandbox",
			Name:      "stale_sessions_removed_total",
			Help:      "Stale session directories removed by cleanup.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fontbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "route", "status_code"}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.EscalationsTotal,
		m.SlotsInUse,
		m.SlotCapacity,
		m.SessionsCleaned,
		m.HTTPRequestsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveExecution records one finished request.
func (m *Collector) ObserveExecution(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(operation, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveEscalation records one termination signal.
func (m *Collector) ObserveEscalation(step string) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(step).Inc()
}

// SetSlots records gate occupancy. It matches the gate's observer signature.
func (m *Collector) SetSlots(inUse int) {
	if m == nil {
		return
	}
	m.SlotsInUse.Set(float64(inUse))
}

// SetCapacity records the configured slot count.
func (m *Collector) SetCapacity(n int) {
	if m == nil {
		return
	}
	m.SlotCapacity.Set(float64(n))
}

// AddCleaned records stale sessions removed at startup.
func (m *Collector) AddCleaned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsCleaned.Add(float64(n))
}

// ObserveHTTP records one HTTP request.
func (m *Collector) ObserveHTTP(method, route, statusCode string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
}

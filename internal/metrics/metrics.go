// Package metrics holds the process-wide Prometheus registry: step
// durations, WebSocket latency, ingestor gap/resnapshot counts, and
// gateway queue-drop counts, all exposed at GET /metrics. Grounded on the
// teacher's internal/interfaces/http/metrics.go MetricsRegistry, narrowed
// from CryptoRun's scan-pipeline/regime metrics to this pipeline's
// ingest/analytics/gateway stages.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric this service exposes, bound to its own
// prometheus.Registry rather than the global DefaultRegisterer so multiple
// Registry values (e.g. one per test) never collide.
type Registry struct {
	reg *prometheus.Registry

	// StepDuration times one named pipeline step by step name and
	// outcome, as recorded through StartStep.
	StepDuration *prometheus.HistogramVec

	// WSLatency observes gateway WebSocket round-trip ping latency.
	WSLatency *prometheus.HistogramVec

	// GapTotal counts detected sequence gaps per (exchange, symbol).
	GapTotal *prometheus.CounterVec

	// ResnapshotTotal counts resnapshot cycles per (exchange, symbol).
	ResnapshotTotal *prometheus.CounterVec

	// VenueUnstable reports 1 when an ingestor's resnapshot rate has
	// tripped the instability flag, 0 otherwise.
	VenueUnstable *prometheus.GaugeVec

	// QueueDropped counts gateway client outbound frames dropped under
	// backpressure, summed over all clients (it has no labels).
	QueueDropped prometheus.Counter

	// ActiveConnections tracks the current number of open WebSocket
	// clients.
	ActiveConnections prometheus.Gauge

	// TaskRestarts counts control-plane task restarts by task name.
	TaskRestarts *prometheus.CounterVec
}

// NewRegistry builds and registers every metric on a fresh
// prometheus.Registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orderflow_step_duration_seconds",
				Help:    "Duration of one ingest/analytics step",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"step", "result"},
		),

		WSLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orderflow_ws_latency_ms",
				Help:    "Gateway WebSocket ping round-trip latency in milliseconds",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"exchange", "symbol"},
		),

		GapTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_sequence_gap_total",
				Help: "Total detected order book sequence gaps",
			},
			[]string{"exchange", "symbol"},
		),

		ResnapshotTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_resnapshot_total",
				Help: "Total order book resnapshot cycles",
			},
			[]string{"exchange", "symbol"},
		),

		VenueUnstable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orderflow_venue_unstable",
				Help: "1 if an ingestor's resnapshot rate tripped the instability flag",
			},
			[]string{"exchange", "symbol"},
		),

		QueueDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orderflow_gateway_queue_dropped_total",
				Help: "Total outbound gateway frames dropped under client backpressure",
			},
		),

		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orderflow_gateway_active_connections",
				Help: "Current number of open gateway WebSocket connections",
			},
		),

		TaskRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_task_restarts_total",
				Help: "Total control-plane task restarts",
			},
			[]string{"task"},
		),
	}

	reg.MustRegister(
		m.StepDuration,
		m.WSLatency,
		m.GapTotal,
		m.ResnapshotTotal,
		m.VenueUnstable,
		m.QueueDropped,
		m.ActiveConnections,
		m.TaskRestarts,
	)
	return m
}

// Handler exposes this registry in the Prometheus text format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// StepTimer times one in-flight step; Stop records its duration and
// outcome.
type StepTimer struct {
	m     *Registry
	step  string
	start time.Time
}

func (m *Registry) StartStep(step string) *StepTimer {
	return &StepTimer{m: m, step: step, start: time.Now()}
}

func (st *StepTimer) Stop(result string) {
	st.m.StepDuration.WithLabelValues(st.step, result).Observe(time.Since(st.start).Seconds())
}

// RecordGap increments the gap counter for one (exchange, symbol).
func (m *Registry) RecordGap(exchange, symbol string) {
	m.GapTotal.WithLabelValues(exchange, symbol).Inc()
}

// RecordResnapshot increments the resnapshot counter and updates the
// venue-unstable gauge for one (exchange, symbol).
func (m *Registry) RecordResnapshot(exchange, symbol string, unstable bool) {
	m.ResnapshotTotal.WithLabelValues(exchange, symbol).Inc()
	v := 0.0
	if unstable {
		v = 1.0
	}
	m.VenueUnstable.WithLabelValues(exchange, symbol).Set(v)
}

// RecordWSLatency observes one ping round-trip latency sample.
func (m *Registry) RecordWSLatency(exchange, symbol string, latencyMs float64) {
	m.WSLatency.WithLabelValues(exchange, symbol).Observe(latencyMs)
}

// RecordQueueDrop increments the gateway queue-drop counter.
func (m *Registry) RecordQueueDrop() {
	m.QueueDropped.Inc()
}

// IncConnections/DecConnections track open WebSocket client count.
func (m *Registry) IncConnections() { m.ActiveConnections.Inc() }
func (m *Registry) DecConnections() { m.ActiveConnections.Dec() }

// RecordTaskRestart increments the restart counter for one supervised
// task.
func (m *Registry) RecordTaskRestart(task string) {
	m.TaskRestarts.WithLabelValues(task).Inc()
}

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the core's operational metrics: remote call latency,
// connection registry population, policy denials, and event drops.
//
// All recording methods are nil-safe so call sites can run without metrics
// wired up.
type Metrics struct {
	// CallDuration measures remote call latency through the bridge.
	// Labels: method, status (ok|error|timeout|denied).
	CallDuration *prometheus.HistogramVec

	// CallCounter counts remote calls through the bridge.
	// Labels: method, status.
	CallCounter *prometheus.CounterVec

	// ReadOnlyDenials counts calls rejected by the sandbox policy.
	// Labels: method.
	ReadOnlyDenials *prometheus.CounterVec

	// LiveConnections tracks currently registered spawned connections.
	LiveConnections prometheus.Gauge

	// SpawnedTotal counts connections created over the process lifetime.
	SpawnedTotal prometheus.Counter

	// ClosedTotal counts connections torn down.
	ClosedTotal prometheus.Counter

	// EventsDropped counts events dropped on the way to a consumer: bus
	// publishes with a missing sink, and response chunks that found the
	// stream buffer full.
	// Labels: category (progress|text|tokens|stream).
	EventsDropped *prometheus.CounterVec

	// InvocationsActive tracks tool invocations currently executing.
	InvocationsActive prometheus.Gauge

	// InvocationDuration measures end-to-end tool invocation time.
	// Labels: status (ok|error).
	InvocationDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns the metric set. Pass a fresh registry in
// tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strand_call_duration_seconds",
			Help:    "Remote call latency through the bridge.",
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 15, 60},
		}, []string{"method", "status"}),
		CallCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_calls_total",
			Help: "Remote calls through the bridge.",
		}, []string{"method", "status"}),
		ReadOnlyDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_readonly_denials_total",
			Help: "Calls rejected by the sandbox policy.",
		}, []string{"method"}),
		LiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "strand_connections_live",
			Help: "Currently registered spawned connections.",
		}),
		SpawnedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_connections_spawned_total",
			Help: "Spawned connections over the process lifetime.",
		}),
		ClosedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_connections_closed_total",
			Help: "Spawned connections torn down.",
		}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_events_dropped_total",
			Help: "Bus events dropped for a missing or full sink.",
		}, []string{"category"}),
		InvocationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "strand_invocations_active",
			Help: "Tool invocations currently executing.",
		}),
		InvocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strand_invocation_duration_seconds",
			Help:    "End-to-end tool invocation time.",
			Buckets: []float64{.01, .1, .5, 1, 5, 30, 120, 600},
		}, []string{"status"}),
	}
}

// ObserveCall records one bridge call outcome.
func (m *Metrics) ObserveCall(method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CallDuration.WithLabelValues(method, status).Observe(elapsed.Seconds())
	m.CallCounter.WithLabelValues(method, status).Inc()
}

// DenyCall records one policy denial.
func (m *Metrics) DenyCall(method string) {
	if m == nil {
		return
	}
	m.ReadOnlyDenials.WithLabelValues(method).Inc()
	m.CallCounter.WithLabelValues(method, "denied").Inc()
}

// ConnSpawned records a registry spawn.
func (m *Metrics) ConnSpawned() {
	if m == nil {
		return
	}
	m.SpawnedTotal.Inc()
	m.LiveConnections.Inc()
}

// ConnClosed records a registry teardown.
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.ClosedTotal.Inc()
	m.LiveConnections.Dec()
}

// EventDropped records one dropped bus event.
func (m *Metrics) EventDropped(category string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(category).Inc()
}

// InvocationStarted records the start of a tool invocation.
func (m *Metrics) InvocationStarted() {
	if m == nil {
		return
	}
	m.InvocationsActive.Inc()
}

// InvocationFinished records the end of a tool invocation.
func (m *Metrics) InvocationFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InvocationsActive.Dec()
	m.InvocationDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

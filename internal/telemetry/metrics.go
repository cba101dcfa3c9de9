// Package telemetry holds the optional observability surface: Prometheus
// counters/gauges and a topic-based WebSocket status stream. Nothing in
// internal/rpc, internal/pool, or internal/supervisor depends on this
// package; the root scriptpool package holds the *Metrics (nil-safe) and
// calls into it.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter and gauge the host library reports. Grounded
// on grimm-is-glacic's internal/metrics/prometheus.go Registry: one struct
// of promauto-registered vectors built once and passed around, rather than
// package-level globals.
type Metrics struct {
	PoolAcquireTotal    *prometheus.CounterVec
	PoolAcquireWaitTime prometheus.Histogram
	PoolInFlight        prometheus.Gauge
	PoolIdle            prometheus.Gauge
	PoolWaiters         prometheus.Gauge

	ConnectionDialTotal  *prometheus.CounterVec
	ConnectionsOpen      prometheus.Gauge
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      prometheus.Histogram
	RequestTimeoutsTotal prometheus.Counter

	WorkerForkTotal     prometheus.Counter
	WorkerReadyTotal    prometheus.Counter
	WorkerCrashTotal    prometheus.Counter
	WorkerExitTotal     *prometheus.CounterVec
	WorkersOnline       prometheus.Gauge
}

// NewMetrics registers every metric against reg. Pass prometheus.NewRegistry()
// for isolated tests, or prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PoolAcquireTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptpool_acquire_total",
			Help: "Pool.Acquire outcomes",
		}, []string{"outcome"}), // outcome: ok, cancelled, closed, error

		PoolAcquireWaitTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scriptpool_acquire_wait_seconds",
			Help:    "Time a caller spent waiting in Pool.Acquire before receiving a worker",
			Buckets: prometheus.DefBuckets,
		}),

		PoolInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scriptpool_workers_in_flight",
			Help: "Workers currently checked out of the pool",
		}),

		PoolIdle: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scriptpool_workers_idle",
			Help: "Workers currently idle in the pool",
		}),

		PoolWaiters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scriptpool_acquire_waiters",
			Help: "Callers currently blocked in Pool.Acquire",
		}),

		ConnectionDialTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptpool_connection_dial_total",
			Help: "Connection dial attempts",
		}, []string{"outcome"}), // outcome: ok, error

		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scriptpool_connections_open",
			Help: "Open worker connections",
		}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptpool_requests_total",
			Help: "RunScript/Ping requests by outcome",
		}, []string{"type", "outcome"}), // outcome: ok, script_error, timeout, cancelled, connection_closed, error

		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scriptpool_request_duration_seconds",
			Help:    "Round-trip time for a worker request",
			Buckets: prometheus.DefBuckets,
		}),

		RequestTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "scriptpool_request_timeouts_total",
			Help: "Requests that hit their deadline before a terminal frame arrived",
		}),

		WorkerForkTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "scriptpool_worker_fork_total",
			Help: "Worker processes forked by the fleet, including replacements",
		}),

		WorkerReadyTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "scriptpool_worker_ready_total",
			Help: "Worker processes that reached the Ready state",
		}),

		WorkerCrashTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "scriptpool_worker_crash_total",
			Help: "Worker processes that exited uncleanly outside of draining",
		}),

		WorkerExitTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptpool_worker_exit_total",
			Help: "Worker process exits by terminal state",
		}, []string{"state"}), // state: exited, crashed

		WorkersOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scriptpool_workers_online",
			Help: "Worker processes currently in Ready or Draining, i.e. counted from WorkerReady() until WorkerExited()",
		}),
	}
}

// AcquireOutcome records why an Acquire call returned.
func (m *Metrics) AcquireOutcome(outcome string) {
	if m == nil {
		return
	}
	m.PoolAcquireTotal.WithLabelValues(outcome).Inc()
}

// RequestOutcome records the terminal outcome of a RunScript or Ping call
// along with its round-trip duration.
func (m *Metrics) RequestOutcome(reqType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(reqType, outcome).Inc()
	m.RequestDuration.Observe(duration.Seconds())
	if outcome == "timeout" {
		m.RequestTimeoutsTotal.Inc()
	}
}

// DialOutcome records a Connection dial attempt.
func (m *Metrics) DialOutcome(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ConnectionDialTotal.WithLabelValues("error").Inc()
		return
	}
	m.ConnectionDialTotal.WithLabelValues("ok").Inc()
	m.ConnectionsOpen.Inc()
}

// ConnectionClosed records a Connection teardown.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsOpen.Dec()
}

// WorkerForked records a fleet fork, including replacement forks after a crash.
func (m *Metrics) WorkerForked() {
	if m == nil {
		return
	}
	m.WorkerForkTotal.Inc()
}

// WorkerReady records a worker reaching the Ready state.
func (m *Metrics) WorkerReady() {
	if m == nil {
		return
	}
	m.WorkerReadyTotal.Inc()
	m.WorkersOnline.Inc()
}

// WorkerExited records a worker leaving Ready/Draining for a terminal state.
func (m *Metrics) WorkerExited(crashed bool) {
	if m == nil {
		return
	}
	m.WorkersOnline.Dec()
	if crashed {
		m.WorkerCrashTotal.Inc()
		m.WorkerExitTotal.WithLabelValues("crashed").Inc()
		return
	}
	m.WorkerExitTotal.WithLabelValues("exited").Inc()
}

// SetPoolGauges snapshots current pool occupancy.
func (m *Metrics) SetPoolGauges(inFlight, idle, waiters int) {
	if m == nil {
		return
	}
	m.PoolInFlight.Set(float64(inFlight))
	m.PoolIdle.Set(float64(idle))
	m.PoolWaiters.Set(float64(waiters))
}

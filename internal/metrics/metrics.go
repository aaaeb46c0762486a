// Package metrics provides Prometheus metrics for sockstun.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sockstun"

// Metrics contains the Prometheus instruments for one sockstun process
// (either a local or a remote proxy).
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionErrors  *prometheus.CounterVec

	BytesRelayed *prometheus.CounterVec

	HandshakeErrors *prometheus.CounterVec
	DialFailures    *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance, creating it on first use.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics registers a fresh set of metrics against the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers a fresh set of metrics against reg.
// Tests should pass a private registry to avoid collisions with Default().
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently in the relay phase",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions that reached the relay phase",
		}),
		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total sessions terminated by error, labeled by phase",
		}, []string{"phase"}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total plaintext bytes relayed, labeled by direction",
		}, []string{"direction"}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total SOCKS5 handshake failures by reason",
		}, []string{"reason"}),
		DialFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Total outbound dial failures by target kind",
		}, []string{"target"}),
	}
}

// RecordSessionOpen marks a session as entering the relay phase.
func (m *Metrics) RecordSessionOpen() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionClose marks a session as torn down, regardless of cause.
func (m *Metrics) RecordSessionClose() {
	m.SessionsActive.Dec()
}

// RecordSessionError records a session closing due to an error at phase.
func (m *Metrics) RecordSessionError(phase string) {
	m.SessionErrors.WithLabelValues(phase).Inc()
}

// RecordBytesRelayed records n plaintext bytes moved in direction (e.g. "upstream"/"downstream").
func (m *Metrics) RecordBytesRelayed(direction string, n int) {
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// RecordHandshakeError records a SOCKS5 handshake failure by reason.
func (m *Metrics) RecordHandshakeError(reason string) {
	m.HandshakeErrors.WithLabelValues(reason).Inc()
}

// RecordDialFailure records a failed outbound dial, target being "peer" or "destination".
func (m *Metrics) RecordDialFailure(target string) {
	m.DialFailures.WithLabelValues(target).Inc()
}

// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay gateway.
type Metrics struct {
	ExecuteTotal      *prometheus.CounterVec
	ExecuteDurationMs *prometheus.HistogramVec
	AgentConnections  prometheus.Gauge
	LateResponses     prometheus.Counter
	ProtocolErrors    prometheus.Counter
	SupersededConns   prometheus.Counter
}

// New creates and registers all gateway metrics.
func New() *Metrics {
	return &Metrics{
		ExecuteTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_execute_total",
			Help: "Total executed calls by path, endpoint, and outcome code (ok on success).",
		}, []string{"path", "endpoint", "outcome"}),

		ExecuteDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_execute_duration_ms",
			Help:    "Call duration in milliseconds, including upstream or delegate latency.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"path", "endpoint"}),

		AgentConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relay_agent_connections",
			Help: "Currently open agent connections.",
		}),

		LateResponses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_late_responses_total",
			Help: "Responses whose pending call had already timed out or failed; discarded.",
		}),

		ProtocolErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_protocol_errors_total",
			Help: "Protocol violations that tore down an agent connection.",
		}),

		SupersededConns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_superseded_connections_total",
			Help: "Agent connections replaced by a newer connection for the same user.",
		}),
	}
}

// RecordExecute records one completed call. outcome is "ok" or the error
// code.
func (m *Metrics) RecordExecute(path, endpoint, outcome string, durationMs float64) {
	if m == nil {
		return
	}
	m.ExecuteTotal.WithLabelValues(path, endpoint, outcome).Inc()
	m.ExecuteDurationMs.WithLabelValues(path, endpoint).Observe(durationMs)
}

// AgentConnected bumps the live connection gauge.
func (m *Metrics) AgentConnected() {
	if m == nil {
		return
	}
	m.AgentConnections.Inc()
}

// AgentDisconnected drops the live connection gauge.
func (m *Metrics) AgentDisconnected() {
	if m == nil {
		return
	}
	m.AgentConnections.Dec()
}

// LateResponse counts a discarded unmatched response.
func (m *Metrics) LateResponse() {
	if m == nil {
		return
	}
	m.LateResponses.Inc()
}

// ProtocolError counts a connection-fatal protocol violation.
func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

// Superseded counts a connection replaced by a newer one.
func (m *Metrics) Superseded() {
	if m == nil {
		return
	}
	m.SupersededConns.Inc()
}

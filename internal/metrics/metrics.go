// Package metrics holds Prometheus collectors for the session client.
// All methods are safe on a nil *Metrics, which disables collection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes recorded for gateway requests.
const (
	OutcomeOK         = "ok"
	OutcomeReplayed   = "replayed"
	OutcomePropagated = "propagated"
	OutcomeLoggedOut  = "logged_out"
	OutcomeError      = "error"
)

// Metrics groups the client collectors behind a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Requests            *prometheus.CounterVec
	Refreshes           *prometheus.CounterVec
	ForcedLogouts       prometheus.Counter
	StorageErrors       *prometheus.CounterVec
	FingerprintTimeouts prometheus.Counter
}

// New creates and registers the collectors under namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Gateway requests by final outcome.",
		}, []string{"outcome"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_refresh_total",
			Help:      "Refresh calls by result.",
		}, []string{"result"}),
		ForcedLogouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_forced_logouts_total",
			Help:      "Sessions dropped after a failed refresh.",
		}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_storage_errors_total",
			Help:      "Durable storage failures that degraded the store to memory-only.",
		}, []string{"op"}),
		FingerprintTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fingerprint_audio_timeouts_total",
			Help:      "Audio signatures replaced by the timeout sentinel.",
		}),
	}
	m.Registry.MustRegister(m.Requests, m.Refreshes, m.ForcedLogouts, m.StorageErrors, m.FingerprintTimeouts)
	return m
}

// Request records a gateway request outcome.
func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
}

// Refresh records a refresh call result.
func (m *Metrics) Refresh(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.Refreshes.WithLabelValues(result).Inc()
}

// ForcedLogout records a logout triggered by the gateway.
func (m *Metrics) ForcedLogout() {
	if m == nil {
		return
	}
	m.ForcedLogouts.Inc()
}

// StorageError records a degraded storage operation.
func (m *Metrics) StorageError(op string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(op).Inc()
}

// FingerprintTimeout records an audio race lost to the timer.
func (m *Metrics) FingerprintTimeout() {
	if m == nil {
		return
	}
	m.FingerprintTimeouts.Inc()
}

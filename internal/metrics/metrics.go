// Package metrics exposes Prometheus counters for the OAuth flow, token
// refreshes and remote Sonar calls.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Results and outcomes used as label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	// ResultShared marks a refresh satisfied by tokens another caller rotated.
	ResultShared = "shared"

	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Metrics holds the gateway collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	authorizations *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	remoteCalls    *prometheus.CounterVec
}

// New creates the collectors and registers them, along with the Go and
// process collectors, on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sonar_gateway_authorizations_total",
			Help: "Total number of completed OAuth callbacks by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sonar_gateway_token_refreshes_total",
			Help: "Total number of token refreshes by result.",
		}, []string{"result"}),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sonar_gateway_remote_calls_total",
			Help: "Total number of Sonar API calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}

	for _, c := range []prometheus.Collector{
		m.authorizations,
		m.refreshes,
		m.remoteCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			slog.Warn("failed to register metric collector", "error", err)
		}
	}

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Authorization counts a finished callback.
func (m *Metrics) Authorization(result string) {
	if m == nil {
		return
	}
	m.authorizations.WithLabelValues(result).Inc()
}

// Refresh counts a finished refresh flight.
func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

// RemoteCall counts a Sonar API call.
func (m *Metrics) RemoteCall(operation, outcome string) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(operation, outcome).Inc()
}

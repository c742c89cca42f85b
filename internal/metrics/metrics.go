// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections",
		Help: "Number of currently open client connections",
	})
	authAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_auth_attempts_total",
		Help: "Authentication attempts by result",
	}, []string{"result"})
	toolCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_tool_calls_total",
		Help: "Tool invocations by tool name and result",
	}, []string{"tool", "result"})
	securityEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_security_events_total",
		Help: "SafetyLayer detections by category",
	}, []string{"category"})
	providerRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_provider_requests_total",
		Help: "Model provider requests by provider and result",
	}, []string{"provider", "result"})
	configReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_config_reloads_total",
		Help: "Configuration reload attempts by result",
	}, []string{"result"})
	frameDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_frame_handling_seconds",
		Help:    "Time spent handling one inbound frame",
		Buckets: prometheus.DefBuckets,
	})
)

// Register installs every collector on registry. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		connectionsGauge,
		authAttemptsTotal,
		toolCallsTotal,
		securityEventsTotal,
		providerRequestsTotal,
		configReloadsTotal,
		frameDuration,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ConnOpened increments the open-connection gauge.
func ConnOpened() { connectionsGauge.Inc() }

// ConnClosed decrements the open-connection gauge.
func ConnClosed() { connectionsGauge.Dec() }

// IncAuthAttempt records an authentication attempt outcome.
func IncAuthAttempt(result string) { authAttemptsTotal.WithLabelValues(result).Inc() }

// IncToolCall records a tool invocation outcome.
func IncToolCall(tool, result string) { toolCallsTotal.WithLabelValues(tool, result).Inc() }

// IncSecurityEvent records a SafetyLayer detection.
func IncSecurityEvent(category string) { securityEventsTotal.WithLabelValues(category).Inc() }

// IncProviderRequest records a provider round trip.
func IncProviderRequest(provider, result string) {
	providerRequestsTotal.WithLabelValues(provider, result).Inc()
}

// IncConfigReload records a reload attempt outcome.
func IncConfigReload(result string) { configReloadsTotal.WithLabelValues(result).Inc() }

// ObserveFrame records the handling duration of one inbound frame.
func ObserveFrame(seconds float64) { frameDuration.Observe(seconds) }

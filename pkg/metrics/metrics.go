// Package metrics holds the Prometheus instrumentation for the session engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	AudioBytesTotal *prometheus.CounterVec

	// Provider health metrics
	ProviderHealthy       *prometheus.GaugeVec
	ConnectAttemptsTotal  *prometheus.CounterVec
	ConnectLatencySeconds *prometheus.HistogramVec

	// Webhook metrics
	WebhookEventsTotal     *prometheus.CounterVec
	SignatureFailuresTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicebridge"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active voice sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of voice sessions",
		},
		[]string{"provider", "carrier", "final_state"},
	)

	sessionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Voice session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"provider", "carrier"},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio bytes forwarded between carrier and provider",
		},
		[]string{"direction"},
	)

	providerHealthy := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_healthy",
			Help:      "Whether a provider is currently eligible for selection (1/0)",
		},
		[]string{"provider"},
	)

	connectAttemptsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_connect_attempts_total",
			Help:      "Provider connect attempts by result",
		},
		[]string{"provider", "result"},
	)

	connectLatencySeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_connect_latency_seconds",
			Help:      "Provider connect latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider"},
	)

	webhookEventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Carrier webhook events by type and disposition",
		},
		[]string{"carrier", "event_type", "disposition"},
	)

	signatureFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_signature_failures_total",
			Help:      "Webhook deliveries rejected for invalid signatures",
		},
		[]string{"carrier"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of engine errors",
		},
		[]string{"provider", "error_type"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		audioBytesTotal,
		providerHealthy,
		connectAttemptsTotal,
		connectLatencySeconds,
		webhookEventsTotal,
		signatureFailuresTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:               registry,
		SessionsActive:         sessionsActive,
		SessionsTotal:          sessionsTotal,
		SessionDuration:        sessionDuration,
		AudioBytesTotal:        audioBytesTotal,
		ProviderHealthy:        providerHealthy,
		ConnectAttemptsTotal:   connectAttemptsTotal,
		ConnectLatencySeconds:  connectLatencySeconds,
		WebhookEventsTotal:     webhookEventsTotal,
		SignatureFailuresTotal: signatureFailuresTotal,
		ErrorsTotal:            errorsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a new session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session reaching a terminal state.
func (m *Metrics) RecordSessionEnd(provider, carrier, finalState string, duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(provider, carrier, finalState).Inc()
	m.SessionDuration.WithLabelValues(provider, carrier).Observe(duration.Seconds())
}

// RecordAudio records forwarded audio bytes. Direction is "inbound"
// (carrier to provider) or "outbound".
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if bytes > 0 {
		m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordConnectAttempt records one provider connect attempt.
func (m *Metrics) RecordConnectAttempt(provider string, success bool, latency time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.ConnectAttemptsTotal.WithLabelValues(provider, result).Inc()
	if success {
		m.ConnectLatencySeconds.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

// SetProviderHealthy updates the health gauge for a provider.
func (m *Metrics) SetProviderHealthy(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.ProviderHealthy.WithLabelValues(provider).Set(v)
}

// RecordWebhook records one carrier webhook delivery.
func (m *Metrics) RecordWebhook(carrier, eventType, disposition string) {
	m.WebhookEventsTotal.WithLabelValues(carrier, eventType, disposition).Inc()
}

// RecordSignatureFailure records a webhook rejected for a bad signature.
func (m *Metrics) RecordSignatureFailure(carrier string) {
	m.SignatureFailuresTotal.WithLabelValues(carrier).Inc()
}

// RecordError records an engine error by taxonomy code.
func (m *Metrics) RecordError(provider, errorType string) {
	m.ErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

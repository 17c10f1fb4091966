package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorTotal      *prometheus.CounterVec
	rateLimit       *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
	entitlements    *prometheus.CounterVec
}

// NewMetrics registers collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "persona",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"route", "method"}),
		errorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Errors rendered to clients by route and error code.",
		}, []string{"route", "method", "code"}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Admission decisions by route and outcome.",
		}, []string{"route", "outcome"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Billing webhook events by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "persona",
			Subsystem: "billing",
			Name:      "webhook_duration_seconds",
			Help:      "Billing webhook processing duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "upstream",
			Name:      "errors_total",
			Help:      "Failed calls to external providers.",
		}, []string{"provider", "operation"}),
		entitlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "billing",
			Name:      "entitlement_changes_total",
			Help:      "Entitlement writes by source and resulting premium flag.",
		}, []string{"source", "premium"}),
	}
	m.registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.errorTotal,
		m.rateLimit,
		m.webhookEvents,
		m.webhookDuration,
		m.upstreamErrors,
		m.entitlements,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest observes a finished HTTP request.
func (m *Metrics) RecordRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordError counts an error rendered to a client.
func (m *Metrics) RecordError(route, method, code string) {
	if m == nil {
		return
	}
	m.errorTotal.WithLabelValues(route, method, code).Inc()
}

// RecordRateLimit counts an admission decision. outcome is allowed, throttled or error.
func (m *Metrics) RecordRateLimit(route, outcome string) {
	if m == nil {
		return
	}
	m.rateLimit.WithLabelValues(route, outcome).Inc()
}

// RecordWebhook counts a processed webhook event.
func (m *Metrics) RecordWebhook(eventType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
	m.webhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordUpstreamError counts a failed provider call.
func (m *Metrics) RecordUpstreamError(provider, operation string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(provider, operation).Inc()
}

// RecordEntitlementChange counts an entitlement write.
func (m *Metrics) RecordEntitlementChange(source string, premium bool) {
	if m == nil {
		return
	}
	m.entitlements.WithLabelValues(source, strconv.FormatBool(premium)).Inc()
}

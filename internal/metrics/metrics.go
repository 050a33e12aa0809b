package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/iago/health-records-back/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "health_records"

// Metrics owns a private registry so tests can build as many as they like.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
	backendCalls        *prometheus.CounterVec
	backendDuration     *prometheus.HistogramVec
	workflowTransitions *prometheus.CounterVec
	jobEvents           *prometheus.CounterVec
	activeUploads       prometheus.Gauge
	dashboardCreates    *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_calls_total",
			Help:      "Calls to the records backend. status is 0 for transport failures.",
		}, []string{"endpoint", "status"}),
		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Records backend latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"endpoint"}),
		workflowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_transitions_total",
			Help:      "Upload workflow transitions, by event.",
		}, []string{"event"}),
		jobEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_events_total",
			Help:      "Job events consumed by the projector.",
		}, []string{"status", "applied"}),
		activeUploads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_uploads",
			Help:      "Tracked uploads with a live controller.",
		}),
		dashboardCreates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dashboard_creates_total",
			Help:      "Dashboard creations, by reason.",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.backendCalls,
		m.backendDuration,
		m.workflowTransitions,
		m.jobEvents,
		m.activeUploads,
		m.dashboardCreates,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *Metrics) ObserveBackendCall(endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.backendCalls.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	m.backendDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) ObserveTransition(event string) {
	if m == nil {
		return
	}
	m.workflowTransitions.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveJobEvent(status domain.JobStatus, applied bool) {
	if m == nil {
		return
	}
	m.jobEvents.WithLabelValues(string(status), strconv.FormatBool(applied)).Inc()
}

func (m *Metrics) SetActiveUploads(count int) {
	if m == nil {
		return
	}
	m.activeUploads.Set(float64(count))
}

func (m *Metrics) ObserveDashboardCreate(reason string) {
	if m == nil {
		return
	}
	m.dashboardCreates.WithLabelValues(reason).Inc()
}

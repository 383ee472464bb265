package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kseschedule"

// Refresh outcomes.
const (
	OutcomeOK             = "ok"
	OutcomeRetrievalError = "retrieval_error"
	OutcomeParseError     = "parse_error"
	OutcomeRejected       = "rejected"
	OutcomeStale          = "stale"
)

// Metrics owns a private Prometheus registry. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	parseIssues     *prometheus.CounterVec
	scheduledEvents prometheus.Gauge
	scheduledDays   prometheus.Gauge
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Schedule refresh cycles by outcome",
		}, []string{"outcome"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of schedule refresh cycles",
			Buckets:   prometheus.DefBuckets,
		}),
		parseIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_issues_total",
			Help:      "Calendar records skipped or flagged while parsing, by kind",
		}, []string{"kind"}),
		scheduledEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_events",
			Help:      "Events in the currently published schedule",
		}),
		scheduledDays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_days",
			Help:      "Days in the currently published schedule",
		}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		m.refreshTotal,
		m.refreshDuration,
		m.parseIssues,
		m.scheduledEvents,
		m.scheduledDays,
		m.requestTotal,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRefresh records one refresh cycle.
func (m *Metrics) ObserveRefresh(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(outcome).Inc()
	m.refreshDuration.Observe(d.Seconds())
}

// ObserveSchedule records a published schedule and the kinds of the
// parse issues behind it.
func (m *Metrics) ObserveSchedule(days, events int, issueKinds []string) {
	if m == nil {
		return
	}
	m.scheduledDays.Set(float64(days))
	m.scheduledEvents.Set(float64(events))
	for _, kind := range issueKinds {
		m.parseIssues.WithLabelValues(kind).Inc()
	}
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

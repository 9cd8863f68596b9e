// Package metrics provides the process-wide HTTP-facing Prometheus
// collectors for the control plane's HTTP surface (internal/httpapi).
// Per-function invocation metrics live in internal/runlog instead, since
// those are scoped to a function rather than to the process. Grounded on
// the teacher's infrastructure/metrics/metrics.go collector set, trimmed
// to the HTTP/error/service-health groups relevant to a single process
// with no database of its own (the blockchain-tx and database-query
// collectors there have no equivalent component here).
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process's HTTP-facing Prometheus collectors.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ErrorsTotal      *prometheus.CounterVec
	ServiceUptime    prometheus.Gauge
	ServiceInfo      *prometheus.GaugeVec

	service   string
	startedAt time.Time
}

// New registers Metrics' collectors against registerer.
func New(service string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"service", "method", "path", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"service", "method", "path"}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests being processed",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors",
		}, []string{"service", "type", "operation"}),
		ServiceUptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "service_uptime_seconds",
			Help: "Seconds since the service started",
		}),
		ServiceInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "service_info",
			Help: "Service build/runtime info, value is always 1",
		}, []string{"service", "version"}),
		service:   service,
		startedAt: time.Now(),
	}

	for _, c := range []prometheus.Collector{
		m.RequestsTotal, m.RequestDuration, m.RequestsInFlight,
		m.ErrorsTotal, m.ServiceUptime, m.ServiceInfo,
	} {
		registerer.MustRegister(c)
	}
	return m
}

// Uptime refreshes ServiceUptime; call periodically or before a scrape.
func (m *Metrics) Uptime() {
	m.ServiceUptime.Set(time.Since(m.startedAt).Seconds())
}

// RecordError increments ErrorsTotal for (errType, operation).
func (m *Metrics) RecordError(errType, operation string) {
	m.ErrorsTotal.WithLabelValues(m.service, errType, operation).Inc()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Middleware records RequestsTotal/RequestDuration/RequestsInFlight for
// every request, using the matched mux route template (not the raw path)
// as the "path" label so per-function invoke/{id} calls don't create
// unbounded label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		status := strconv.Itoa(wrapped.statusCode)
		m.RequestsTotal.WithLabelValues(m.service, r.Method, path, status).Inc()
		m.RequestDuration.WithLabelValues(m.service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

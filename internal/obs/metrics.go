package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by every route.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Security-decision metrics.
var (
	loginOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admin_login_outcomes_total",
			Help: "Admin login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	tokenVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_verifications_total",
			Help: "Token verifications by kind and result.",
		},
		[]string{"kind", "result"},
	)

	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_dropped_total",
		Help: "Audit entries dropped because the trail could not persist them.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginOutcomes, tokenVerifications, auditDropped,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountLogin records one admin login outcome (ok, failed, locked, blocked_ip).
func CountLogin(outcome string) {
	loginOutcomes.WithLabelValues(outcome).Inc()
}

// CountTokenVerification records one verification by kind and result (ok, invalid).
func CountTokenVerification(kind, result string) {
	tokenVerifications.WithLabelValues(kind, result).Inc()
}

// CountAuditDrop records one lost audit entry.
func CountAuditDrop() {
	auditDropped.Inc()
}

// Instrument measures RPS, latency, and in-flight requests for the wrapped handler.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifier segments so metric cardinality stays bounded.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segments := strings.Split(path, "/")
	if len(segments) >= 4 && segments[1] == "v1" && segments[2] == "admin" && segments[3] == "accounts" {
		if len(segments) == 5 {
			return "/v1/admin/accounts/:id"
		}
		if len(segments) == 6 {
			return "/v1/admin/accounts/:id/" + segments[5]
		}
	}
	if len(segments) >= 4 && segments[1] == "v1" && segments[2] == "apps" {
		if len(segments) == 4 {
			return "/v1/apps/:id"
		}
		if len(segments) == 5 {
			return "/v1/apps/:id/" + segments[4]
		}
	}
	return path
}

// statusWriter captures the response code for labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

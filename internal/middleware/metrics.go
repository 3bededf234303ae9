package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atolye_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atolye_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	workspacesProvisionedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atolye_workspaces_provisioned_total",
			Help: "Total number of workspaces provisioned",
		},
	)

	workspacesDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atolye_workspaces_deleted_total",
			Help: "Total number of workspaces deleted",
		},
	)

	paymentsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atolye_payments_processed_total",
			Help: "Total number of gateway callbacks processed by outcome",
		},
		[]string{"outcome"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atolye_errors_total",
			Help: "Total number of errors by type",
		},
		[]string{"type"},
	)
)

// Metrics returns a middleware that records Prometheus metrics.
func Metrics() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			path := normalizePath(r)
			status := strconv.Itoa(wrapped.status)

			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)

			if wrapped.status >= 400 {
				errorType := "client_error"
				if wrapped.status >= 500 {
					errorType = "server_error"
				}
				errorsTotal.WithLabelValues(errorType).Inc()
			}
		})
	}
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

// normalizePath normalizes URL paths to prevent cardinality explosion.
func normalizePath(r *http.Request) string {
	// Prefer the chi route pattern when available.
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}

	// Fallback: collapse numeric path segments.
	segments := strings.Split(r.URL.Path, "/")
	for i, seg := range segments {
		if seg != "" && isNumeric(seg) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// IncrementWorkspacesProvisioned records a completed provision.
func IncrementWorkspacesProvisioned() {
	workspacesProvisionedTotal.Inc()
}

// IncrementWorkspacesDeleted records a completed deprovision.
func IncrementWorkspacesDeleted() {
	workspacesDeletedTotal.Inc()
}

// IncrementPaymentsProcessed records a gateway callback outcome
// ("success", "failed" or "replay").
func IncrementPaymentsProcessed(outcome string) {
	paymentsProcessedTotal.WithLabelValues(outcome).Inc()
}

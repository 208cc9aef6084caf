// Package metrics provides Prometheus metrics for the relying party.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rp_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rp_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Flow metrics
	flowsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rp_flows_started_total",
			Help: "Total number of login flows started",
		},
	)

	flowsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rp_flows_completed_total",
			Help: "Total number of login flows that reached the callback",
		},
		[]string{"result"}, // "success" or an error code
	)

	idTokenValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rp_id_token_validations_total",
			Help: "Total number of ID token validations",
		},
		[]string{"result"}, // "valid" or the failure reason
	)

	// Provider metrics
	providerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rp_provider_requests_total",
			Help: "Total number of requests sent to the identity provider",
		},
		[]string{"endpoint", "status"}, // status: HTTP status or "error"
	)

	providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rp_provider_request_duration_seconds",
			Help:    "Identity provider request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Rate limiting metrics
	rateLimitExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rp_rate_limit_exceeded_total",
			Help: "Total number of rate limit exceeded events",
		},
		[]string{"endpoint"},
	)

	sessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rp_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)
)

// RecordFlowStarted records a login redirect to the provider.
func RecordFlowStarted() {
	flowsStartedTotal.Inc()
}

// RecordFlowCompleted records the outcome of a callback.
func RecordFlowCompleted(result string) {
	flowsCompletedTotal.WithLabelValues(result).Inc()
}

// RecordIDTokenValidation records an ID token validation outcome.
func RecordIDTokenValidation(result string) {
	idTokenValidationsTotal.WithLabelValues(result).Inc()
}

// RecordProviderRequest records one request to a provider endpoint. A zero
// status means the request failed before a response arrived.
func RecordProviderRequest(endpoint string, status int, duration time.Duration) {
	label := "error"
	if status != 0 {
		label = strconv.Itoa(status)
	}
	providerRequestsTotal.WithLabelValues(endpoint, label).Inc()
	providerRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordRateLimitExceeded records a rate limit exceeded event.
func RecordRateLimitExceeded(endpoint string) {
	rateLimitExceededTotal.WithLabelValues(endpoint).Inc()
}

// RecordSessionCreated records a new session.
func RecordSessionCreated() {
	sessionsCreatedTotal.Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

var (
	knownPathsMu sync.RWMutex
	knownPaths   = map[string]bool{
		"/":          true,
		"/healthz":   true,
		"/readyz":    true,
		"/metrics":   true,
		"/login":     true,
		"/callback":  true,
		"/dashboard": true,
	}
)

// RegisterPath adds a path that is reported as-is instead of "/other".
// The server registers its callback path, which comes from configuration.
func RegisterPath(path string) {
	knownPathsMu.Lock()
	knownPaths[path] = true
	knownPathsMu.Unlock()
}

// normalizePath normalizes the path for metrics to avoid high cardinality.
func normalizePath(path string) string {
	knownPathsMu.RLock()
	defer knownPathsMu.RUnlock()
	if knownPaths[path] {
		return path
	}
	return "/other"
}

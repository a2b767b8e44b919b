package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitguard_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orbitguard_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	propagationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitguard_propagation_total",
			Help: "Object propagations by result.",
		},
		[]string{"result"},
	)

	propagationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orbitguard_propagation_batch_duration_seconds",
			Help:    "Duration of one catalog-wide propagation batch.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	scanDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orbitguard_scan_duration_seconds",
			Help:    "Conjunction scan duration in seconds.",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitguard_scans_total",
			Help: "Conjunction scans by outcome (completed, discarded, cancelled, failed).",
		},
		[]string{"outcome"},
	)

	pairsScreenedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbitguard_pairs_screened_total",
			Help: "Object pairs screened across all scans.",
		},
	)

	conjunctionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitguard_conjunctions_total",
			Help: "Conjunction events emitted by risk tier.",
		},
		[]string{"tier"},
	)

	lowConfidenceTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbitguard_conjunctions_low_confidence_total",
			Help: "Events emitted from the coarse estimate after refinement failed.",
		},
	)

	optimizerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitguard_optimizer_runs_total",
			Help: "Maneuver optimizer runs by outcome.",
		},
		[]string{"outcome"},
	)

	catalogObjects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbitguard_catalog_objects",
			Help: "Objects in the current catalog snapshot.",
		},
	)

	catalogAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbitguard_catalog_age_seconds",
			Help: "Seconds since the current catalog snapshot was fetched.",
		},
	)

	streamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbitguard_stream_clients",
			Help: "Connected SSE clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		propagationTotal,
		propagationDurationSeconds,
		scanDurationSeconds,
		scansTotal,
		pairsScreenedTotal,
		conjunctionsTotal,
		lowConfidenceTotal,
		optimizerRunsTotal,
		catalogObjects,
		catalogAgeSeconds,
		streamClients,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPropagation records one batch propagation.
func RecordPropagation(d time.Duration, success, failed int) {
	propagationDurationSeconds.Observe(d.Seconds())
	propagationTotal.WithLabelValues("success").Add(float64(success))
	propagationTotal.WithLabelValues("error").Add(float64(failed))
}

// RecordScan records a finished scan. outcome is one of completed,
// discarded, cancelled or failed.
func RecordScan(d time.Duration, pairs int, outcome string) {
	scanDurationSeconds.Observe(d.Seconds())
	pairsScreenedTotal.Add(float64(pairs))
	scansTotal.WithLabelValues(outcome).Inc()
}

// RecordConjunction counts one emitted event.
func RecordConjunction(tier string, lowConfidence bool) {
	conjunctionsTotal.WithLabelValues(tier).Inc()
	if lowConfidence {
		lowConfidenceTotal.Inc()
	}
}

// RecordOptimizer counts one optimizer run.
func RecordOptimizer(outcome string) {
	optimizerRunsTotal.WithLabelValues(outcome).Inc()
}

// SetCatalogObjects sets the current catalog size.
func SetCatalogObjects(n int) {
	catalogObjects.Set(float64(n))
}

// SetCatalogAge sets the age of the current catalog snapshot.
func SetCatalogAge(seconds float64) {
	catalogAgeSeconds.Set(seconds)
}

// StreamClientConnected and StreamClientDisconnected track SSE clients.
func StreamClientConnected()    { streamClients.Inc() }
func StreamClientDisconnected() { streamClients.Dec() }

var knownRoutes = map[string]bool{
	"/":                          true,
	"/healthz":                   true,
	"/readyz":                    true,
	"/metrics":                   true,
	"/api/v1/catalog":            true,
	"/api/v1/scans":              true,
	"/api/v1/scans/latest":       true,
	"/api/v1/maneuvers/simulate": true,
	"/api/v1/maneuvers/optimize": true,
	"/api/v1/replay/state":       true,
	"/api/v1/stream/replay":      true,
}

// normalizeRoute collapses request paths to a bounded label set.
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "/api/v1/maneuvers/optimize/"); ok && isDigits(rest) {
		return "/api/v1/maneuvers/optimize/{object_id}"
	}
	if rest, ok := strings.CutPrefix(path, "/api/v1/replay/"); ok && rest != "" && !strings.Contains(rest, "/") {
		return "/api/v1/replay/{command}"
	}
	return "other"
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers stream through the middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}

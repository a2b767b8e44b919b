package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/star/orbitguard/internal/auth"
	"github.com/star/orbitguard/internal/engine"
	"github.com/star/orbitguard/internal/health"
	"github.com/star/orbitguard/internal/httputil"
	"github.com/star/orbitguard/internal/metrics"
	"github.com/star/orbitguard/internal/replay"
	"github.com/star/orbitguard/internal/stream"
)

// Config holds HTTP surface settings.
type Config struct {
	Addr       string
	Auth       auth.Config
	RateLimit  float64 // sustained POSTs per second per IP
	RateBurst  int
	TrustProxy bool
}

// Deps are the components the API serves. Refresher and Stream may be nil.
type Deps struct {
	Engine    *engine.Engine
	Refresher *engine.Refresher
	Replay    *replay.Controller
	Stream    *stream.Handler
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	limiter    *httputil.IPRateLimiter
	logger     *slog.Logger
}

// handlers carries what the route handlers share.
type handlers struct {
	deps     Deps
	logger   *slog.Logger
	now      func() time.Time
	simulate singleflight.Group
}

// NewServer creates a configured HTTP server.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	h := &handlers{deps: deps, logger: logger, now: time.Now}
	limiter := httputil.NewIPRateLimiter(cfg.RateLimit, cfg.RateBurst, cfg.TrustProxy)

	mux := http.NewServeMux()
	h.register(mux, limiter.Wrap)

	// Build middleware chain: metrics -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(cfg.Auth)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = metrics.Middleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		limiter: limiter,
		logger:  logger,
	}
}

// register mounts every route on mux. limit wraps the endpoints that start
// CPU-heavy work.
func (h *handlers) register(mux *http.ServeMux, limit func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(health.Check{Name: "catalog", Ready: h.deps.Engine.Ready}))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/v1/catalog", h.getCatalog)
	mux.HandleFunc("POST /api/v1/catalog", limit(h.postCatalog))
	mux.HandleFunc("GET /api/v1/scans", h.getScans)
	mux.HandleFunc("POST /api/v1/scans", limit(h.postScan))
	mux.HandleFunc("GET /api/v1/scans/latest", h.getLatestScan)
	mux.HandleFunc("POST /api/v1/maneuvers/simulate", limit(h.postSimulate))
	mux.HandleFunc("POST /api/v1/maneuvers/optimize", limit(h.postOptimize))
	mux.HandleFunc("GET /api/v1/maneuvers/optimize/{object_id}", h.getOptimization)
	mux.HandleFunc("DELETE /api/v1/maneuvers/optimize/{object_id}", h.deleteOptimization)
	mux.HandleFunc("GET /api/v1/replay/state", h.getReplayState)
	mux.HandleFunc("POST /api/v1/replay/{command}", h.postReplayCommand)
	if h.deps.Stream != nil {
		mux.HandleFunc("GET /api/v1/stream/replay", h.deps.Stream.HandleReplay)
	}
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// PruneLimiters drops idle per-IP rate buckets every interval until ctx
// is cancelled.
func (s *Server) PruneLimiters(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := s.limiter.Prune(3 * interval)
			s.logger.Debug("rate limiters pruned", "remaining", n)
		}
	}
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the logging middleware.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"component", "api",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", duration.Milliseconds(),
				"remote_ip", r.RemoteAddr,
			)
		})
	}
}

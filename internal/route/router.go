package route

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/shineum/mailcompose/internal/upstream"
)

// Options configures the router.
type Options struct {
	// Timeout bounds each upstream call. Zero means DefaultTimeout.
	Timeout time.Duration
	// RateLimitPerMinute limits sends per client IP. Zero disables limiting.
	RateLimitPerMinute int
	Logger             *slog.Logger
}

// Router serves the send endpoints and a health check.
type Router struct {
	mux     *chi.Mux
	limiter *rateLimiter
}

// NewRouter mounts the send handler at POST /api/send and POST /send, and
// a health check at GET /healthz.
func NewRouter(up upstream.Upstream, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLog(logger))
	r.Use(chimw.Recoverer)

	rt := &Router{mux: r}

	send := NewSendHandler(up, opts.Timeout, logger)
	r.Group(func(r chi.Router) {
		if opts.RateLimitPerMinute > 0 {
			rt.limiter = newRateLimiter(opts.RateLimitPerMinute)
			r.Use(rt.limiter.Middleware)
		}
		r.Method(http.MethodPost, "/api/send", send)
		r.Method(http.MethodPost, "/send", send)
	})

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"upstream": up.Name(),
		})
	})

	return rt
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

// Close releases background resources.
func (rt *Router) Close() {
	if rt.limiter != nil {
		rt.limiter.Stop()
	}
}

// requestLog logs one line per request at debug level, and at warn level
// for server errors.
func requestLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelDebug
			if status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote", r.RemoteAddr,
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}

// ABOUTME: Ops HTTP server: liveness, readiness, Prometheus metrics and the action admin routes.
// ABOUTME: Runs beside the engine in `passline serve`; the engine itself never depends on it.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/passline/passline/internal/auth"
	"github.com/passline/passline/internal/store"
)

// Options configures optional Server collaborators.
type Options struct {
	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// AdminTokenHash is the sha256 hex of the bearer token the /v1 admin
	// routes require. Empty leaves those routes unmounted.
	AdminTokenHash string
	// AdminRate and AdminBurst bound /v1 requests per client IP.
	// Zero values select 60/min with a burst of 20.
	AdminRate  rate.Limit
	AdminBurst int
}

// Server holds the dependencies for the ops HTTP layer.
type Server struct {
	store       *store.Store
	gatherer    prometheus.Gatherer
	log         *slog.Logger
	rateLimiter *ipRateLimiter
	tokenHash   string
}

// NewServer creates a Server. s may be nil, in which case /readyz reports
// the database as unavailable and the admin routes answer 503.
func NewServer(s *store.Store, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AdminRate == 0 {
		opts.AdminRate = rate.Limit(60.0 / 60)
	}
	if opts.AdminBurst == 0 {
		opts.AdminBurst = 20
	}
	return &Server{
		store:       s,
		gatherer:    opts.Gatherer,
		log:         opts.Logger,
		rateLimiter: newIPRateLimiter(opts.AdminRate, opts.AdminBurst, 15*time.Minute),
		tokenHash:   opts.AdminTokenHash,
	}
}

// Close stops the rate limiter's eviction goroutine.
func (srv *Server) Close() { srv.rateLimiter.Close() }

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 64 KiB is ample for an action payload.
	r.Use(middleware.RequestSize(64 << 10))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.healthzHandler)
	r.Get("/readyz", srv.readyzHandler)
	r.Handle("/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))

	if srv.tokenHash == "" {
		return r
	}
	r.Route("/v1/actions", func(r chi.Router) {
		r.Use(srv.adminRateLimit())
		r.Use(srv.requireAdminToken)
		r.Use(srv.requireStore)
		r.Post("/", srv.createActionHandler)
		r.Get("/{id}", srv.getActionHandler)
		r.Post("/{id}/cancel", srv.cancelActionHandler)
	})

	return r
}

// healthResponse is the JSON body for /healthz and /readyz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler is the liveness probe: the process is up and serving.
func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	srv.writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok"})
}

// readyzHandler returns 200 when the database answers a ping and 503 otherwise.
func (srv *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if srv.store == nil {
		srv.writeJSON(w, r, http.StatusServiceUnavailable, healthResponse{Status: "degraded", DB: "unavailable"})
		return
	}
	if err := srv.store.Pool().Ping(r.Context()); err != nil {
		srv.log.WarnContext(r.Context(), "readyz: db ping failed", "err", err)
		srv.writeJSON(w, r, http.StatusServiceUnavailable, healthResponse{Status: "degraded", DB: "unavailable"})
		return
	}
	srv.writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok", DB: "ok"})
}

func (srv *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.VerifyToken(auth.BearerToken(r), srv.tokenHash) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			srv.writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) requireStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if srv.store == nil {
			srv.writeError(w, r, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (srv *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	srv.writeJSON(w, r, status, errorResponse{Error: msg})
}

func (srv *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		srv.log.ErrorContext(r.Context(), "failed to encode response", "err", err)
	}
}

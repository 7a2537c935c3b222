// Package api is the HTTP surface: the public resolve endpoint, health and
// metrics, and the admin experiment CRUD.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sells-group/ab-resolver/internal/config"
	"github.com/sells-group/ab-resolver/internal/monitoring"
	"github.com/sells-group/ab-resolver/internal/snapshot"
	"github.com/sells-group/ab-resolver/internal/store"
)

// Options holds the HTTP-facing settings.
type Options struct {
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	CookiePrefix   string
	CookieMaxAge   time.Duration
	AdminSecret    string
	SessionTTL     time.Duration
}

// OptionsFromConfig maps application config onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		CookiePrefix:   cfg.Cookie.Prefix,
		CookieMaxAge:   time.Duration(cfg.Cookie.MaxAgeDays) * 24 * time.Hour,
		AdminSecret:    cfg.Admin.Secret,
		SessionTTL:     time.Duration(cfg.Admin.SessionTTLHours) * time.Hour,
	}
}

// Server wires handlers to the snapshot cache and the store.
type Server struct {
	cache     *snapshot.Cache
	store     store.Store
	metrics   *monitoring.Metrics
	collector *monitoring.Collector
	sessions  *Sessions
	limiter   *ipLimiter
	opts      Options
	now       func() time.Time
}

// New creates a Server. metrics may be nil.
func New(cache *snapshot.Cache, st store.Store, metrics *monitoring.Metrics, opts Options) *Server {
	if opts.CookiePrefix == "" {
		opts.CookiePrefix = "expvar_"
	}
	if opts.CookieMaxAge <= 0 {
		opts.CookieMaxAge = 90 * 24 * time.Hour
	}
	return &Server{
		cache:     cache,
		store:     st,
		metrics:   metrics,
		collector: monitoring.NewCollector(st),
		sessions:  NewSessions(opts.AdminSecret, opts.SessionTTL),
		limiter:   newIPLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		opts:      opts,
		now:       time.Now,
	}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(corsOptions(s.opts.AllowedOrigins)))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.recoverResolve)
		r.Use(s.limiter.middleware)
		r.Post("/exp/resolve", s.handleResolvePost)
		r.Get("/exp/resolve", s.handleResolveGet)
	})

	r.Post("/admin/login", s.handleLogin)
	r.Post("/admin/logout", s.handleLogout)

	r.Route("/experiments", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/", s.handleListExperiments)
		r.Post("/", s.handleCreateExperiment)
		r.Get("/summary", s.handleSummary)
		r.Get("/{id}", s.handleGetExperiment)
		r.Patch("/{id}", s.handleUpdateExperiment)
		r.Delete("/{id}", s.handleDeleteExperiment)
	})

	return r
}

// NewHTTPServer wraps h in an http.Server with conservative timeouts.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// corsOptions allows every origin when none are configured. With an explicit
// list, credentials are allowed so the sticky cookie travels cross-site.
func corsOptions(origins []string) cors.Options {
	opts := cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}
	if len(origins) == 0 {
		opts.AllowedOrigins = []string{"*"}
		return opts
	}
	opts.AllowedOrigins = origins
	opts.AllowCredentials = true
	return opts
}

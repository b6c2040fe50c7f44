// Package httpserver exposes the gateway over HTTP: the paid chat
// endpoint, wallet login, key management, the Stripe top-up webhook, and
// the admin surface. Everything payment-shaped funnels through the
// decision engine; handlers only translate between HTTP and the domain.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/alerts"
	"github.com/dekapay/gateway/internal/apikey"
	"github.com/dekapay/gateway/internal/audit"
	"github.com/dekapay/gateway/internal/auth"
	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/dispatch"
	"github.com/dekapay/gateway/internal/grants"
	"github.com/dekapay/gateway/internal/ledger"
	"github.com/dekapay/gateway/internal/logger"
	"github.com/dekapay/gateway/internal/metrics"
	"github.com/dekapay/gateway/internal/observability"
	"github.com/dekapay/gateway/internal/paywall"
	"github.com/dekapay/gateway/internal/pricing"
	"github.com/dekapay/gateway/internal/ratelimit"
	"github.com/dekapay/gateway/internal/reconcile"
	"github.com/dekapay/gateway/internal/storage"
	"github.com/dekapay/gateway/internal/tenant"
)

// Options wires the server's collaborators.
type Options struct {
	Config     *config.Config
	Engine     *paywall.Engine
	Auth       *auth.Service
	Keys       *apikey.Validator
	Ledger     *ledger.Ledger
	Grants     *grants.Service
	Dispatcher dispatch.Dispatcher
	Pricing    *pricing.Calculator
	Cost       *ratelimit.CostLimiter
	Reconciler *reconcile.Reconciler
	Alerts     *alerts.Service
	Store      storage.Store
	// Boot recovery outcome, surfaced on /health.
	RecoveryState string
	Hooks         *observability.Registry
	Audit         *audit.Trail
	Clock         clock.Clock
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

type handlers struct {
	cfg           *config.Config
	engine        *paywall.Engine
	auth          *auth.Service
	keys          *apikey.Validator
	ledger        *ledger.Ledger
	grants        *grants.Service
	dispatcher    dispatch.Dispatcher
	pricing       *pricing.Calculator
	cost          *ratelimit.CostLimiter
	reconciler    *reconcile.Reconciler
	alerts        *alerts.Service
	store         storage.Store
	recoveryState string
	hooks         *observability.Registry
	audit         *audit.Trail
	startedAt     time.Time
	clock         clock.Clock
	metrics       *metrics.Metrics
	logger        zerolog.Logger
}

// Server wires handlers, middleware, and the http.Server.
type Server struct {
	handlers
	httpServer *http.Server
}

// New builds the HTTP server with a configured router.
func New(opts Options) *Server {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	s := &Server{
		handlers: handlers{
			cfg:           opts.Config,
			engine:        opts.Engine,
			auth:          opts.Auth,
			keys:          opts.Keys,
			ledger:        opts.Ledger,
			grants:        opts.Grants,
			dispatcher:    opts.Dispatcher,
			pricing:       opts.Pricing,
			cost:          opts.Cost,
			reconciler:    opts.Reconciler,
			alerts:        opts.Alerts,
			store:         opts.Store,
			recoveryState: opts.RecoveryState,
			hooks:         opts.Hooks,
			audit:         opts.Audit,
			startedAt:     clk.Now(),
			clock:         clk,
			metrics:       opts.Metrics,
			logger:        opts.Logger,
		},
	}

	router := chi.NewRouter()
	s.configureRouter(router)
	s.httpServer = &http.Server{
		Addr:         opts.Config.Server.Address,
		ReadTimeout:  opts.Config.Server.ReadTimeout.Duration,
		WriteTimeout: opts.Config.Server.WriteTimeout.Duration,
		IdleTimeout:  opts.Config.Server.IdleTimeout.Duration,
		Handler:      router,
	}
	return s
}

func (s *Server) configureRouter(router chi.Router) {
	cfg := s.cfg

	// Security headers first so every response carries them.
	router.Use(securityHeadersMiddleware)

	// Logging before RequestID so the request logger picks up the id it
	// generates.
	router.Use(logger.Middleware(s.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(tenant.Extraction)

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-Payment-Response", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	edge := ratelimit.EdgeLimiter(ratelimit.EdgeConfig{
		Enabled:           cfg.RateLimit.Enabled,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
	})

	// Lightweight endpoints: 5s budget.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", s.health)
		r.Get("/.well-known/jwks.json", s.jwks)
		r.Handle("/metrics", promhttp.Handler())

		r.Group(func(r chi.Router) {
			r.Use(edge)
			r.Post("/auth/nonce", s.authNonce)
			r.Post("/auth/verify", s.authVerify)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.sessionAuth)
			r.Post("/keys", s.createKey)
			r.Delete("/keys/{id}", s.revokeKey)
			r.Get("/keys/{id}/balance", s.keyBalance)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Post("/admin/reconcile", s.adminReconcile)
			r.Get("/admin/alerts/dlq", s.adminListDLQ)
			r.Post("/admin/alerts/dlq/requeue", s.adminRequeueDLQ)
		})
	})

	// Payment-bearing endpoints: 60s budget for settlement lookups and
	// provider dispatch.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.With(edge).Post("/agent/chat", s.chat)
		r.Post("/webhooks/stripe", s.stripeWebhook)
		r.Post("/billing/topup", s.createTopUp)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the configured router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

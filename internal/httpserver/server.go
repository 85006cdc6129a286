// Package httpserver is the gateway's management API: discovery, billing,
// analytics, and the tenant-facing CRUD surface. Paid seller routes live
// in internal/gate; this package serves everything around them.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tollgate/server/internal/billing"
	"github.com/tollgate/server/internal/config"
	"github.com/tollgate/server/internal/gate"
	"github.com/tollgate/server/internal/metrics"
	"github.com/tollgate/server/internal/revenue"
	"github.com/tollgate/server/internal/store"
	"github.com/tollgate/server/internal/webhooks"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg       *config.Config
	store     store.Store
	billing   *billing.Service
	stripe    *billing.Reconciler
	publisher *webhooks.Publisher
	revenue   revenue.Repository
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

// New builds the HTTP server with the configured router.
func New(cfg *config.Config, st store.Store, billingSvc *billing.Service, stripe *billing.Reconciler, publisher *webhooks.Publisher, rev revenue.Repository, m *metrics.Metrics, log zerolog.Logger) *Server {
	router := chi.NewRouter()
	s := &Server{
		handlers: handlers{
			cfg:       cfg,
			store:     st,
			billing:   billingSvc,
			stripe:    stripe,
			publisher: publisher,
			revenue:   rev,
			metrics:   m,
			log:       log.With().Str("component", "httpserver").Logger(),
			now:       time.Now,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}
	s.configureRouter(router)
	return s
}

// Router exposes the configured router, mainly for tests and for mounting
// the seller gate in front.
func (s *Server) Router() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) configureRouter(router chi.Router) {
	// No CORS middleware when the allow-list is empty: browsers get no
	// Access-Control headers at all.
	if len(s.cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   s.cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Key"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(gate.SecurityHeaders)
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	publicLimit := s.cfg.RateLimit.PublicPerMinute
	if publicLimit <= 0 {
		publicLimit = 50
	}

	// Lightweight unauthenticated surface.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", s.health)
		r.With(adminMetricsAuth(s.cfg.Server.AdminMetricsAPIKey)).Handle("/metrics", promhttp.Handler())

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(publicLimit, time.Minute))
			r.Get("/v1/tools", s.listTools)
			r.Get("/v1/tools/search", s.searchTools)
			r.Get("/v1/tools/{slug}", s.getTool)
		})
	})

	// Stripe needs a stable unauthenticated URL; its own signature check
	// is the auth.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(httprate.LimitByIP(publicLimit, time.Minute))
		r.Post("/v1/billing/stripe/webhook", s.stripeWebhook)
	})

	// Tenant API.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.requireOrg)

		r.Get("/v1/billing/usage", s.billingUsage)
		r.Post("/v1/billing/checkout", s.billingCheckout)

		r.Post("/v1/agents", s.createAgent)
		r.Get("/v1/agents", s.listAgents)
		r.Get("/v1/agents/{id}", s.getAgent)
		r.Post("/v1/agents/{id}/status", s.updateAgentStatus)

		r.Post("/v1/sellers", s.createSeller)
		r.Get("/v1/sellers", s.listSellers)
		r.Post("/v1/sellers/{id}/endpoints", s.createEndpoint)
		r.Get("/v1/sellers/{id}/endpoints", s.listEndpoints)

		r.Post("/v1/tools", s.registerTool)
		r.Put("/v1/tools/{id}", s.updateTool)

		r.Post("/v1/policies", s.createPolicy)
		r.Get("/v1/policies", s.listPolicies)
		r.Delete("/v1/policies/{id}", s.deletePolicy)

		r.Post("/v1/webhooks", s.createWebhook)
		r.Get("/v1/webhooks", s.listWebhooks)
		r.Delete("/v1/webhooks/{id}", s.deleteWebhook)
		r.Post("/v1/webhooks/{id}/test", s.testWebhook)

		r.Get("/v1/transactions", s.listTransactions)

		r.Post("/v1/disputes", s.createDispute)
		r.Get("/v1/disputes", s.listDisputes)
		r.Post("/v1/disputes/{id}/resolve", s.resolveDispute)

		r.Post("/v1/deposits", s.createDeposit)
		r.Get("/v1/deposits", s.listDeposits)

		r.Post("/v1/alerts", s.createAlertRule)
		r.Get("/v1/alerts", s.listAlertRules)
		r.Delete("/v1/alerts/{id}", s.deleteAlertRule)

		r.Post("/v1/analytics/reports", s.ingestReports)
		r.Get("/v1/analytics/revenue", s.revenueSummary)
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

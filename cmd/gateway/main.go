// The gateway binary serves the platform API and, when configured,
// hosts the seller gate on a second listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tollgate/server/internal/billing"
	"github.com/tollgate/server/internal/circuitbreaker"
	"github.com/tollgate/server/internal/config"
	"github.com/tollgate/server/internal/fees"
	"github.com/tollgate/server/internal/gate"
	"github.com/tollgate/server/internal/httpserver"
	"github.com/tollgate/server/internal/lifecycle"
	"github.com/tollgate/server/internal/logger"
	"github.com/tollgate/server/internal/metrics"
	"github.com/tollgate/server/internal/ratelimit"
	"github.com/tollgate/server/internal/revenue"
	"github.com/tollgate/server/internal/store"
	"github.com/tollgate/server/internal/webhooks"
	"github.com/tollgate/server/pkg/x402"
)

const shutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "gateway",
		Environment: cfg.Logging.Environment,
	})

	resources := lifecycle.NewManager()
	defer func() {
		if err := resources.Close(); err != nil {
			log.Error().Err(err).Msg("resource cleanup failed")
		}
	}()

	st, err := store.New(cfg.Storage, cfg.Facilitator.SharedSecret)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	resources.Register("store", st)

	rev, err := revenue.New(cfg.Revenue)
	if err != nil {
		return fmt.Errorf("init revenue ledger: %w", err)
	}
	resources.Register("revenue", rev)

	breaker := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)
	m := metrics.New(prometheus.DefaultRegisterer)

	limiter := ratelimit.New(st, breaker, m, log, cfg.RateLimit.SweepInterval.Duration)
	resources.Register("ratelimit", limiter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := webhooks.NewDispatcher(st, cfg.Webhooks, breaker, m, log)
	dispatcher.Start(ctx)
	resources.Register("webhook_dispatcher", dispatcher)

	srv := httpserver.New(cfg, st,
		billing.NewService(st, log),
		billing.NewReconciler(cfg.Stripe, st, breaker, log),
		webhooks.NewPublisher(st, log),
		rev, m, log)

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("platform api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("platform api: %w", err)
		}
	}()

	var gateSrv *http.Server
	if cfg.Gate.ListenAddress != "" {
		gateSrv, err = newGateHost(cfg, limiter, m, log, resources)
		if err != nil {
			return fmt.Errorf("init gate host: %w", err)
		}
		go func() {
			log.Info().Str("address", cfg.Gate.ListenAddress).
				Int("routes", len(cfg.Gate.Routes)).Msg("seller gate listening")
			if err := gateSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("seller gate: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if gateSrv != nil {
		if err := gateSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("gate shutdown failed")
		}
	}
	return srv.Shutdown(shutdownCtx)
}

// newGateHost wires the payment gate in front of reverse proxies to
// the configured seller upstreams.
func newGateHost(cfg *config.Config, limiter *ratelimit.Limiter, m *metrics.Metrics, log zerolog.Logger, resources *lifecycle.Manager) (*http.Server, error) {
	routes := make([]gate.Route, 0, len(cfg.Gate.Routes))
	proxies := make(map[string]*httputil.ReverseProxy, len(cfg.Gate.Routes))
	for _, rc := range cfg.Gate.Routes {
		target, err := url.Parse(rc.Upstream)
		if err != nil || target.Host == "" {
			return nil, fmt.Errorf("route %s %s: invalid upstream %q", rc.Method, rc.Path, rc.Upstream)
		}
		chains := make([]x402.Chain, 0, len(rc.Chains))
		for _, c := range rc.Chains {
			chains = append(chains, x402.Chain(c))
		}
		if len(chains) == 0 {
			chains = []x402.Chain{x402.ChainBase}
		}
		routes = append(routes, gate.Route{
			Method:      rc.Method,
			Pattern:     rc.Path,
			Price:       rc.Price,
			Description: rc.Description,
			PayTo:       cfg.Gate.PayTo,
			Chains:      chains,
			EndpointID:  rc.EndpointID,
		})
		proxies[rc.Method+" "+rc.Path] = httputil.NewSingleHostReverseProxy(target)
	}

	var reporter *gate.Reporter
	if cfg.Gate.PlatformURL != "" {
		reporter = gate.NewReporter(
			gate.NewHTTPShipper(cfg.Gate.PlatformURL, cfg.Gate.PlatformAPIKey), m, log)
		resources.Register("gate_reporter", reporter)
	}

	g := gate.New(gate.Config{
		FacilitatorURL: cfg.Facilitator.BaseURL,
		VerifyTimeout:  cfg.Facilitator.VerifyTimeout.Duration,
		Fees: fees.Config{
			FeeBps:         cfg.Platform.FeeBps,
			PlatformWallet: cfg.Platform.PlatformWallet,
		},
		LimitPerMinute: cfg.RateLimit.GatePerMinute,
	}, routes, limiter, reporter, m, log)

	proxy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pc, ok := gate.PaymentFromContext(r.Context())
		if !ok {
			http.NotFound(w, r)
			return
		}
		proxies[pc.Route.Method+" "+pc.Route.Pattern].ServeHTTP(w, r)
	})

	handler := logger.Middleware(log)(gate.SecurityHeaders(g.Middleware(proxy)))
	return &http.Server{
		Addr:         cfg.Gate.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}, nil
}

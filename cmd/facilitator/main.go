// The facilitator binary runs the standalone payment relay: it settles
// EIP-3009 authorizations and signed Solana transactions, then replays
// the original request with a receipt attached.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tollgate/server/internal/chain"
	"github.com/tollgate/server/internal/config"
	"github.com/tollgate/server/internal/facilitator"
	"github.com/tollgate/server/internal/lifecycle"
	"github.com/tollgate/server/internal/logger"
	"github.com/tollgate/server/internal/metrics"
	"github.com/tollgate/server/internal/revenue"
	"github.com/tollgate/server/internal/store"
	"github.com/tollgate/server/pkg/x402"
)

const shutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "facilitator:", err)
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
		Service:     "facilitator",
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

	m := metrics.New(prometheus.DefaultRegisterer)

	executors, err := buildExecutors(cfg, m, log, resources)
	if err != nil {
		return err
	}
	if len(executors) == 0 {
		log.Warn().Msg("no chain RPC configured, every settlement will fail")
	}

	svc := facilitator.New(cfg.Facilitator, st, executors, rev, m, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Resume payments interrupted by the previous shutdown. Runs in the
	// background so confirmation polling does not delay serving.
	go func() {
		if err := svc.Recover(ctx); err != nil {
			log.Error().Err(err).Msg("boot recovery failed")
		}
	}()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(logger.Middleware(log))
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Mount("/", svc.Router())

	httpSrv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("facilitator listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// buildExecutors creates one settlement executor per configured chain.
func buildExecutors(cfg *config.Config, m *metrics.Metrics, log zerolog.Logger, resources *lifecycle.Manager) (map[x402.Chain]chain.Executor, error) {
	executors := make(map[x402.Chain]chain.Executor)

	if cfg.Chains.Base.RPCURL != "" {
		if cfg.Chains.ExecutorKey == "" {
			return nil, fmt.Errorf("base rpc configured but TOLLGATE_EXECUTOR_KEY unset")
		}
		info, _ := x402.NetworkForChain(x402.ChainBase)
		exec, err := chain.NewEVMExecutor(
			cfg.Chains.Base.RPCURL,
			cfg.Chains.ExecutorKey,
			info.USDCAsset,
			info.ChainID,
			cfg.Chains.Base.Confirmations,
			cfg.Chains.Base.RPCTimeout.Duration,
			log, m)
		if err != nil {
			return nil, fmt.Errorf("init base executor: %w", err)
		}
		executors[x402.ChainBase] = exec
		resources.Register("base_executor", exec)
	}

	if cfg.Chains.Solana.RPCURL != "" {
		executors[x402.ChainSolana] = chain.NewSolanaRelay(
			cfg.Chains.Solana.RPCURL,
			cfg.Chains.Solana.Confirmations,
			cfg.Chains.Solana.RPCTimeout.Duration,
			log, m)
	}

	return executors, nil
}

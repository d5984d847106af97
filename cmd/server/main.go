/*
main.go - Application entry point

PURPOSE:
  Starts the accounting engine HTTP server and the lapse sweeper.
  Handles configuration, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (YAML file, .env, ACCOUNTING_* environment)
  3. Wire store, cache, notifications and catalog (app.Bootstrap)
  4. Configure HTTP router
  5. Run server and sweeper in one errgroup until a signal arrives

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (optional)
  -addr    Listen address, overrides server.addr

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the sweeper
  4. Close notification transports, cache and store

EXAMPLES:
  # In-memory store, default settings
  ACCOUNTING_STORAGE_DRIVER=memory ./server

  # Postgres with migrations
  ACCOUNTING_STORAGE_DRIVER=postgres \
  ACCOUNTING_POSTGRES_DSN=postgres://localhost/accounting \
  ACCOUNTING_STORAGE_MIGRATE=true ./server -config=accounting.yaml

SEE ALSO:
  - app/bootstrap.go: Dependency wiring
  - api/server.go: Router configuration
  - config/config.go: Settings and environment variables
*/
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

	"golang.org/x/sync/errgroup"

	"github.com/warp/accounting-engine/api"
	"github.com/warp/accounting-engine/app"
	"github.com/warp/accounting-engine/config"
	"github.com/warp/accounting-engine/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "Path to YAML config file")
	addr := flag.String("addr", "", "Listen address (overrides server.addr)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := app.Bootstrap(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer cleanup()

	sweeper := api.NewLapseSweeper(deps.Service, cfg.Engine.SweepInterval, log)
	handler := api.NewHandler(deps.Service, deps.Catalog, sweeper, log)
	router := api.NewRouter(handler, api.RouterOptions{
		AdminToken:  cfg.Server.AdminToken,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}

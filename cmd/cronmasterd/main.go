package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edvin/cronmaster/internal/api"
	"github.com/edvin/cronmaster/internal/config"
	"github.com/edvin/cronmaster/internal/core"
	"github.com/edvin/cronmaster/internal/db"
	"github.com/edvin/cronmaster/internal/dispatcher"
	"github.com/edvin/cronmaster/internal/invoker"
	"github.com/edvin/cronmaster/internal/logging"
	"github.com/edvin/cronmaster/internal/metrics"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations", "Migration files directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "cronmasterd"
	}

	if err := cfg.Validate("cronmasterd"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Str("dir", *migrateDirFlag).Msg("running database migrations")
		if err := db.RunMigrations(cfg.DatabaseURL, *migrateDirFlag); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	metrics.RegisterPgxPoolMetrics(pool)

	services := core.NewServices(pool, cfg.ResponseBodyLimitBytes)

	inv := invoker.New(invoker.Config{
		Timeout:   cfg.RequestTimeout(),
		BodyLimit: int64(cfg.ResponseBodyLimitBytes),
		UserAgent: cfg.UserAgent,
	})

	disp := dispatcher.New(services, inv, logger, dispatcher.Config{
		MaxConcurrentFirings: cfg.MaxConcurrentFirings,
	})

	reconciler := dispatcher.NewReconciler(disp, services, logger, dispatcher.ReconcilerConfig{
		ReconcileInterval: cfg.ReconcileInterval(),
		PruneInterval:     cfg.PruneInterval(),
		Retention:         cfg.ExecutionRetention(),
	})
	if err := reconciler.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("scheduler startup failed")
	}

	apiServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      api.NewServer(logger, services, disp),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting API server")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("API server failed")
		}
	}()

	metricsServer := metrics.NewServer(cfg.MetricsAddr, pool, func() any { return disp.Stats() })
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("metrics server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	apiServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)

	disp.Shutdown(cfg.ShutdownDrainDeadline())
	logger.Info().Msg("scheduler stopped")
}

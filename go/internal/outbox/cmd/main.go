package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/eshop/go/internal/outbox"
	"github.com/mcdev12/eshop/go/internal/platform/broker"
	"github.com/mcdev12/eshop/go/internal/platform/config"
	"github.com/mcdev12/eshop/go/internal/platform/logging"
	"github.com/mcdev12/eshop/go/internal/platform/telemetry"
	"github.com/mcdev12/eshop/go/internal/storage/postgres"
)

// Standalone dispatcher. Any number of replicas may run against the same
// database; row claims keep their batches disjoint.
func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := logging.Setup(cfg.Service.Name+"-outbox", cfg.Log.Level, cfg.Log.Console, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	store := postgres.NewStore(db)

	b, err := broker.Open(cfg.Bus)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Bus.Driver).Msg("connect to bus")
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Error().Err(err).Msg("close bus")
		}
	}()

	dc := outbox.DefaultConfig()
	dc.PollInterval = cfg.Outbox.PollInterval
	dc.BatchSize = cfg.Outbox.BatchSize
	dc.MaxAttempts = cfg.Outbox.MaxAttempts
	if cfg.Outbox.PublishTimeout > 0 {
		dc.PublishTimeout = cfg.Outbox.PublishTimeout
	}

	tel, err := telemetry.NewPrometheus(cfg.Service.Name + "-outbox")
	if err != nil {
		log.Fatal().Err(err).Msg("set up metrics")
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("metrics shutdown")
		}
	}()

	metrics, err := outbox.NewDispatcherMetrics(tel.MeterProvider())
	if err != nil {
		log.Fatal().Err(err).Msg("create outbox metrics")
	}
	dispatcher := outbox.NewDispatcher(store, broker.Publisher(b, cfg.Bus), dc,
		outbox.WithClock(clockwork.NewRealClock()), outbox.WithMetrics(metrics))

	health := outbox.NewDispatcherHealthChecker(dispatcher, store, b, cfg.Outbox.StaleThreshold)
	if _, err := outbox.ObserveHealth(tel.MeterProvider(), health); err != nil {
		log.Fatal().Err(err).Msg("export outbox health")
	}
	mux := http.NewServeMux()
	mux.Handle("GET /health", health)
	mux.Handle("GET /metrics", tel.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%s", cfg.Outbox.HealthPort), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.Outbox.Listen {
		lc := outbox.DefaultListenerConfig()
		lc.DatabaseURL = cfg.Database.URL
		lc.NotifyChannel = cfg.Outbox.NotifyChannel
		if listener, err := outbox.NewListener(dispatcher, lc); err != nil {
			log.Warn().Err(err).Msg("outbox listener unavailable, relying on polling")
		} else {
			go func() {
				if err := listener.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("outbox listener stopped")
				}
			}()
		}
	}

	go func() {
		log.Info().Str("health_addr", srv.Addr).Msg("starting outbox dispatcher")
		if err := dispatcher.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("dispatcher exited unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server shutdown failed")
	}
	if err := dispatcher.Stop(); err != nil && !errors.Is(err, outbox.ErrNotRunning) {
		log.Error().Err(err).Msg("stop dispatcher")
	}
	log.Info().Msg("graceful shutdown complete")
}

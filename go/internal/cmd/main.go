package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/eshop/go/internal/consumers"
	"github.com/mcdev12/eshop/go/internal/order"
	"github.com/mcdev12/eshop/go/internal/outbox"
	"github.com/mcdev12/eshop/go/internal/platform/broker"
	"github.com/mcdev12/eshop/go/internal/platform/config"
	"github.com/mcdev12/eshop/go/internal/platform/logging"
	"github.com/mcdev12/eshop/go/internal/platform/telemetry"
	"github.com/mcdev12/eshop/go/internal/storage/postgres"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := logging.Setup(cfg.Service.Name, cfg.Log.Level, cfg.Log.Console, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := setupDatabase(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up database")
	}
	defer database.Close()

	b, err := broker.Open(cfg.Bus)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Bus.Driver).Msg("failed to connect to bus")
	}
	defer b.Close()

	// Database layer → App layer → Service layer
	store := postgres.NewStore(database)
	clock := clockwork.NewRealClock()
	app := order.NewApp(store, clock)

	if err := consumers.Register(b, app); err != nil {
		log.Fatal().Err(err).Msg("failed to register consumers")
	}

	tel, err := telemetry.NewPrometheus(cfg.Service.Name)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up metrics")
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("metrics shutdown failed")
		}
	}()

	metrics, err := outbox.NewDispatcherMetrics(tel.MeterProvider())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create outbox metrics")
	}
	dispatcher := outbox.NewDispatcher(store, broker.Publisher(b, cfg.Bus), dispatcherConfig(cfg.Outbox),
		outbox.WithClock(clock), outbox.WithMetrics(metrics))
	health := outbox.NewDispatcherHealthChecker(dispatcher, store, b, cfg.Outbox.StaleThreshold)
	if _, err := outbox.ObserveHealth(tel.MeterProvider(), health); err != nil {
		log.Fatal().Err(err).Msg("failed to export outbox health")
	}

	errCh := make(chan error, 1)

	if cfg.Outbox.Enabled {
		if err := dispatcher.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start outbox dispatcher")
		}
		defer dispatcher.Stop()

		if cfg.Outbox.Listen {
			startListener(ctx, dispatcher, cfg)
		}
	}

	srv := setupServer(cfg.HTTP, order.NewService(app), health, tel.Handler())
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("ordering server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("service error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	log.Info().Msg("ordering service stopped")
}

func dispatcherConfig(c config.OutboxConfig) outbox.Config {
	dc := outbox.DefaultConfig()
	dc.PollInterval = c.PollInterval
	dc.BatchSize = c.BatchSize
	dc.MaxAttempts = c.MaxAttempts
	if c.PublishTimeout > 0 {
		dc.PublishTimeout = c.PublishTimeout
	}
	return dc
}

// startListener wakes the dispatcher on outbox inserts. Failing to listen is
// not fatal; the poll interval still drains the outbox.
func startListener(ctx context.Context, d *outbox.Dispatcher, cfg *config.Config) {
	lc := outbox.DefaultListenerConfig()
	lc.DatabaseURL = cfg.Database.URL
	lc.NotifyChannel = cfg.Outbox.NotifyChannel

	listener, err := outbox.NewListener(d, lc)
	if err != nil {
		log.Warn().Err(err).Msg("outbox listener unavailable, relying on polling")
		return
	}
	go func() {
		if err := listener.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("outbox listener stopped")
		}
	}()
}

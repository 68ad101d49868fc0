package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/eshop/go/internal/payment"
	"github.com/mcdev12/eshop/go/internal/platform/broker"
	"github.com/mcdev12/eshop/go/internal/platform/config"
	"github.com/mcdev12/eshop/go/internal/platform/logging"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	name := cfg.Service.Name
	if name == config.Default().Service.Name {
		name = "payment"
	}
	if err := logging.Setup(name, cfg.Log.Level, cfg.Log.Console, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := broker.Open(cfg.Bus)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Bus.Driver).Msg("connect to bus")
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Error().Err(err).Msg("close bus")
		}
	}()

	processor := payment.NewProcessor(broker.Publisher(b, cfg.Bus), payment.WithDelay(cfg.Payment.Delay))
	if err := processor.Register(b); err != nil {
		log.Fatal().Err(err).Msg("failed to register OrderCreated consumer")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if !b.IsConnected() {
			http.Error(w, "bus disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%s", cfg.HTTP.Port), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("payment service started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("health server exited unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server shutdown failed")
	}
	log.Info().Msg("payment service stopped")
}

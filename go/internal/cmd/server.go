package main

import (
	"fmt"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/eshop/go/internal/correlation"
	"github.com/mcdev12/eshop/go/internal/order"
	"github.com/mcdev12/eshop/go/internal/platform/config"
)

func setupServer(cfg config.HTTPConfig, orders *order.Service, outboxHealth, metrics http.Handler) *http.Server {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
		},
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{correlation.Header},
	})

	orders.Register(mux)
	mux.Handle("GET /health/outbox", outboxHealth)
	mux.Handle("GET /metrics", metrics)
	setupHealthCheck(mux)

	handler := c.Handler(correlation.Middleware(mux))

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

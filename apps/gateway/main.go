package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mahaj/dupahar-dm/pkg/app"
	"github.com/mahaj/dupahar-dm/pkg/config"
	"github.com/mahaj/dupahar-dm/pkg/gateway"
	"github.com/mahaj/dupahar-dm/pkg/httpapi"
	"github.com/mahaj/dupahar-dm/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, "gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, err := app.NewCore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer core.Close()

	hub := gateway.NewHub(core.Rooms, log)
	broadcaster, bus := core.Broadcaster(hub)
	if bus != nil {
		defer bus.Close()
		go func() {
			if err := bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("fanout consumer stopped")
			}
		}()
	}
	svc := core.Service(broadcaster)

	ws := gateway.NewServer(hub, core.Rooms, core.Presence, svc, core.Tokens, gateway.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, log)
	health := httpapi.NewHandler(httpapi.Deps{Checks: core.Checks(), Logger: log})

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Handle("/ws", ws)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", health.Health)

	// No write timeout: websocket connections are long lived.
	srv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.GatewayAddr).
			Str("env", cfg.Env).
			Str("fanout", cfg.FanoutDriver).
			Msg("starting gateway")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down gateway...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	// Hijacked connections are not tracked by Shutdown.
	hub.CloseAll()
	cancel()

	log.Info().Msg("gateway stopped")
}

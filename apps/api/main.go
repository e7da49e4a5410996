package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mahaj/dupahar-dm/pkg/app"
	"github.com/mahaj/dupahar-dm/pkg/config"
	"github.com/mahaj/dupahar-dm/pkg/httpapi"
	"github.com/mahaj/dupahar-dm/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, "api")

	core, err := app.NewCore(context.Background(), cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer core.Close()

	// Deletions notify devices held by the gateways, so only the bus is useful here.
	broadcaster, bus := core.Broadcaster(nil)
	if bus != nil {
		defer bus.Close()
	}

	h := httpapi.NewHandler(httpapi.Deps{
		Service:  core.Service(broadcaster),
		Presence: core.Presence,
		Tokens:   core.Tokens,
		Budget:   core.Limiter,
		Totals:   core.Stats,
		Checks:   core.Checks(),
		Logger:   log,
	})
	router := httpapi.NewRouter(log, h, core.Tokens)

	srv := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.APIAddr).
			Str("env", cfg.Env).
			Str("store", cfg.StoreDriver).
			Msg("starting api")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down api...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("api stopped")
}

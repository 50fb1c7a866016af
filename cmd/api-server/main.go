package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicflow/scheduling-core/internal/api"
	"github.com/clinicflow/scheduling-core/internal/app"
	"github.com/clinicflow/scheduling-core/internal/auth"
	"github.com/clinicflow/scheduling-core/internal/config"
	"github.com/clinicflow/scheduling-core/internal/logging"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("prod", "api-server")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, "api-server")
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid JWT configuration")
	}

	checks := []api.Check{api.PostgresCheck(a.Pool)}
	if a.Redis != nil {
		checks = append(checks, api.RedisCheck(a.Redis))
	}

	router := api.NewRouter(api.RouterConfig{
		Appointments: a.Appointments,
		Settlement:   a.Settlement,
		Verifier:     verifier,
		Health:       api.NewHealthHandler(cfg.Env, version, checks...),
		Window:       cfg.Window,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go a.RunSweeper(rootCtx, cfg.WorkerInterval)

	pub, closePub := a.Publisher()
	defer func() {
		if err := closePub(); err != nil {
			logger.Error().Err(err).Msg("error closing kafka writer")
		}
	}()
	if pub != nil {
		go pub.Run(rootCtx, time.Second)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		os.Exit(1)
	}

	logger.Info().Msg("server stopped")
}

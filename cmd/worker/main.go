package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicflow/scheduling-core/internal/app"
	"github.com/clinicflow/scheduling-core/internal/config"
	"github.com/clinicflow/scheduling-core/internal/logging"
)

// worker runs the background jobs without the HTTP surface: the no-show sweep and,
// when Kafka is configured, the event publisher.
func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("prod", "worker")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, "worker")
	logger.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Msg("worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	pub, closePub := a.Publisher()
	defer func() {
		if err := closePub(); err != nil {
			logger.Error().Err(err).Msg("error closing kafka writer")
		}
	}()
	if pub != nil {
		go pub.Run(rootCtx, time.Second)
	} else {
		logger.Info().Msg("KAFKA_BROKERS not set; event publishing disabled")
	}

	a.RunSweeper(rootCtx, cfg.WorkerInterval)
	logger.Info().Msg("shutdown signal received, worker stopped")
}

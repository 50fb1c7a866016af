// Package app wires configuration, storage and services together for the binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicflow/scheduling-core/internal/appointment"
	"github.com/clinicflow/scheduling-core/internal/clock"
	"github.com/clinicflow/scheduling-core/internal/config"
	"github.com/clinicflow/scheduling-core/internal/db"
	"github.com/clinicflow/scheduling-core/internal/directory"
	"github.com/clinicflow/scheduling-core/internal/events"
	redisclient "github.com/clinicflow/scheduling-core/internal/redis"
	"github.com/clinicflow/scheduling-core/internal/settlement"
)

type App struct {
	Config config.Config
	Logger zerolog.Logger

	Pool  *pgxpool.Pool
	Redis *redis.Client // nil when REDIS_ADDR is empty

	Locker       redisclient.Locker
	Directory    directory.Directory
	Appointments *appointment.Service
	Settlement   *settlement.Service
}

// New connects to Postgres and, if configured, Redis and builds the services.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	pgCtx, cancelPg := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return nil, fmt.Errorf("postgres connection error: %w", err)
	}
	logger.Info().Msg("connected to Postgres")

	a := &App{Config: cfg, Logger: logger, Pool: pool}

	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("redis connection error: %w", err)
		}
		a.Redis = rdb
		a.Locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	} else {
		a.Locker = redisclient.NewLocalLocker()
		logger.Warn().Msg("REDIS_ADDR not set; slot locks are process-local")
	}

	a.Directory = directory.NewBounded(directory.NewPgDirectory(pool), cfg.UpstreamTimeout)

	a.Appointments = appointment.NewService(
		appointment.NewPgRepository(pool),
		a.Locker,
		a.Directory,
		appointment.Options{
			Clock:                 clock.Real(),
			Window:                cfg.Window,
			MinCancellationNotice: cfg.MinCancellationNotice,
			CreditPercent:         cfg.CancellationCreditPercent,
			NoShowGrace:           cfg.NoShowGrace,
		},
		logger,
	)

	a.Settlement = settlement.NewService(
		settlement.NewPgRepository(pool),
		a.Directory,
		a.Locker,
		settlement.Options{
			Clock:          clock.Real(),
			Window:         cfg.Window,
			CommissionRate: cfg.PlatformCommissionRate,
			MinFeeRatio:    cfg.PaymentMinFeeRatio,
		},
		logger,
	)

	return a, nil
}

// Publisher returns the event outbox publisher, or nil when KAFKA_BROKERS is empty.
// The returned close func flushes the Kafka writer.
func (a *App) Publisher() (*events.Publisher, func() error) {
	if a.Config.KafkaBrokers == "" {
		return nil, func() error { return nil }
	}

	writer := events.NewKafkaWriter(a.Config.KafkaBrokers)
	pub := events.NewPublisher(events.NewPgStore(a.Pool), writer, a.Logger.With().Str("component", "publisher").Logger(), events.PublisherConfig{
		Topic: a.Config.KafkaTopic,
	})
	return pub, writer.Close
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("error closing redis")
		}
	}
	a.Pool.Close()
}

// SweepOnce runs one bounded no-show sweep and logs the outcome.
func (a *App) SweepOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := a.Appointments.SweepNoShows(runCtx)
	if err != nil {
		a.Logger.Error().Err(err).Msg("no-show sweep failed")
		return
	}
	a.Logger.Info().Int("marked", n).Dur("took", time.Since(start)).Msg("no-show sweep complete")
}

// RunSweeper sweeps once immediately and then on every tick until ctx is done.
func (a *App) RunSweeper(ctx context.Context, every time.Duration) {
	a.SweepOnce(ctx)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.SweepOnce(ctx)
		}
	}
}

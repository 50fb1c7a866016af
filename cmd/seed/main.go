package main

import (
	"context"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinicflow/scheduling-core/internal/config"
	"github.com/clinicflow/scheduling-core/internal/db"
	"github.com/clinicflow/scheduling-core/internal/logging"
)

const (
	doctorCount       = 40
	patientCount      = 4000
	roomCount         = 12
	patientsPerDoctor = 30
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("prod", "seed")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, "seed")
	logger.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if _, err := db.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	// 0 seeds from crypto/rand.
	gofakeit.Seed(0)

	doctors, err := seedDoctors(ctx, pool, logger, doctorCount)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed doctors")
	}
	patients, err := seedPatients(ctx, pool, logger, patientCount)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}
	if err := seedAssignments(ctx, pool, logger, doctors, patients); err != nil {
		logger.Fatal().Err(err).Msg("seed assignments")
	}
	if err := seedRooms(ctx, pool, logger, roomCount); err != nil {
		logger.Fatal().Err(err).Msg("seed rooms")
	}

	logger.Info().Msg("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger, count int) ([]uuid.UUID, error) {
	logger.Info().Int("count", count).Msg("seeding doctors")

	ids := make([]uuid.UUID, 0, count)
	batch := &pgx.Batch{}
	for i := 0; i < count; i++ {
		id := uuid.New()
		// Fees between 500.00 and 3000.00 in steps of 50.
		fee := decimal.NewFromInt(int64(gofakeit.Number(10, 60)) * 50)
		batch.Queue(`
			INSERT INTO doctors (id, name, consultation_fee, is_active)
			VALUES ($1, $2, $3, TRUE)
		`, id, "Dr. "+gofakeit.Name(), fee)
		ids = append(ids, id)
	}

	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return nil, err
	}
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger, count int) ([]uuid.UUID, error) {
	logger.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500

	ids := make([]uuid.UUID, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		batch := &pgx.Batch{}
		for i := offset; i < end; i++ {
			id := uuid.New()
			batch.Queue(`
				INSERT INTO patients (id, name, email)
				VALUES ($1, $2, $3)
			`, id, gofakeit.Name(), gofakeit.Email())
			ids = append(ids, id)
		}
		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return nil, err
		}

		logger.Debug().Int("done", end).Int("total", count).Msg("patients seeded")
	}
	return ids, nil
}

func seedAssignments(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger, doctors, patients []uuid.UUID) error {
	logger.Info().Int("per_doctor", patientsPerDoctor).Msg("seeding doctor-patient assignments")

	batch := &pgx.Batch{}
	next := 0
	for _, d := range doctors {
		for i := 0; i < patientsPerDoctor && next < len(patients); i++ {
			batch.Queue(`
				INSERT INTO doctor_patient_assignments (doctor_id, patient_id, active)
				VALUES ($1, $2, TRUE)
				ON CONFLICT DO NOTHING
			`, d, patients[next])
			next++
		}
	}
	return pool.SendBatch(ctx, batch).Close()
}

func seedRooms(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger, count int) error {
	logger.Info().Int("count", count).Msg("seeding rooms")

	types := []string{"consultation", "consultation", "consultation", "event_hall", "virtual"}

	batch := &pgx.Batch{}
	for i := 0; i < count; i++ {
		rate := decimal.NewFromInt(int64(gofakeit.Number(2, 10)) * 50)
		batch.Queue(`
			INSERT INTO rooms (id, name, type, hourly_rate, is_active)
			VALUES ($1, $2, $3, $4, TRUE)
		`, uuid.New(), gofakeit.Color()+" Room", types[gofakeit.Number(0, len(types)-1)], rate)
	}
	return pool.SendBatch(ctx, batch).Close()
}

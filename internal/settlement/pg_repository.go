package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicflow/scheduling-core/internal/events"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

type pgTx struct {
	tx pgx.Tx
}

func (r *PgRepository) WithTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *PgRepository) ListCandidates(ctx context.Context, from, to time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id
		FROM appointments a
		WHERE a.status IN ('completed', 'confirmed')
		  AND a.start_time >= $1
		  AND a.start_time < $2
		  AND NOT EXISTS (
		      SELECT 1 FROM payouts p
		      WHERE p.appointment_id = a.id
		        AND p.status <> 'cancelled'
		  )
		ORDER BY a.start_time, a.id
	`, from, to)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (r *PgRepository) ListPayoutsByWeek(ctx context.Context, weekStart time.Time) ([]Payout, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, appointment_id, doctor_id, consultation_fee, room_rental_cost, doctor_payout,
		       clinic_revenue, platform_commission, status, week_start_date, needs_review,
		       review_reason, created_at
		FROM payouts
		WHERE week_start_date = $1
		ORDER BY doctor_id, created_at
	`, weekStart)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Payout, error) {
		var p Payout
		err := row.Scan(
			&p.ID,
			&p.AppointmentID,
			&p.DoctorID,
			&p.ConsultationFee,
			&p.RoomRentalCost,
			&p.DoctorPayout,
			&p.ClinicRevenue,
			&p.PlatformCommission,
			&p.Status,
			&p.WeekStartDate,
			&p.NeedsReview,
			&p.ReviewReason,
			&p.CreatedAt,
		)
		return p, err
	})
}

func (t *pgTx) LockAppointmentShared(ctx context.Context, id uuid.UUID) (*Candidate, error) {
	var c Candidate
	err := t.tx.QueryRow(ctx, `
		SELECT id, doctor_id, status, start_time
		FROM appointments
		WHERE id = $1
		FOR SHARE
	`, id).Scan(&c.AppointmentID, &c.DoctorID, &c.Status, &c.StartTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) HasActivePayout(ctx context.Context, appointmentID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payouts
			WHERE appointment_id = $1
			  AND status <> 'cancelled'
		)
	`, appointmentID).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertPayout(ctx context.Context, p *Payout) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO payouts (id, appointment_id, doctor_id, consultation_fee, room_rental_cost,
			doctor_payout, clinic_revenue, platform_commission, status, week_start_date,
			needs_review, review_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (appointment_id) WHERE status <> 'cancelled' DO NOTHING
	`, p.ID, p.AppointmentID, p.DoctorID, p.ConsultationFee, p.RoomRentalCost,
		p.DoctorPayout, p.ClinicRevenue, p.PlatformCommission, string(p.Status), p.WeekStartDate,
		p.NeedsReview, p.ReviewReason, p.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertEvent(ctx context.Context, ev events.Event) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, ev.EventType, ev.AppointmentID, ev.Payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

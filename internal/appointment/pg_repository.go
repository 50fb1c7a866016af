package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicflow/scheduling-core/internal/db"
	"github.com/clinicflow/scheduling-core/internal/events"
)

// dbtx is what both *pgxpool.Pool and pgx.Tx provide.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool *pgxpool.Pool
	q    dbtx
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, q: pool}
}

const appointmentColumns = `
	id, doctor_id, patient_id, room_id, start_time, end_time, is_virtual, status, notes,
	created_by, cancelled_by, cancelled_at, cancellation_reason, confirmed_at, completed_at,
	created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.RoomID,
		&a.StartTime,
		&a.EndTime,
		&a.IsVirtual,
		&a.Status,
		&a.Notes,
		&a.CreatedBy,
		&a.CancelledBy,
		&a.CancelledAt,
		&a.CancellationReason,
		&a.ConfirmedAt,
		&a.CompletedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Appointment, error) {
		a, err := scanAppointment(row)
		if err != nil {
			return Appointment{}, err
		}
		return *a, nil
	})
}

// Interface methods

func (r *PgRepository) WithTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &PgRepository{pool: r.pool, q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if db.IsUniqueViolation(err) {
			return ErrSlotTaken
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

// GetAppointmentForUpdate takes FOR NO KEY UPDATE: it still excludes writers and the
// settlement FOR SHARE lock, but lets FK checks from credit and payout inserts through.
func (r *PgRepository) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR NO KEY UPDATE
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListActiveOverlapping(ctx context.Context, kind ResourceKind, resourceID uuid.UUID, start, end time.Time) ([]Appointment, error) {
	column := "doctor_id"
	if kind == ResourceRoom {
		column = "room_id"
	}

	rows, err := r.q.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE `+column+` = $1
		  AND status NOT IN ('cancelled', 'no_show')
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, resourceID, start, end)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) InsertAppointment(ctx context.Context, a *Appointment) error {
	row := r.q.QueryRow(ctx, `
		INSERT INTO appointments (id, doctor_id, patient_id, room_id, start_time, end_time, is_virtual,
			status, notes, created_by, confirmed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING `+appointmentColumns,
		a.ID, a.DoctorID, a.PatientID, a.RoomID, a.StartTime, a.EndTime, a.IsVirtual,
		string(a.Status), a.Notes, a.CreatedBy, a.ConfirmedAt, a.CreatedAt)

	inserted, err := scanAppointment(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrSlotTaken
		}
		return fmt.Errorf("insert appointment: %w", err)
	}

	*a = *inserted
	return nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from AppointmentStatus, change StatusChange) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $3::text,
		    updated_at = $4,
		    confirmed_at = CASE WHEN $3::text = 'confirmed' THEN COALESCE(confirmed_at, $4) ELSE confirmed_at END,
		    completed_at = CASE WHEN $3::text = 'completed' THEN $4 ELSE completed_at END,
		    cancelled_at = CASE WHEN $3::text = 'cancelled' THEN $4 ELSE cancelled_at END,
		    cancelled_by = CASE WHEN $3::text = 'cancelled' THEN $5::text ELSE cancelled_by END,
		    cancellation_reason = CASE WHEN $3::text = 'cancelled' THEN $6::text ELSE cancellation_reason END
		WHERE id = $1
		  AND status = $2::text
		RETURNING `+appointmentColumns,
		id, string(from), string(change.To), change.At, change.Actor, change.Reason)

	updated, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, ErrStatusChanged
	}
	if err != nil {
		return nil, fmt.Errorf("update appointment status: %w", err)
	}
	return updated, nil
}

func (r *PgRepository) FindNoShowCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status IN ('pending', 'confirmed')
		  AND end_time < $1
		ORDER BY end_time
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev events.Event) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PgDirectory reads the collaborator-owned tables from the shared database.
type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

func (d *PgDirectory) IsAssigned(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	var ok bool
	err := d.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM doctor_patient_assignments
			WHERE doctor_id = $1 AND patient_id = $2 AND active
		)
	`, doctorID, patientID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query assignment: %w", err)
	}
	return ok, nil
}

func (d *PgDirectory) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	var doc Doctor
	err := d.pool.QueryRow(ctx, `
		SELECT id, name, consultation_fee, is_active
		FROM doctors
		WHERE id = $1
	`, id).Scan(&doc.ID, &doc.Name, &doc.ConsultationFee, &doc.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, fmt.Errorf("query doctor: %w", err)
	}
	return &doc, nil
}

func (d *PgDirectory) GetRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	var room Room
	err := d.pool.QueryRow(ctx, `
		SELECT id, name, type, hourly_rate, is_active
		FROM rooms
		WHERE id = $1
	`, id).Scan(&room.ID, &room.Name, &room.Type, &room.HourlyRate, &room.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("query room: %w", err)
	}
	return &room, nil
}

func (d *PgDirectory) RoomRental(ctx context.Context, appointmentID uuid.UUID) (decimal.Decimal, bool, error) {
	var (
		total decimal.Decimal
		found bool
	)
	err := d.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_price), 0), COUNT(*) > 0
		FROM room_rentals
		WHERE appointment_id = $1
	`, appointmentID).Scan(&total, &found)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("query room rental: %w", err)
	}
	return total, found, nil
}

// PaymentFor returns the most recent payment row. No row means nothing was paid yet.
func (d *PgDirectory) PaymentFor(ctx context.Context, appointmentID uuid.UUID) (Payment, error) {
	var (
		p      Payment
		amount decimal.NullDecimal
	)
	err := d.pool.QueryRow(ctx, `
		SELECT status, amount
		FROM payments
		WHERE appointment_id = $1
		ORDER BY (status = 'paid') DESC, updated_at DESC
		LIMIT 1
	`, appointmentID).Scan(&p.Status, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{Status: PaymentPending}, nil
		}
		return Payment{}, fmt.Errorf("query payment: %w", err)
	}
	if amount.Valid {
		a := amount.Decimal
		p.Amount = &a
	}
	return p, nil
}

func (d *PgDirectory) IssueCredit(ctx context.Context, req CreditRequest) (*Credit, error) {
	var c Credit
	err := d.pool.QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO patient_credits (id, appointment_id, patient_id, amount, reason)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (appointment_id) DO NOTHING
			RETURNING id, appointment_id, amount, created_at
		)
		SELECT id, appointment_id, amount, created_at FROM ins
		UNION ALL
		SELECT id, appointment_id, amount, created_at FROM patient_credits WHERE appointment_id = $2
		LIMIT 1
	`, uuid.New(), req.AppointmentID, req.PatientID, req.Amount, req.Reason).Scan(&c.ID, &c.AppointmentID, &c.Amount, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("issue credit: %w", err)
	}
	return &c, nil
}

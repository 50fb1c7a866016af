// Package directory holds the narrow interfaces through which the scheduling core talks
// to the collaborators it does not own: the relationship directory, the facilities and
// doctor directories, and the payment ledger.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrDoctorNotFound = errors.New("doctor not found")
	ErrRoomNotFound   = errors.New("room not found")
)

type RoomType string

const (
	RoomConsultation RoomType = "consultation"
	RoomEventHall    RoomType = "event_hall"
	RoomVirtual      RoomType = "virtual"
)

type Room struct {
	ID         uuid.UUID
	Name       string
	Type       RoomType
	HourlyRate decimal.Decimal
	IsActive   bool
}

type Doctor struct {
	ID              uuid.UUID
	Name            string
	ConsultationFee decimal.Decimal
	IsActive        bool
}

type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "paid"
	PaymentPending PaymentStatus = "pending"
	PaymentFailed  PaymentStatus = "failed"
)

// Payment is the ledger's view of an appointment. Amount is nil when the ledger has no
// settled amount recorded.
type Payment struct {
	Status PaymentStatus
	Amount *decimal.Decimal
}

type CreditRequest struct {
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	Amount        decimal.Decimal
	Reason        string
}

type Credit struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	Amount        decimal.Decimal
	CreatedAt     time.Time
}

type Relationships interface {
	// IsAssigned reports whether an active assignment links patient to doctor.
	IsAssigned(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error)
}

type Doctors interface {
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
}

type Facilities interface {
	GetRoom(ctx context.Context, id uuid.UUID) (*Room, error)
	// RoomRental returns the total price of the rental linked to the appointment, if any.
	RoomRental(ctx context.Context, appointmentID uuid.UUID) (decimal.Decimal, bool, error)
}

type PaymentLedger interface {
	PaymentFor(ctx context.Context, appointmentID uuid.UUID) (Payment, error)
	// IssueCredit is idempotent per appointment: a second call returns the first credit.
	IssueCredit(ctx context.Context, req CreditRequest) (*Credit, error)
}

// Directory bundles every collaborator the core consumes.
type Directory interface {
	Relationships
	Doctors
	Facilities
	PaymentLedger
}

package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/scheduling-core/internal/events"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	// ErrSlotTaken is returned by InsertAppointment when the storage-level uniqueness
	// guard rejects a second active booking of the same doctor or room slot.
	ErrSlotTaken = errors.New("resource already booked for this slot")
	// ErrStatusChanged is returned when a compare-and-set status update finds the row
	// no longer in the expected state.
	ErrStatusChanged = errors.New("appointment status changed concurrently")
)

// Querier is the set of reads and writes available both on the pool and inside a transaction.
type Querier interface {
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetAppointmentForUpdate locks the row until the surrounding transaction ends.
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// For conflict checks: active appointments of the resource overlapping [start, end).
	ListActiveOverlapping(ctx context.Context, kind ResourceKind, resourceID uuid.UUID, start, end time.Time) ([]Appointment, error)

	InsertAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from AppointmentStatus, change StatusChange) (*Appointment, error)

	InsertEvent(ctx context.Context, ev events.Event) error
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	Querier

	// WithTx runs fn in one transaction; fn's error rolls everything back.
	WithTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error

	// No-show sweep: pending/confirmed appointments that ended before cutoff.
	FindNoShowCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Appointment, error)
}

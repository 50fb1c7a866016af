package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/scheduling-core/internal/events"
)

var ErrAppointmentNotFound = errors.New("appointment not found")

// Querier is what one settlement item needs inside its transaction.
type Querier interface {
	// LockAppointmentShared holds a FOR SHARE lock so a concurrent cancellation waits
	// for the item to finish.
	LockAppointmentShared(ctx context.Context, id uuid.UUID) (*Candidate, error)
	HasActivePayout(ctx context.Context, appointmentID uuid.UUID) (bool, error)
	// InsertPayout reports false when a non-cancelled payout already exists.
	InsertPayout(ctx context.Context, p *Payout) (bool, error)
	InsertEvent(ctx context.Context, ev events.Event) error
}

type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error

	// ListCandidates returns completed or confirmed appointments starting in [from, to)
	// that have no non-cancelled payout yet, oldest first.
	ListCandidates(ctx context.Context, from, to time.Time) ([]uuid.UUID, error)
	ListPayoutsByWeek(ctx context.Context, weekStart time.Time) ([]Payout, error)
}

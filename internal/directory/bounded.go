package directory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Bounded caps every collaborator call at a fixed timeout. It never retries: retry
// policy belongs to the caller of the core.
type Bounded struct {
	next    Directory
	timeout time.Duration
}

func NewBounded(next Directory, timeout time.Duration) *Bounded {
	return &Bounded{next: next, timeout: timeout}
}

func (b *Bounded) IsAssigned(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.next.IsAssigned(ctx, doctorID, patientID)
}

func (b *Bounded) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.next.GetDoctor(ctx, id)
}

func (b *Bounded) GetRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.next.GetRoom(ctx, id)
}

func (b *Bounded) RoomRental(ctx context.Context, appointmentID uuid.UUID) (decimal.Decimal, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.next.RoomRental(ctx, appointmentID)
}

func (b *Bounded) PaymentFor(ctx context.Context, appointmentID uuid.UUID) (Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.next.PaymentFor(ctx, appointmentID)
}

func (b *Bounded) IssueCredit(ctx context.Context, req CreditRequest) (*Credit, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.next.IssueCredit(ctx, req)
}

package clinictest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinicflow/scheduling-core/internal/directory"
)

type assignment struct {
	doctor, patient uuid.UUID
}

// Directory is an in-memory directory.Directory. Err fails every call; PaymentErr and
// CreditErr fail only the ledger.
type Directory struct {
	mu          sync.Mutex
	doctors     map[uuid.UUID]directory.Doctor
	rooms       map[uuid.UUID]directory.Room
	assignments map[assignment]bool
	payments    map[uuid.UUID]directory.Payment
	rentals     map[uuid.UUID]decimal.Decimal
	credits     map[uuid.UUID]directory.Credit

	Err        error
	PaymentErr error
	CreditErr  error
	// CreditCalls counts IssueCredit invocations, including repeated ones.
	CreditCalls int
	// PaymentDelay slows every PaymentFor call, honouring ctx.
	PaymentDelay time.Duration
}

var _ directory.Directory = (*Directory)(nil)

func NewDirectory() *Directory {
	return &Directory{
		doctors:     make(map[uuid.UUID]directory.Doctor),
		rooms:       make(map[uuid.UUID]directory.Room),
		assignments: make(map[assignment]bool),
		payments:    make(map[uuid.UUID]directory.Payment),
		rentals:     make(map[uuid.UUID]decimal.Decimal),
		credits:     make(map[uuid.UUID]directory.Credit),
	}
}

// AddDoctor registers an active doctor with the given consultation fee.
func (d *Directory) AddDoctor(fee string) uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := uuid.New()
	d.doctors[id] = directory.Doctor{ID: id, Name: "Dr. " + id.String()[:8], ConsultationFee: decimal.RequireFromString(fee), IsActive: true}
	return id
}

func (d *Directory) SetDoctorActive(id uuid.UUID, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc := d.doctors[id]
	doc.IsActive = active
	d.doctors[id] = doc
}

func (d *Directory) AddRoom(roomType directory.RoomType, active bool) uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := uuid.New()
	d.rooms[id] = directory.Room{ID: id, Name: "Room " + id.String()[:4], Type: roomType, HourlyRate: decimal.NewFromInt(30000), IsActive: active}
	return id
}

func (d *Directory) Assign(doctorID, patientID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assignments[assignment{doctorID, patientID}] = true
}

// SetPayment records the ledger state; an empty amount means none was recorded.
func (d *Directory) SetPayment(appointmentID uuid.UUID, status directory.PaymentStatus, amount string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := directory.Payment{Status: status}
	if amount != "" {
		v := decimal.RequireFromString(amount)
		p.Amount = &v
	}
	d.payments[appointmentID] = p
}

func (d *Directory) SetRental(appointmentID uuid.UUID, total string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rentals[appointmentID] = decimal.RequireFromString(total)
}

func (d *Directory) Credits() []directory.Credit {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]directory.Credit, 0, len(d.credits))
	for _, c := range d.credits {
		out = append(out, c)
	}
	return out
}

func (d *Directory) IsAssigned(_ context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return false, d.Err
	}
	return d.assignments[assignment{doctorID, patientID}], nil
}

func (d *Directory) GetDoctor(_ context.Context, id uuid.UUID) (*directory.Doctor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	doc, ok := d.doctors[id]
	if !ok {
		return nil, directory.ErrDoctorNotFound
	}
	return &doc, nil
}

func (d *Directory) GetRoom(_ context.Context, id uuid.UUID) (*directory.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	room, ok := d.rooms[id]
	if !ok {
		return nil, directory.ErrRoomNotFound
	}
	return &room, nil
}

func (d *Directory) RoomRental(_ context.Context, appointmentID uuid.UUID) (decimal.Decimal, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return decimal.Zero, false, d.Err
	}
	total, ok := d.rentals[appointmentID]
	if !ok {
		return decimal.Zero, false, nil
	}
	return total, true, nil
}

func (d *Directory) PaymentFor(ctx context.Context, appointmentID uuid.UUID) (directory.Payment, error) {
	if d.PaymentDelay > 0 {
		select {
		case <-time.After(d.PaymentDelay):
		case <-ctx.Done():
			return directory.Payment{}, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return directory.Payment{}, d.Err
	}
	if d.PaymentErr != nil {
		return directory.Payment{}, d.PaymentErr
	}
	p, ok := d.payments[appointmentID]
	if !ok {
		return directory.Payment{Status: directory.PaymentPending}, nil
	}
	return p, nil
}

func (d *Directory) IssueCredit(_ context.Context, req directory.CreditRequest) (*directory.Credit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CreditCalls++
	if d.Err != nil {
		return nil, d.Err
	}
	if d.CreditErr != nil {
		return nil, d.CreditErr
	}
	if c, ok := d.credits[req.AppointmentID]; ok {
		return &c, nil
	}
	c := directory.Credit{
		ID:            uuid.New(),
		AppointmentID: req.AppointmentID,
		Amount:        req.Amount,
		CreatedAt:     time.Now(),
	}
	d.credits[req.AppointmentID] = c
	return &c, nil
}

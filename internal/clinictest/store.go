// Package clinictest provides in-memory stand-ins for the Postgres repositories and the
// collaborator directory, for use in tests.
package clinictest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/scheduling-core/internal/appointment"
	"github.com/clinicflow/scheduling-core/internal/events"
	"github.com/clinicflow/scheduling-core/internal/settlement"
)

type data struct {
	appointments map[uuid.UUID]appointment.Appointment
	payouts      []settlement.Payout
	events       []events.Event
	nextEventID  int64

	// written holds the appointments a transaction inserted or updated.
	written map[uuid.UUID]bool
}

func (d *data) clone() *data {
	c := &data{
		appointments: make(map[uuid.UUID]appointment.Appointment, len(d.appointments)),
		payouts:      append([]settlement.Payout(nil), d.payouts...),
		events:       append([]events.Event(nil), d.events...),
		nextEventID:  d.nextEventID,
		written:      make(map[uuid.UUID]bool),
	}
	for id, a := range d.appointments {
		c.appointments[id] = a
	}
	return c
}

// Store is an in-memory database shared by the appointment and settlement views.
// Each transaction works on a snapshot and merges its writes on commit, so a failed
// callback leaves nothing behind. The commit re-checks the partial unique indexes on
// active doctor and room slots and on active payouts against the committed state, and
// status updates are compare-and-set against it.
//
// NewStore serializes transactions. NewConcurrentStore lets them overlap, so only the
// caller's locking and the unique indexes keep concurrent writers apart.
type Store struct {
	tx         sync.Mutex
	mu         sync.Mutex
	data       *data
	concurrent bool

	// EventErr, when set, makes every InsertEvent fail.
	EventErr error
	// DisableSlotIndex turns off the doctor/room slot unique indexes.
	DisableSlotIndex bool
}

func NewStore() *Store {
	return &Store{data: &data{
		appointments: make(map[uuid.UUID]appointment.Appointment),
		written:      make(map[uuid.UUID]bool),
	}}
}

func NewConcurrentStore() *Store {
	s := NewStore()
	s.concurrent = true
	return s
}

func (s *Store) Appointments() *AppointmentRepo {
	return &AppointmentRepo{store: s}
}

func (s *Store) Settlement() *SettlementRepo {
	return &SettlementRepo{store: s}
}

// Put stores a without any checks.
func (s *Store) Put(a appointment.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.appointments[a.ID] = a
}

func (s *Store) Appointment(id uuid.UUID) (appointment.Appointment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.data.appointments[id]
	return a, ok
}

// ActiveAt counts active appointments of doctorID starting at start.
func (s *Store) ActiveAt(doctorID uuid.UUID, start time.Time) int {
	return s.countActive(start, func(a appointment.Appointment) bool { return a.DoctorID == doctorID })
}

// ActiveInRoom counts active appointments in roomID starting at start.
func (s *Store) ActiveInRoom(roomID uuid.UUID, start time.Time) int {
	return s.countActive(start, func(a appointment.Appointment) bool { return a.RoomID != nil && *a.RoomID == roomID })
}

func (s *Store) countActive(start time.Time, match func(appointment.Appointment) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.data.appointments {
		if match(a) && a.StartTime.Equal(start) && a.Status.Active() {
			n++
		}
	}
	return n
}

func (s *Store) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.data.events...)
}

func (s *Store) Payouts() []settlement.Payout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]settlement.Payout(nil), s.data.payouts...)
}

// SetPayoutStatus mimics an operator marking a payout processed or cancelled.
func (s *Store) SetPayoutStatus(appointmentID uuid.UUID, status settlement.PayoutStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.payouts {
		if s.data.payouts[i].AppointmentID == appointmentID {
			s.data.payouts[i].Status = status
		}
	}
}

// read runs fn against the committed state.
func (s *Store) read(fn func(d *data)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.data)
}

func (s *Store) withTx(ctx context.Context, fn func(d *data) error) error {
	if !s.concurrent {
		s.tx.Lock()
		defer s.tx.Unlock()
	}

	s.mu.Lock()
	snapshot := s.data.clone()
	work := s.data.clone()
	s.mu.Unlock()

	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(snapshot, work)
}

// commit merges work into the committed state. It fails without changing anything when
// a written row moved on since the snapshot or an insert now collides with a slot taken
// by another transaction.
func (s *Store) commit(snapshot, work *data) error {
	for id := range work.written {
		a := work.appointments[id]
		before, existed := snapshot.appointments[id]
		current, exists := s.data.appointments[id]

		if existed {
			if !exists || current.Status != before.Status {
				return appointment.ErrStatusChanged
			}
			continue
		}
		if err := s.checkSlot(s.data, a); err != nil {
			return err
		}
	}

	var payouts []settlement.Payout
	for _, p := range work.payouts[len(snapshot.payouts):] {
		if hasActivePayout(s.data, p.AppointmentID) {
			continue
		}
		payouts = append(payouts, p)
	}

	for id := range work.written {
		s.data.appointments[id] = work.appointments[id]
	}
	s.data.payouts = append(s.data.payouts, payouts...)
	for _, ev := range work.events[len(snapshot.events):] {
		s.data.nextEventID++
		ev.ID = s.data.nextEventID
		s.data.events = append(s.data.events, ev)
	}
	return nil
}

// checkSlot emulates the partial unique indexes on (doctor_id, start_time) and
// (room_id, start_time) over active appointments.
func (s *Store) checkSlot(d *data, a appointment.Appointment) error {
	if s.DisableSlotIndex || !a.Status.Active() {
		return nil
	}
	for _, existing := range d.appointments {
		if existing.ID == a.ID || !existing.Status.Active() || !existing.StartTime.Equal(a.StartTime) {
			continue
		}
		if existing.DoctorID == a.DoctorID {
			return appointment.ErrSlotTaken
		}
		if a.RoomID != nil && existing.RoomID != nil && *existing.RoomID == *a.RoomID {
			return appointment.ErrSlotTaken
		}
	}
	return nil
}

func (s *Store) insertEvent(d *data, ev events.Event) error {
	if s.EventErr != nil {
		return s.EventErr
	}
	d.nextEventID++
	ev.ID = d.nextEventID
	d.events = append(d.events, ev)
	return nil
}

func sortByStart(list []appointment.Appointment) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].StartTime.Equal(list[j].StartTime) {
			return list[i].ID.String() < list[j].ID.String()
		}
		return list[i].StartTime.Before(list[j].StartTime)
	})
}

package clinictest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/scheduling-core/internal/appointment"
	"github.com/clinicflow/scheduling-core/internal/events"
)

// AppointmentRepo implements appointment.Repository over a Store.
type AppointmentRepo struct {
	store *Store
}

var _ appointment.Repository = (*AppointmentRepo)(nil)

func (r *AppointmentRepo) WithTx(ctx context.Context, fn func(ctx context.Context, q appointment.Querier) error) error {
	return r.store.withTx(ctx, func(d *data) error {
		return fn(ctx, &apptQuerier{store: r.store, d: d})
	})
}

func (r *AppointmentRepo) GetAppointmentByID(ctx context.Context, id uuid.UUID) (a *appointment.Appointment, err error) {
	r.store.read(func(d *data) {
		a, err = (&apptQuerier{store: r.store, d: d}).GetAppointmentByID(ctx, id)
	})
	return a, err
}

func (r *AppointmentRepo) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return r.GetAppointmentByID(ctx, id)
}

func (r *AppointmentRepo) ListActiveOverlapping(ctx context.Context, kind appointment.ResourceKind, resourceID uuid.UUID, start, end time.Time) (list []appointment.Appointment, err error) {
	r.store.read(func(d *data) {
		list, err = (&apptQuerier{store: r.store, d: d}).ListActiveOverlapping(ctx, kind, resourceID, start, end)
	})
	return list, err
}

func (r *AppointmentRepo) InsertAppointment(ctx context.Context, a *appointment.Appointment) (err error) {
	r.store.read(func(d *data) {
		err = (&apptQuerier{store: r.store, d: d}).InsertAppointment(ctx, a)
	})
	return err
}

func (r *AppointmentRepo) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from appointment.AppointmentStatus, change appointment.StatusChange) (a *appointment.Appointment, err error) {
	r.store.read(func(d *data) {
		a, err = (&apptQuerier{store: r.store, d: d}).UpdateAppointmentStatus(ctx, id, from, change)
	})
	return a, err
}

func (r *AppointmentRepo) InsertEvent(ctx context.Context, ev events.Event) (err error) {
	r.store.read(func(d *data) {
		err = r.store.insertEvent(d, ev)
	})
	return err
}

func (r *AppointmentRepo) FindNoShowCandidates(_ context.Context, cutoff time.Time, limit int) ([]appointment.Appointment, error) {
	var out []appointment.Appointment
	r.store.read(func(d *data) {
		for _, a := range d.appointments {
			if (a.Status == appointment.StatusPending || a.Status == appointment.StatusConfirmed) && a.EndTime.Before(cutoff) {
				out = append(out, a)
			}
		}
	})
	sortByStart(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type apptQuerier struct {
	store *Store
	d     *data
}

func (q *apptQuerier) GetAppointmentByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	a, ok := q.d.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &a, nil
}

func (q *apptQuerier) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return q.GetAppointmentByID(ctx, id)
}

func (q *apptQuerier) ListActiveOverlapping(_ context.Context, kind appointment.ResourceKind, resourceID uuid.UUID, start, end time.Time) ([]appointment.Appointment, error) {
	var out []appointment.Appointment
	for _, a := range q.d.appointments {
		if !a.Status.Active() || !holds(a, kind, resourceID) {
			continue
		}
		if appointment.Overlaps(start, end, a.StartTime, a.EndTime) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return out, nil
}

func holds(a appointment.Appointment, kind appointment.ResourceKind, id uuid.UUID) bool {
	if kind == appointment.ResourceRoom {
		return a.RoomID != nil && *a.RoomID == id
	}
	return a.DoctorID == id
}

func (q *apptQuerier) InsertAppointment(_ context.Context, a *appointment.Appointment) error {
	if err := q.store.checkSlot(q.d, *a); err != nil {
		return err
	}
	q.d.appointments[a.ID] = *a
	q.d.written[a.ID] = true
	return nil
}

func (q *apptQuerier) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from appointment.AppointmentStatus, change appointment.StatusChange) (*appointment.Appointment, error) {
	a, ok := q.d.appointments[id]
	if !ok || a.Status != from {
		return nil, appointment.ErrStatusChanged
	}
	updated := change.Apply(a)
	q.d.appointments[id] = updated
	q.d.written[id] = true
	return &updated, nil
}

func (q *apptQuerier) InsertEvent(_ context.Context, ev events.Event) error {
	return q.store.insertEvent(q.d, ev)
}

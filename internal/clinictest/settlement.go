package clinictest

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/scheduling-core/internal/appointment"
	"github.com/clinicflow/scheduling-core/internal/events"
	"github.com/clinicflow/scheduling-core/internal/settlement"
)

// SettlementRepo implements settlement.Repository over a Store.
type SettlementRepo struct {
	store *Store
}

var _ settlement.Repository = (*SettlementRepo)(nil)

func (r *SettlementRepo) WithTx(ctx context.Context, fn func(ctx context.Context, q settlement.Querier) error) error {
	return r.store.withTx(ctx, func(d *data) error {
		return fn(ctx, &settleQuerier{store: r.store, d: d})
	})
}

func (r *SettlementRepo) ListCandidates(_ context.Context, from, to time.Time) ([]uuid.UUID, error) {
	var list []appointment.Appointment
	r.store.read(func(d *data) {
		for _, a := range d.appointments {
			if a.Status != appointment.StatusCompleted && a.Status != appointment.StatusConfirmed {
				continue
			}
			if a.StartTime.Before(from) || !a.StartTime.Before(to) {
				continue
			}
			if hasActivePayout(d, a.ID) {
				continue
			}
			list = append(list, a)
		}
	})
	sortByStart(list)

	ids := make([]uuid.UUID, 0, len(list))
	for _, a := range list {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (r *SettlementRepo) ListPayoutsByWeek(_ context.Context, weekStart time.Time) ([]settlement.Payout, error) {
	var out []settlement.Payout
	r.store.read(func(d *data) {
		for _, p := range d.payouts {
			if p.WeekStartDate.Equal(weekStart) {
				out = append(out, p)
			}
		}
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DoctorID.String() < out[j].DoctorID.String()
	})
	return out, nil
}

func hasActivePayout(d *data, appointmentID uuid.UUID) bool {
	for _, p := range d.payouts {
		if p.AppointmentID == appointmentID && p.Status != settlement.PayoutCancelled {
			return true
		}
	}
	return false
}

type settleQuerier struct {
	store *Store
	d     *data
}

func (q *settleQuerier) LockAppointmentShared(_ context.Context, id uuid.UUID) (*settlement.Candidate, error) {
	a, ok := q.d.appointments[id]
	if !ok {
		return nil, settlement.ErrAppointmentNotFound
	}
	return &settlement.Candidate{
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		Status:        string(a.Status),
		StartTime:     a.StartTime,
	}, nil
}

func (q *settleQuerier) HasActivePayout(_ context.Context, appointmentID uuid.UUID) (bool, error) {
	return hasActivePayout(q.d, appointmentID), nil
}

func (q *settleQuerier) InsertPayout(_ context.Context, p *settlement.Payout) (bool, error) {
	if hasActivePayout(q.d, p.AppointmentID) {
		return false, nil
	}
	q.d.payouts = append(q.d.payouts, *p)
	return true, nil
}

func (q *settleQuerier) InsertEvent(_ context.Context, ev events.Event) error {
	return q.store.insertEvent(q.d, ev)
}

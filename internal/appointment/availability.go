package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/scheduling-core/internal/apperrors"
	"github.com/clinicflow/scheduling-core/internal/clock"
	"github.com/clinicflow/scheduling-core/internal/directory"
)

// Overlaps uses half-open intervals: [10:00, 11:00) and [11:00, 12:00) do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// FreeSlots returns the slot starts of date that are strictly after now and do not
// overlap any active appointment in busy. The result is ascending.
func FreeSlots(w clock.Window, date, now time.Time, busy []Appointment) []time.Time {
	free := make([]time.Time, 0)

	for _, start := range w.SlotStarts(date) {
		if !start.After(now) {
			continue
		}
		end := w.EndOf(start)

		taken := false
		for _, a := range busy {
			if a.Status.Active() && Overlaps(start, end, a.StartTime, a.EndTime) {
				taken = true
				break
			}
		}
		if !taken {
			free = append(free, start)
		}
	}

	return free
}

// CheckConflict returns a conflict error when the resource already holds an active
// appointment overlapping [start, end).
func CheckConflict(ctx context.Context, q Querier, kind ResourceKind, id uuid.UUID, start, end time.Time) error {
	existing, err := q.ListActiveOverlapping(ctx, kind, id, start, end)
	if err != nil {
		return fmt.Errorf("check %s conflict: %w", kind, err)
	}

	for _, a := range existing {
		if a.Status.Active() && Overlaps(start, end, a.StartTime, a.EndTime) {
			return apperrors.Conflict("%s is already booked at %s", kind, start.Format(time.RFC3339))
		}
	}
	return nil
}

// Availability lists the doctor's free slots on the clinic-local calendar day of date.
func (s *Service) Availability(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]time.Time, error) {
	if doctorID == uuid.Nil {
		return nil, apperrors.Validation("doctor_id is required")
	}
	if date.IsZero() {
		return nil, apperrors.Validation("date is required")
	}

	doc, err := s.dir.GetDoctor(ctx, doctorID)
	if err != nil {
		if errors.Is(err, directory.ErrDoctorNotFound) {
			return nil, apperrors.NotFound("doctor %s not found", doctorID)
		}
		return nil, upstream(err, "doctor directory unavailable")
	}
	// Same answer as booking gives, so an inactive doctor never shows open slots.
	if !doc.IsActive {
		return nil, apperrors.NotFound("doctor %s not found", doctorID)
	}

	dayStart, dayEnd := s.opts.Window.DayBounds(date)
	busy, err := s.repo.ListActiveOverlapping(ctx, ResourceDoctor, doctorID, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("list doctor appointments: %w", err)
	}

	return FreeSlots(s.opts.Window, date, s.opts.Clock.Now(), busy), nil
}

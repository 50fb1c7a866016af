package appointment

import (
	"github.com/clinicflow/scheduling-core/internal/apperrors"
	"github.com/clinicflow/scheduling-core/internal/auth"
)

// transitions lists every legal from -> to step. Completed, cancelled and no_show have
// no outgoing edges.
var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled, StatusNoShow},
	StatusConfirmed: {StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow},
}

func (s AppointmentStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

func CanTransition(from, to AppointmentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(a *Appointment, to AppointmentStatus) error {
	if a.Status.Terminal() {
		return apperrors.IllegalTransition("appointment is already %s", a.Status)
	}
	if !CanTransition(a.Status, to) {
		return apperrors.IllegalTransition("cannot move appointment from %s to %s", a.Status, to)
	}
	return nil
}

type action string

const (
	actionView     action = "view"
	actionConfirm  action = "confirm"
	actionCancel   action = "cancel"
	actionComplete action = "complete"
	actionNoShow   action = "mark as no-show"
)

// authorize applies the core's own ownership rules on top of the caller's roles.
// Staff, admins and the system principal may act on any appointment.
func authorize(p auth.Principal, a *Appointment, act action) error {
	if p.Privileged() {
		return nil
	}
	isPatient := p.HasAny(auth.RolePatient) && p.UserID == a.PatientID
	isDoctor := p.HasAny(auth.RoleDoctor) && p.UserID == a.DoctorID

	var ok bool
	switch act {
	case actionView, actionCancel:
		ok = isPatient || isDoctor
	case actionConfirm:
		ok = isPatient
	case actionComplete:
		ok = isDoctor
	}
	if !ok {
		return apperrors.Forbidden("not allowed to %s this appointment", act)
	}
	return nil
}

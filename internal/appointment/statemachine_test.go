package appointment

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/clinicflow/scheduling-core/internal/apperrors"
	"github.com/clinicflow/scheduling-core/internal/auth"
)

func TestCanTransition(t *testing.T) {
	all := []AppointmentStatus{StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow}
	allowed := map[[2]AppointmentStatus]bool{
		{StatusPending, StatusConfirmed}:   true,
		{StatusPending, StatusCancelled}:   true,
		{StatusPending, StatusNoShow}:      true,
		{StatusConfirmed, StatusConfirmed}: true,
		{StatusConfirmed, StatusCompleted}: true,
		{StatusConfirmed, StatusCancelled}: true,
		{StatusConfirmed, StatusNoShow}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]AppointmentStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("%s -> %s: expected %v, got %v", from, to, want, got)
			}
		}
	}
}

func TestCheckTransition_TerminalStates(t *testing.T) {
	for _, s := range []AppointmentStatus{StatusCompleted, StatusCancelled, StatusNoShow} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		err := checkTransition(&Appointment{Status: s}, StatusCancelled)
		if !errors.Is(err, apperrors.ErrIllegalTransition) {
			t.Errorf("%s -> cancelled: expected illegal transition, got %v", s, err)
		}
	}
}

func TestAuthorize(t *testing.T) {
	patient, doctor := uuid.New(), uuid.New()
	a := &Appointment{PatientID: patient, DoctorID: doctor}

	owner := auth.Principal{UserID: patient, Roles: []auth.Role{auth.RolePatient}}
	theDoctor := auth.Principal{UserID: doctor, Roles: []auth.Role{auth.RoleDoctor}}
	otherDoctor := auth.Principal{UserID: uuid.New(), Roles: []auth.Role{auth.RoleDoctor}}
	admin := auth.Principal{UserID: uuid.New(), Roles: []auth.Role{auth.RoleAdmin}}

	tests := []struct {
		who  string
		p    auth.Principal
		act  action
		want bool
	}{
		{"owner views", owner, actionView, true},
		{"owner confirms", owner, actionConfirm, true},
		{"owner cancels", owner, actionCancel, true},
		{"owner completes", owner, actionComplete, false},
		{"doctor cancels", theDoctor, actionCancel, true},
		{"doctor confirms", theDoctor, actionConfirm, false},
		{"doctor completes", theDoctor, actionComplete, true},
		{"other doctor views", otherDoctor, actionView, false},
		{"doctor marks no-show", theDoctor, actionNoShow, false},
		{"admin completes", admin, actionComplete, true},
		{"system marks no-show", auth.System(), actionNoShow, true},
	}

	for _, tt := range tests {
		t.Run(tt.who, func(t *testing.T) {
			err := authorize(tt.p, a, tt.act)
			if tt.want && err != nil {
				t.Fatalf("expected allowed, got %v", err)
			}
			if !tt.want && !errors.Is(err, apperrors.ErrForbidden) {
				t.Fatalf("expected forbidden, got %v", err)
			}
		})
	}
}

func TestStatusChange_Apply(t *testing.T) {
	a := Appointment{Status: StatusConfirmed}
	got := StatusChange{To: StatusCancelled, Actor: "someone", Reason: "late"}.Apply(a)

	if got.Status != StatusCancelled || *got.CancelledBy != "someone" || *got.CancellationReason != "late" {
		t.Fatalf("unexpected result %+v", got)
	}
	if a.Status != StatusConfirmed {
		t.Fatal("Apply must not modify its argument")
	}
}

package appointment

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

// Active reports whether an appointment in this status still occupies its doctor and room.
func (s AppointmentStatus) Active() bool {
	return s != StatusCancelled && s != StatusNoShow
}

// ResourceKind names what a conflict check is scoped to.
type ResourceKind string

const (
	ResourceDoctor ResourceKind = "doctor"
	ResourceRoom   ResourceKind = "room"
)

type Appointment struct {
	ID                 uuid.UUID
	DoctorID           uuid.UUID
	PatientID          uuid.UUID
	RoomID             *uuid.UUID
	StartTime          time.Time
	EndTime            time.Time
	IsVirtual          bool
	Status             AppointmentStatus
	Notes              string
	CreatedBy          string
	CancelledBy        *string
	CancelledAt        *time.Time
	CancellationReason *string
	ConfirmedAt        *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// StatusChange is one state-machine step plus the audit fields it stamps.
type StatusChange struct {
	To     AppointmentStatus
	At     time.Time
	Actor  string
	Reason string
}

// Apply returns a copy of a with the change stamped, mirroring the SQL in UpdateAppointmentStatus.
func (c StatusChange) Apply(a Appointment) Appointment {
	a.Status = c.To
	a.UpdatedAt = c.At
	at := c.At
	switch c.To {
	case StatusConfirmed:
		if a.ConfirmedAt == nil {
			a.ConfirmedAt = &at
		}
	case StatusCompleted:
		a.CompletedAt = &at
	case StatusCancelled:
		actor, reason := c.Actor, c.Reason
		a.CancelledAt = &at
		a.CancelledBy = &actor
		a.CancellationReason = &reason
	}
	return a
}

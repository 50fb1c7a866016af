package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/scheduling-core/internal/appointment"
	"github.com/clinicflow/scheduling-core/internal/directory"
)

type CreateAppointmentRequest struct {
	DoctorID  string  `json:"doctor_id"`
	PatientID string  `json:"patient_id"`
	StartTime string  `json:"start_time"`
	IsVirtual bool    `json:"is_virtual"`
	RoomID    *string `json:"room_id,omitempty"`
	Notes     string  `json:"notes,omitempty"`
}

type AppointmentActionRequest struct {
	AppointmentID string `json:"appointment_id"`
}

type CancelAppointmentRequest struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

type WeeklyPayoutRequest struct {
	WeekStart string `json:"week_start"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID  `json:"id"`
	DoctorID           uuid.UUID  `json:"doctor_id"`
	PatientID          uuid.UUID  `json:"patient_id"`
	RoomID             *uuid.UUID `json:"room_id,omitempty"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            time.Time  `json:"end_time"`
	IsVirtual          bool       `json:"is_virtual"`
	Status             string     `json:"status"`
	Notes              string     `json:"notes,omitempty"`
	CreatedBy          string     `json:"created_by"`
	CancelledBy        *string    `json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	ConfirmedAt        *time.Time `json:"confirmed_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                 a.ID,
		DoctorID:           a.DoctorID,
		PatientID:          a.PatientID,
		RoomID:             a.RoomID,
		StartTime:          a.StartTime,
		EndTime:            a.EndTime,
		IsVirtual:          a.IsVirtual,
		Status:             string(a.Status),
		Notes:              a.Notes,
		CreatedBy:          a.CreatedBy,
		CancelledBy:        a.CancelledBy,
		CancelledAt:        a.CancelledAt,
		CancellationReason: a.CancellationReason,
		ConfirmedAt:        a.ConfirmedAt,
		CompletedAt:        a.CompletedAt,
		CreatedAt:          a.CreatedAt,
	}
}

type AvailabilityResponse struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Date     string    `json:"date"`
	Slots    []string  `json:"slots"`
}

type ActionResponse struct {
	Success       bool                    `json:"success"`
	Appointment   AppointmentResponse     `json:"appointment"`
	PaymentStatus directory.PaymentStatus `json:"payment_status,omitempty"`
}

type CancelResponse struct {
	Success     bool                    `json:"success"`
	Appointment AppointmentResponse     `json:"appointment"`
	CreditInfo  *appointment.CreditInfo `json:"credit_info"`
}

type ErrorResponse struct {
	Error         string `json:"error"`
	Details       string `json:"details,omitempty"`
	PaymentStatus string `json:"payment_status,omitempty"`
}

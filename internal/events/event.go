package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	AppointmentCreated   = "APPOINTMENT_CREATED"
	AppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	AppointmentCompleted = "APPOINTMENT_COMPLETED"
	AppointmentCancelled = "APPOINTMENT_CANCELLED"
	AppointmentNoShow    = "APPOINTMENT_NO_SHOW"
	PayoutCreated        = "PAYOUT_CREATED"
)

// Event is one row of the event_logs table. It is written in the same transaction as
// the state change it describes and later shipped by the Publisher.
type Event struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

func New(eventType string, appointmentID uuid.UUID, at time.Time, payload map[string]any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	id := appointmentID
	return Event{
		EventType:     eventType,
		AppointmentID: &id,
		Payload:       data,
		CreatedAt:     at,
	}, nil
}

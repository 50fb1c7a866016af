package settlement

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutProcessed PayoutStatus = "processed"
	PayoutFailed    PayoutStatus = "failed"
	PayoutCancelled PayoutStatus = "cancelled"
)

// Review reasons recorded on payouts that need a human look.
const (
	ReviewPaymentMissing        = "payment_amount_missing"
	ReviewPaymentBelowThreshold = "payment_amount_below_threshold"
	ReviewNegativePayoutClamped = "negative_payout_clamped"
)

type Payout struct {
	ID                 uuid.UUID       `json:"id"`
	AppointmentID      uuid.UUID       `json:"appointment_id"`
	DoctorID           uuid.UUID       `json:"doctor_id"`
	ConsultationFee    decimal.Decimal `json:"consultation_fee"`
	RoomRentalCost     decimal.Decimal `json:"room_rental_cost"`
	DoctorPayout       decimal.Decimal `json:"doctor_payout"`
	ClinicRevenue      decimal.Decimal `json:"clinic_revenue"`
	PlatformCommission decimal.Decimal `json:"platform_commission"`
	Status             PayoutStatus    `json:"status"`
	WeekStartDate      time.Time       `json:"week_start_date"`
	NeedsReview        bool            `json:"needs_review"`
	ReviewReason       string          `json:"review_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Candidate is the slice of an appointment settlement needs.
type Candidate struct {
	AppointmentID uuid.UUID
	DoctorID      uuid.UUID
	Status        string
	StartTime     time.Time
}

// Settleable reports whether the appointment status can produce a payout. Payment is
// checked separately against the ledger.
func (c Candidate) Settleable() bool {
	return c.Status == "completed" || c.Status == "confirmed"
}

type ItemError struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Error         string    `json:"error"`
}

type Summary struct {
	WeekStart      time.Time   `json:"week_start"`
	PayoutsCreated int         `json:"payouts_created"`
	Skipped        int         `json:"skipped"`
	Flagged        int         `json:"flagged"`
	Payouts        []Payout    `json:"payouts"`
	Errors         []ItemError `json:"errors"`
}

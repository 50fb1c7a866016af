package appointment

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinicflow/scheduling-core/internal/apperrors"
	"github.com/clinicflow/scheduling-core/internal/auth"
	"github.com/clinicflow/scheduling-core/internal/directory"
	"github.com/clinicflow/scheduling-core/internal/events"
)

var hundred = decimal.NewFromInt(100)

// CancellationPolicy is the same for every role.
type CancellationPolicy struct {
	MinNotice     time.Duration
	CreditPercent decimal.Decimal
}

// Check rejects iff start - now < MinNotice. Cancelling exactly MinNotice before the
// start is allowed.
func (p CancellationPolicy) Check(now, start time.Time) error {
	if start.Sub(now) < p.MinNotice {
		return apperrors.Policy("appointments can only be cancelled at least %s before they start", formatNotice(p.MinNotice))
	}
	return nil
}

// Credit is the amount returned for a paid appointment, rounded half-up to cents.
func (p CancellationPolicy) Credit(paid decimal.Decimal) decimal.Decimal {
	return paid.Mul(p.CreditPercent).Div(hundred).Round(2)
}

func formatNotice(d time.Duration) string {
	if d%time.Hour == 0 {
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return strconv.Itoa(h) + " hours"
	}
	return d.String()
}

type CreditInfo struct {
	ID       uuid.UUID       `json:"id"`
	Amount   decimal.Decimal `json:"amount"`
	Percent  decimal.Decimal `json:"percent"`
	IssuedAt time.Time       `json:"issued_at"`
}

type CancelResult struct {
	Appointment *Appointment
	Credit      *CreditInfo
}

// Cancel is the only path to the cancelled state. It locks the row, applies the notice
// window and, for paid appointments, issues the credit before committing. A ledger
// failure rolls the cancellation back.
func (s *Service) Cancel(ctx context.Context, actor auth.Principal, id uuid.UUID, reason string) (*CancelResult, error) {
	if id == uuid.Nil {
		return nil, apperrors.Validation("appointment_id is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperrors.Validation("reason is required")
	}

	var result CancelResult

	err := s.repo.WithTx(ctx, func(ctx context.Context, q Querier) error {
		current, err := q.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return s.notFound(err, id)
		}
		if err := authorize(actor, current, actionCancel); err != nil {
			return err
		}
		if err := checkTransition(current, StatusCancelled); err != nil {
			return err
		}

		now := s.opts.Clock.Now()
		if err := s.cancel.Check(now, current.StartTime); err != nil {
			return err
		}

		credit, err := s.issueCredit(ctx, current, reason)
		if err != nil {
			return err
		}

		payload := map[string]any{
			"from":   current.Status,
			"reason": reason,
			"actor":  actor.Actor(),
		}
		if credit != nil {
			payload["credit_amount"] = credit.Amount.StringFixed(2)
		}

		updated, err := s.apply(ctx, q, current, StatusChange{
			To:     StatusCancelled,
			At:     now,
			Actor:  actor.Actor(),
			Reason: reason,
		}, events.AppointmentCancelled, payload)
		if err != nil {
			return err
		}

		result = CancelResult{Appointment: updated, Credit: credit}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("actor", actor.Actor()).
		Bool("credit_issued", result.Credit != nil).
		Msg("appointment cancelled")

	return &result, nil
}

func (s *Service) issueCredit(ctx context.Context, appt *Appointment, reason string) (*CreditInfo, error) {
	payment, err := s.dir.PaymentFor(ctx, appt.ID)
	if err != nil {
		return nil, upstream(err, "payment ledger unavailable")
	}
	if payment.Status != directory.PaymentPaid {
		return nil, nil
	}

	paid, err := s.paidAmount(ctx, appt, payment)
	if err != nil {
		return nil, err
	}

	amount := s.cancel.Credit(paid)
	if !amount.IsPositive() {
		return nil, nil
	}

	credit, err := s.dir.IssueCredit(ctx, directory.CreditRequest{
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		Amount:        amount,
		Reason:        reason,
	})
	if err != nil {
		return nil, upstream(err, "payment ledger rejected the credit")
	}

	return &CreditInfo{
		ID:       credit.ID,
		Amount:   credit.Amount,
		Percent:  s.cancel.CreditPercent,
		IssuedAt: credit.CreatedAt,
	}, nil
}

// paidAmount is what the ledger recorded, or the doctor's consultation fee when a paid
// entry carries no amount.
func (s *Service) paidAmount(ctx context.Context, appt *Appointment, payment directory.Payment) (decimal.Decimal, error) {
	if payment.Amount != nil {
		return *payment.Amount, nil
	}

	doc, err := s.dir.GetDoctor(ctx, appt.DoctorID)
	if err != nil {
		return decimal.Zero, upstream(err, "doctor directory unavailable")
	}

	s.logger.Warn().
		Str("appointment_id", appt.ID.String()).
		Str("fallback_amount", doc.ConsultationFee.String()).
		Msg("paid ledger entry has no amount; crediting against the consultation fee")
	return doc.ConsultationFee, nil
}

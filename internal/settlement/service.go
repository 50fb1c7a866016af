package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinicflow/scheduling-core/internal/apperrors"
	"github.com/clinicflow/scheduling-core/internal/auth"
	"github.com/clinicflow/scheduling-core/internal/clock"
	"github.com/clinicflow/scheduling-core/internal/directory"
	"github.com/clinicflow/scheduling-core/internal/events"
	redisclient "github.com/clinicflow/scheduling-core/internal/redis"
)

type Options struct {
	Clock          clock.Clock
	Window         clock.Window
	CommissionRate decimal.Decimal
	MinFeeRatio    decimal.Decimal
}

type Service struct {
	repo   Repository
	dir    directory.Directory
	locker redisclient.Locker
	policy PaymentAmountPolicy
	opts   Options
	logger zerolog.Logger
}

// NewService builds the weekly settlement runner. locker may be nil; the payout unique
// index still keeps re-runs idempotent without it.
func NewService(repo Repository, dir directory.Directory, locker redisclient.Locker, opts Options, logger zerolog.Logger) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Window.Slot == 0 {
		opts.Window = clock.DefaultWindow()
	}

	return &Service{
		repo:   repo,
		dir:    dir,
		locker: locker,
		policy: PaymentAmountPolicy{MinFeeRatio: opts.MinFeeRatio},
		opts:   opts,
		logger: logger.With().Str("component", "settlement").Logger(),
	}
}

// ParseWeek reads a YYYY-MM-DD date in the clinic's location.
func ParseWeek(w clock.Window, s string) (time.Time, error) {
	t, err := w.ParseDate(s)
	if err != nil {
		return time.Time{}, apperrors.Validation("week_start must be a YYYY-MM-DD date")
	}
	return t, nil
}

// PreviousWeek returns the Monday of the week before now.
func PreviousWeek(w clock.Window, now time.Time) time.Time {
	return w.WeekStart(now).AddDate(0, 0, -7)
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCreated
)

// RunWeeklySettlement creates one pending payout per eligible appointment that started in
// the week beginning weekStart. Re-running a week creates nothing new.
func (s *Service) RunWeeklySettlement(ctx context.Context, actor auth.Principal, weekStart time.Time) (*Summary, error) {
	if !actor.HasAny(auth.RoleAdmin, auth.RoleSystem) {
		return nil, apperrors.Forbidden("only admins can run settlement")
	}

	local := s.opts.Window.Local(weekStart)
	if local.Weekday() != time.Monday {
		return nil, apperrors.Validation("week_start %s is a %s, expected a Monday", local.Format(time.DateOnly), local.Weekday())
	}
	from, _ := s.opts.Window.DayBounds(local)
	to := from.AddDate(0, 0, 7)

	var summary *Summary
	run := func(ctx context.Context) error {
		var err error
		summary, err = s.run(ctx, from, to)
		return err
	}

	var err error
	if s.locker != nil {
		err = s.locker.WithLock(ctx, []string{"settlement:week:" + from.Format(time.DateOnly)}, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, apperrors.Conflict("settlement for week %s is already running", from.Format(time.DateOnly))
		}
		return nil, err
	}

	s.logger.Info().
		Str("week_start", from.Format(time.DateOnly)).
		Str("actor", actor.Actor()).
		Int("created", summary.PayoutsCreated).
		Int("skipped", summary.Skipped).
		Int("flagged", summary.Flagged).
		Int("errors", len(summary.Errors)).
		Msg("weekly settlement finished")

	return summary, nil
}

func (s *Service) run(ctx context.Context, from, to time.Time) (*Summary, error) {
	ids, err := s.repo.ListCandidates(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list settlement candidates: %w", err)
	}

	summary := &Summary{
		WeekStart: from,
		Payouts:   []Payout{},
		Errors:    []ItemError{},
	}

	for i, id := range ids {
		if ctx.Err() != nil {
			// Report what was left so the operator can re-run; settled items stay settled.
			cause := context.Cause(ctx)
			for _, rest := range ids[i:] {
				summary.Errors = append(summary.Errors, ItemError{AppointmentID: rest, Error: "not processed: " + cause.Error()})
			}
			s.logger.Warn().Err(cause).Int("unprocessed", len(ids)-i).Msg("settlement stopped before the batch finished")
			break
		}

		p, out, err := s.settleOne(ctx, id, from)
		if err != nil {
			s.logger.Error().Err(err).Str("appointment_id", id.String()).Msg("settlement item failed")
			summary.Errors = append(summary.Errors, ItemError{AppointmentID: id, Error: err.Error()})
			continue
		}

		switch out {
		case outcomeCreated:
			summary.PayoutsCreated++
			summary.Payouts = append(summary.Payouts, *p)
			if p.NeedsReview {
				summary.Flagged++
			}
		default:
			summary.Skipped++
		}
	}

	return summary, nil
}

// settleOne runs in its own transaction with the appointment row shared-locked, so it
// sees either the cancelled row or a payout that a later cancel can act on.
func (s *Service) settleOne(ctx context.Context, id uuid.UUID, weekStart time.Time) (*Payout, outcome, error) {
	var (
		created *Payout
		out     = outcomeSkipped
	)

	err := s.repo.WithTx(ctx, func(ctx context.Context, q Querier) error {
		c, err := q.LockAppointmentShared(ctx, id)
		if err != nil {
			return fmt.Errorf("lock appointment: %w", err)
		}
		if !c.Settleable() {
			return nil
		}

		exists, err := q.HasActivePayout(ctx, id)
		if err != nil {
			return fmt.Errorf("check existing payout: %w", err)
		}
		if exists {
			return nil
		}

		payment, err := s.dir.PaymentFor(ctx, id)
		if err != nil {
			return apperrors.Upstream(err, "payment ledger unavailable")
		}
		if payment.Status != directory.PaymentPaid {
			return nil
		}

		doc, err := s.dir.GetDoctor(ctx, c.DoctorID)
		if err != nil {
			return apperrors.Upstream(err, "doctor directory unavailable")
		}

		rental, _, err := s.dir.RoomRental(ctx, id)
		if err != nil {
			return apperrors.Upstream(err, "facilities directory unavailable")
		}

		fee, feeReason := s.policy.Resolve(payment.Amount, doc.ConsultationFee)
		b := Split(fee, rental, s.opts.CommissionRate)

		clampReason := ""
		if b.Clamped {
			clampReason = ReviewNegativePayoutClamped
		}
		reason := joinReasons(feeReason, clampReason)

		p := &Payout{
			ID:                 uuid.New(),
			AppointmentID:      id,
			DoctorID:           c.DoctorID,
			ConsultationFee:    b.Fee,
			RoomRentalCost:     b.RoomRentalCost,
			DoctorPayout:       b.DoctorPayout,
			ClinicRevenue:      b.ClinicRevenue,
			PlatformCommission: b.PlatformCommission,
			Status:             PayoutPending,
			WeekStartDate:      weekStart,
			NeedsReview:        reason != "",
			ReviewReason:       reason,
			CreatedAt:          s.opts.Clock.Now(),
		}

		inserted, err := q.InsertPayout(ctx, p)
		if err != nil {
			return fmt.Errorf("insert payout: %w", err)
		}
		if !inserted {
			return nil
		}

		ev, err := events.New(events.PayoutCreated, id, p.CreatedAt, map[string]any{
			"payout_id":     p.ID.String(),
			"doctor_id":     p.DoctorID.String(),
			"doctor_payout": p.DoctorPayout.StringFixed(2),
			"week_start":    weekStart.Format(time.DateOnly),
			"needs_review":  p.NeedsReview,
		})
		if err != nil {
			return err
		}
		if err := q.InsertEvent(ctx, ev); err != nil {
			return err
		}

		created = p
		out = outcomeCreated
		return nil
	})
	if err != nil {
		return nil, outcomeSkipped, err
	}

	if created != nil && created.NeedsReview {
		s.logger.Warn().
			Str("appointment_id", id.String()).
			Str("review_reason", created.ReviewReason).
			Msg("payout flagged for review")
	}

	return created, out, nil
}

func (s *Service) ListWeek(ctx context.Context, weekStart time.Time) ([]Payout, error) {
	from, _ := s.opts.Window.DayBounds(weekStart)
	return s.repo.ListPayoutsByWeek(ctx, from)
}

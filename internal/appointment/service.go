package appointment

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

// Options carries the scheduling policy knobs loaded from config.
type Options struct {
	Clock                 clock.Clock
	Window                clock.Window
	MinCancellationNotice time.Duration
	// CreditPercent of the paid amount is returned to the patient on cancellation.
	CreditPercent decimal.Decimal
	NoShowGrace   time.Duration
	SweepBatch    int
}

func DefaultOptions() Options {
	return Options{
		Clock:                 clock.Real(),
		Window:                clock.DefaultWindow(),
		MinCancellationNotice: 24 * time.Hour,
		CreditPercent:         decimal.NewFromInt(100),
		NoShowGrace:           24 * time.Hour,
		SweepBatch:            200,
	}
}

type Service struct {
	repo   Repository
	locker redisclient.Locker
	dir    directory.Directory
	guard  *RelationshipGuard
	cancel CancellationPolicy
	opts   Options
	logger zerolog.Logger
}

func NewService(repo Repository, locker redisclient.Locker, dir directory.Directory, opts Options, logger zerolog.Logger) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Window.Slot == 0 {
		opts.Window = clock.DefaultWindow()
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 200
	}

	return &Service{
		repo:   repo,
		locker: locker,
		dir:    dir,
		guard:  NewRelationshipGuard(dir),
		cancel: CancellationPolicy{MinNotice: opts.MinCancellationNotice, CreditPercent: opts.CreditPercent},
		opts:   opts,
		logger: logger.With().Str("component", "appointment").Logger(),
	}
}

type CreateRequest struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	StartTime time.Time
	IsVirtual bool
	RoomID    *uuid.UUID
	Notes     string
}

// validate runs the checks that need no I/O, in pipeline order.
func (s *Service) validate(req CreateRequest) error {
	if req.DoctorID == uuid.Nil {
		return apperrors.Validation("doctor_id is required")
	}
	if req.PatientID == uuid.Nil {
		return apperrors.Validation("patient_id is required")
	}
	if req.StartTime.IsZero() {
		return apperrors.Validation("start_time is required")
	}

	if !req.IsVirtual && req.RoomID == nil {
		return apperrors.Validation("room_id is required for in-person appointments")
	}
	if req.IsVirtual && req.RoomID != nil {
		return apperrors.Validation("virtual appointments cannot reserve a room")
	}

	w := s.opts.Window
	if !w.InWorkingHours(req.StartTime) {
		return apperrors.Policy("appointments must start between %02d:00 and %02d:00", w.Start, w.End)
	}
	if !w.Aligned(req.StartTime) {
		return apperrors.Validation("start_time must be aligned to a %s slot", w.Slot)
	}

	if !req.StartTime.After(s.opts.Clock.Now()) {
		return apperrors.Policy("appointments must be booked in the future")
	}
	return nil
}

// CreateAppointment books a pending appointment for a patient.
func (s *Service) CreateAppointment(ctx context.Context, actor auth.Principal, req CreateRequest) (*Appointment, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if !actor.Privileged() && !(actor.HasAny(auth.RolePatient) && actor.UserID == req.PatientID) {
		return nil, apperrors.Forbidden("patients may only book appointments for themselves")
	}

	return s.book(ctx, actor, req, StatusPending)
}

// CreateStaffAppointment books on behalf of a patient and skips the payment gate.
func (s *Service) CreateStaffAppointment(ctx context.Context, actor auth.Principal, req CreateRequest) (*Appointment, error) {
	if !actor.HasAny(auth.RoleStaff, auth.RoleAdmin) {
		return nil, apperrors.Forbidden("only staff can create confirmed appointments")
	}
	if err := s.validate(req); err != nil {
		return nil, err
	}

	return s.book(ctx, actor, req, StatusConfirmed)
}

func slotKey(kind ResourceKind, id uuid.UUID, start time.Time) string {
	return fmt.Sprintf("%s:%s:%d", kind, id, start.Unix())
}

// book holds the doctor and room slot locks while it re-checks conflicts and inserts
// inside one transaction. The partial unique indexes catch anything that slips past.
func (s *Service) book(ctx context.Context, actor auth.Principal, req CreateRequest, status AppointmentStatus) (*Appointment, error) {
	if _, err := s.guard.Check(ctx, req.DoctorID, req.PatientID); err != nil {
		return nil, err
	}

	start := req.StartTime.UTC()
	end := s.opts.Window.EndOf(start)

	keys := []string{slotKey(ResourceDoctor, req.DoctorID, start)}
	if req.RoomID != nil {
		keys = append(keys, slotKey(ResourceRoom, *req.RoomID, start))
	}

	var created *Appointment

	err := s.locker.WithLock(ctx, keys, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(ctx context.Context, q Querier) error {
			if err := CheckConflict(ctx, q, ResourceDoctor, req.DoctorID, start, end); err != nil {
				return err
			}

			if req.RoomID != nil {
				if err := s.checkRoom(ctx, *req.RoomID); err != nil {
					return err
				}
				if err := CheckConflict(ctx, q, ResourceRoom, *req.RoomID, start, end); err != nil {
					return err
				}
			}

			now := s.opts.Clock.Now()
			appt := &Appointment{
				ID:        uuid.New(),
				DoctorID:  req.DoctorID,
				PatientID: req.PatientID,
				RoomID:    req.RoomID,
				StartTime: start,
				EndTime:   end,
				IsVirtual: req.IsVirtual,
				Status:    status,
				Notes:     req.Notes,
				CreatedBy: actor.Actor(),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if status == StatusConfirmed {
				appt.ConfirmedAt = &now
			}

			if err := q.InsertAppointment(ctx, appt); err != nil {
				return err
			}

			payload := map[string]any{
				"doctor_id":  appt.DoctorID.String(),
				"patient_id": appt.PatientID.String(),
				"start_time": appt.StartTime,
				"status":     appt.Status,
				"created_by": appt.CreatedBy,
			}
			if appt.RoomID != nil {
				payload["room_id"] = appt.RoomID.String()
			}
			if err := s.recordEvent(ctx, q, events.AppointmentCreated, appt, payload); err != nil {
				return err
			}

			created = appt
			return nil
		})
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, apperrors.Conflict("slot is currently being booked, please retry")
		}
		if errors.Is(err, ErrSlotTaken) {
			return nil, apperrors.Conflict("slot is already booked")
		}
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", created.ID.String()).
		Str("doctor_id", created.DoctorID.String()).
		Time("start_time", created.StartTime).
		Str("status", string(created.Status)).
		Msg("appointment created")

	return created, nil
}

func (s *Service) checkRoom(ctx context.Context, roomID uuid.UUID) error {
	room, err := s.dir.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, directory.ErrRoomNotFound) {
			return apperrors.NotFound("room %s not found", roomID)
		}
		return upstream(err, "facilities directory unavailable")
	}
	if !room.IsActive {
		return apperrors.Validation("room %s is not active", room.Name)
	}
	if room.Type == directory.RoomVirtual {
		return apperrors.Validation("room %s cannot host in-person appointments", room.Name)
	}
	return nil
}

// ConfirmResult carries the payment status the oracle reported, also on refusal.
type ConfirmResult struct {
	Appointment   *Appointment
	PaymentStatus directory.PaymentStatus
}

// Confirm moves an appointment to confirmed once the payment ledger reports it paid.
// An unreachable ledger never confirms.
func (s *Service) Confirm(ctx context.Context, actor auth.Principal, id uuid.UUID) (*ConfirmResult, error) {
	appt, err := s.load(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, appt, actionConfirm); err != nil {
		return nil, err
	}
	if err := checkTransition(appt, StatusConfirmed); err != nil {
		return nil, err
	}

	payment, err := s.dir.PaymentFor(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("appointment_id", id.String()).Msg("payment ledger unavailable, refusing confirm")
		return nil, upstream(err, "payment ledger unavailable")
	}
	if payment.Status != directory.PaymentPaid {
		return &ConfirmResult{Appointment: appt, PaymentStatus: payment.Status},
			apperrors.Policy("payment is %s", payment.Status)
	}

	updated, err := s.transition(ctx, id, StatusConfirmed, actor, "", actionConfirm, events.AppointmentConfirmed)
	if err != nil {
		return nil, err
	}

	return &ConfirmResult{Appointment: updated, PaymentStatus: payment.Status}, nil
}

// RecordCompletion is called by the clinical workflow once the visit took place.
func (s *Service) RecordCompletion(ctx context.Context, actor auth.Principal, id uuid.UUID) (*Appointment, error) {
	appt, err := s.load(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, appt, actionComplete); err != nil {
		return nil, err
	}
	if err := checkTransition(appt, StatusCompleted); err != nil {
		return nil, err
	}
	if s.opts.Clock.Now().Before(appt.StartTime) {
		return nil, apperrors.Policy("appointment has not started yet")
	}

	return s.transition(ctx, id, StatusCompleted, actor, "", actionComplete, events.AppointmentCompleted)
}

func (s *Service) Get(ctx context.Context, actor auth.Principal, id uuid.UUID) (*Appointment, error) {
	appt, err := s.load(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, appt, actionView); err != nil {
		return nil, err
	}
	return appt, nil
}

// transition re-reads the row locked and applies one compare-and-set step.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to AppointmentStatus, actor auth.Principal, reason string, act action, eventType string) (*Appointment, error) {
	var updated *Appointment

	err := s.repo.WithTx(ctx, func(ctx context.Context, q Querier) error {
		current, err := q.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return s.notFound(err, id)
		}
		if err := authorize(actor, current, act); err != nil {
			return err
		}
		if err := checkTransition(current, to); err != nil {
			return err
		}

		updated, err = s.apply(ctx, q, current, StatusChange{
			To:     to,
			At:     s.opts.Clock.Now(),
			Actor:  actor.Actor(),
			Reason: reason,
		}, eventType, map[string]any{"from": current.Status, "to": to, "actor": actor.Actor()})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("status", string(to)).
		Str("actor", actor.Actor()).
		Msg("appointment status changed")

	return updated, nil
}

func (s *Service) apply(ctx context.Context, q Querier, current *Appointment, change StatusChange, eventType string, payload map[string]any) (*Appointment, error) {
	updated, err := q.UpdateAppointmentStatus(ctx, current.ID, current.Status, change)
	if err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return nil, apperrors.Conflict("appointment was modified concurrently, please retry")
		}
		return nil, err
	}

	if err := s.recordEvent(ctx, q, eventType, updated, payload); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) load(ctx context.Context, q Querier, id uuid.UUID) (*Appointment, error) {
	if id == uuid.Nil {
		return nil, apperrors.Validation("appointment_id is required")
	}
	appt, err := q.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, s.notFound(err, id)
	}
	return appt, nil
}

func (s *Service) notFound(err error, id uuid.UUID) error {
	if errors.Is(err, ErrAppointmentNotFound) {
		return apperrors.NotFound("appointment %s not found", id)
	}
	return fmt.Errorf("load appointment: %w", err)
}

// recordEvent writes the event row in the caller's transaction, so a failure rolls back
// the change it describes.
func (s *Service) recordEvent(ctx context.Context, q Querier, eventType string, appt *Appointment, payload map[string]any) error {
	ev, err := events.New(eventType, appt.ID, s.opts.Clock.Now(), payload)
	if err != nil {
		return err
	}
	return q.InsertEvent(ctx, ev)
}

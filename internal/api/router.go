package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/scheduling-core/internal/appointment"
	"github.com/clinicflow/scheduling-core/internal/auth"
	"github.com/clinicflow/scheduling-core/internal/clock"
	"github.com/clinicflow/scheduling-core/internal/settlement"
)

type AppointmentService interface {
	Availability(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]time.Time, error)
	CreateAppointment(ctx context.Context, actor auth.Principal, req appointment.CreateRequest) (*appointment.Appointment, error)
	CreateStaffAppointment(ctx context.Context, actor auth.Principal, req appointment.CreateRequest) (*appointment.Appointment, error)
	Get(ctx context.Context, actor auth.Principal, id uuid.UUID) (*appointment.Appointment, error)
	Cancel(ctx context.Context, actor auth.Principal, id uuid.UUID, reason string) (*appointment.CancelResult, error)
	Confirm(ctx context.Context, actor auth.Principal, id uuid.UUID) (*appointment.ConfirmResult, error)
	RecordCompletion(ctx context.Context, actor auth.Principal, id uuid.UUID) (*appointment.Appointment, error)
}

type SettlementService interface {
	RunWeeklySettlement(ctx context.Context, actor auth.Principal, weekStart time.Time) (*settlement.Summary, error)
}

type RouterConfig struct {
	Appointments AppointmentService
	Settlement   SettlementService
	Verifier     *auth.Verifier
	Health       *HealthHandler
	Window       clock.Window
	Logger       zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/health/live", cfg.Health.Liveness)
	r.Get("/health/ready", cfg.Health.Readiness)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Verifier, func(w http.ResponseWriter, status int, msg string) {
			writeError(w, status, "unauthenticated", msg)
		}))

		r.Get("/availability", availabilityHandler(cfg.Appointments, cfg.Window))

		r.Post("/appointments", createAppointmentHandler(cfg.Appointments.CreateAppointment))
		r.Post("/appointments/staff", createAppointmentHandler(cfg.Appointments.CreateStaffAppointment))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Appointments))
		r.Post("/appointments/cancel", cancelAppointmentHandler(cfg.Appointments))
		r.Post("/appointments/confirm", confirmAppointmentHandler(cfg.Appointments))
		r.Post("/appointments/complete", completeAppointmentHandler(cfg.Appointments))

		r.Post("/weekly_payout_processor", weeklyPayoutHandler(cfg.Settlement, cfg.Window))
	})

	return r
}

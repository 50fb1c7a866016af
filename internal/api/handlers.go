package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/scheduling-core/internal/apperrors"
	"github.com/clinicflow/scheduling-core/internal/appointment"
	"github.com/clinicflow/scheduling-core/internal/auth"
	"github.com/clinicflow/scheduling-core/internal/clock"
	"github.com/clinicflow/scheduling-core/internal/settlement"
)

type createFunc func(ctx context.Context, actor auth.Principal, req appointment.CreateRequest) (*appointment.Appointment, error)

func availabilityHandler(svc AppointmentService, w clock.Window) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		doctorID, err := uuid.Parse(r.URL.Query().Get("doctor_id"))
		if err != nil {
			writeError(rw, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		dateStr := r.URL.Query().Get("date")
		date, err := w.ParseDate(dateStr)
		if err != nil {
			writeError(rw, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		slots, err := svc.Availability(r.Context(), doctorID, date)
		if err != nil {
			writeAppError(rw, r, err)
			return
		}

		resp := AvailabilityResponse{
			DoctorID: doctorID,
			Date:     dateStr,
			Slots:    make([]string, 0, len(slots)),
		}
		for _, s := range slots {
			resp.Slots = append(resp.Slots, w.Local(s).Format(time.RFC3339))
		}

		writeJSON(rw, http.StatusOK, resp)
	}
}

func createAppointmentHandler(create createFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := principal(w, r)
		if !ok {
			return
		}

		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		startTime, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start_time", "start_time must be RFC3339")
			return
		}

		var roomID *uuid.UUID
		if req.RoomID != nil && *req.RoomID != "" {
			id, err := uuid.Parse(*req.RoomID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_room_id", "room_id must be a valid UUID")
				return
			}
			roomID = &id
		}

		appt, err := create(r.Context(), actor, appointment.CreateRequest{
			DoctorID:  doctorID,
			PatientID: patientID,
			StartTime: startTime,
			IsVirtual: req.IsVirtual,
			RoomID:    roomID,
			Notes:     req.Notes,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := principal(w, r)
		if !ok {
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.Get(r.Context(), actor, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := principal(w, r)
		if !ok {
			return
		}

		var req CancelAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		id, ok := parseAppointmentID(w, req.AppointmentID)
		if !ok {
			return
		}

		res, err := svc.Cancel(r.Context(), actor, id, req.Reason)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, CancelResponse{
			Success:     true,
			Appointment: toAppointmentResponse(res.Appointment),
			CreditInfo:  res.Credit,
		})
	}
}

func confirmAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := principal(w, r)
		if !ok {
			return
		}

		var req AppointmentActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		id, ok := parseAppointmentID(w, req.AppointmentID)
		if !ok {
			return
		}

		res, err := svc.Confirm(r.Context(), actor, id)
		if err != nil {
			if res != nil && res.PaymentStatus != "" {
				writeJSON(w, apperrors.HTTPStatus(apperrors.KindOf(err)), ErrorResponse{
					Error:         string(apperrors.KindOf(err)),
					Details:       apperrors.Message(err),
					PaymentStatus: string(res.PaymentStatus),
				})
				return
			}
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, ActionResponse{
			Success:       true,
			Appointment:   toAppointmentResponse(res.Appointment),
			PaymentStatus: res.PaymentStatus,
		})
	}
}

func completeAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := principal(w, r)
		if !ok {
			return
		}

		var req AppointmentActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		id, ok := parseAppointmentID(w, req.AppointmentID)
		if !ok {
			return
		}

		appt, err := svc.RecordCompletion(r.Context(), actor, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, ActionResponse{Success: true, Appointment: toAppointmentResponse(appt)})
	}
}

func weeklyPayoutHandler(svc SettlementService, win clock.Window) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := principal(w, r)
		if !ok {
			return
		}

		var req WeeklyPayoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		weekStart, err := settlement.ParseWeek(win, req.WeekStart)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		summary, err := svc.RunWeeklySettlement(r.Context(), actor, weekStart)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"success": true, "summary": summary})
	}
}

func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing principal")
	}
	return p, ok
}

func parseAppointmentID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeAppError maps the error kind to a status code. Unclassified errors are logged and
// reported without their internals.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperrors.KindOf(err)
	if kind == apperrors.KindInternal {
		if errors.Is(err, context.Canceled) {
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, string(kind), "internal error")
		return
	}
	if kind == apperrors.KindUpstream {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("collaborator unavailable")
	}

	writeError(w, apperrors.HTTPStatus(kind), string(kind), apperrors.Message(err))
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking-engine/internal/booking"
)

// The identity/session layer in front of this service resolves the caller
// and forwards it in headers. Authorization over the target appointment is
// the state machine's job, not the handlers'.
const (
	headerActorID   = "X-Actor-Id"
	headerActorRole = "X-Actor-Role"
	headerActorName = "X-Actor-Name"
)

func actorFromRequest(r *http.Request) (booking.Actor, bool) {
	id, err := uuid.Parse(r.Header.Get(headerActorID))
	if err != nil {
		return booking.Actor{}, false
	}

	role := booking.Role(r.Header.Get(headerActorRole))
	switch role {
	case booking.RolePatient, booking.RoleDoctor, booking.RoleAdmin:
	default:
		return booking.Actor{}, false
	}

	return booking.Actor{
		ID:   id,
		Role: role,
		Name: r.Header.Get(headerActorName),
	}, true
}

func createAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		scheduleID, err := uuid.Parse(req.ScheduleID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_schedule_id", "schedule_id must be a valid UUID")
			return
		}
		slotID, err := uuid.Parse(req.SlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
			return
		}

		appt, err := svc.Book(r.Context(), booking.BookingRequest{
			PatientID:  patientID,
			DoctorID:   doctorID,
			ScheduleID: scheduleID,
			SlotID:     slotID,
			Reason:     req.Reason,
		})
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func transitionAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		actor, ok := actorFromRequest(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_actor", "actor headers missing or malformed")
			return
		}

		var req TransitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		target := booking.AppointmentStatus(req.TargetStatus)
		switch target {
		case booking.StatusCancelled, booking.StatusConfirmed, booking.StatusCompleted, booking.StatusNoShow:
		default:
			writeError(w, http.StatusBadRequest, "invalid_target_status", "target_status is not a known status")
			return
		}

		appt, err := svc.Transition(r.Context(), booking.TransitionRequest{
			AppointmentID: id,
			Actor:         actor,
			Target:        target,
		})
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rescheduleAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		actor, ok := actorFromRequest(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_actor", "actor headers missing or malformed")
			return
		}

		var req RescheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		newSlotID, err := uuid.Parse(req.NewSlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "new_slot_id must be a valid UUID")
			return
		}

		appt, err := svc.Reschedule(r.Context(), booking.RescheduleRequest{
			AppointmentID: id,
			Actor:         actor,
			NewSlotID:     newSlotID,
		})
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		detail, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(&detail.Appointment))
	}
}

func listAppointmentsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		var (
			details []booking.AppointmentDetail
			err     error
		)

		switch {
		case r.URL.Query().Get("patient_id") != "":
			patientID, perr := uuid.Parse(r.URL.Query().Get("patient_id"))
			if perr != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
			details, err = svc.ListAppointmentsByPatient(r.Context(), patientID, limit, offset)
		case r.URL.Query().Get("doctor_id") != "":
			doctorID, derr := uuid.Parse(r.URL.Query().Get("doctor_id"))
			if derr != nil {
				writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
				return
			}
			details, err = svc.ListAppointmentsByDoctor(r.Context(), doctorID, limit, offset)
		default:
			writeError(w, http.StatusBadRequest, "missing_filter", "patient_id or doctor_id is required")
			return
		}

		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(details))
		for i := range details {
			resp = append(resp, toAppointmentResponse(&details[i].Appointment))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func historyHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		view, err := svc.History(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		records := make([]HistoryRecordResponse, 0, len(view.Records))
		for _, rec := range view.Records {
			records = append(records, HistoryRecordResponse{
				OperatorName: rec.OperatorName,
				OperatorID:   rec.OperatorID,
				Status:       string(rec.Status),
				Reason:       rec.Reason,
				Action:       string(rec.Action),
				OperatedAt:   rec.OperatedAt,
			})
		}

		appt := view.Appointment
		writeJSON(w, http.StatusOK, HistoryResponse{
			Appointment: toAppointmentResponse(&appt),
			Records:     records,
		})
	}
}

// sweepHandler lets an external scheduler trigger the auto-completion
// sweep. Gated by a shared token so only the scheduler can call it.
func sweepHandler(svc *booking.Service, token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token == "" || r.URL.Query().Get("token") != token {
			writeError(w, http.StatusForbidden, "forbidden", "permission denied")
			return
		}

		completed, err := svc.AutoCompleteElapsed(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, SweepResponse{Completed: completed})
	}
}

func handleBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, booking.ErrPatientNotFound),
		errors.Is(err, booking.ErrDoctorNotFound),
		errors.Is(err, booking.ErrScheduleNotFound),
		errors.Is(err, booking.ErrSlotNotFound),
		errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "not_found", "record no longer exists, refresh your view")
	case errors.Is(err, booking.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "permission denied")
	case errors.Is(err, booking.ErrSlotFull):
		writeError(w, http.StatusConflict, "slot_full", "slot is full, pick another")
	case errors.Is(err, booking.ErrSlotInactive):
		writeError(w, http.StatusConflict, "slot_inactive", "slot is not active")
	case errors.Is(err, booking.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

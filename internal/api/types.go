package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking-engine/internal/booking"
)

type CreateAppointmentRequest struct {
	PatientID  string `json:"patient_id"`
	DoctorID   string `json:"doctor_id"`
	ScheduleID string `json:"schedule_id"`
	SlotID     string `json:"slot_id"`
	Reason     string `json:"reason,omitempty"`
}

type TransitionRequest struct {
	TargetStatus string `json:"target_status"`
}

type RescheduleRequest struct {
	NewSlotID string `json:"new_slot_id"`
}

type AppointmentResponse struct {
	ID              uuid.UUID `json:"id"`
	PatientID       uuid.UUID `json:"patient_id"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	ScheduleID      uuid.UUID `json:"schedule_id"`
	SlotID          uuid.UUID `json:"slot_id"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	StatusChangedAt time.Time `json:"status_changed_at"`
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		PatientID:       a.PatientID,
		DoctorID:        a.DoctorID,
		ScheduleID:      a.ScheduleID,
		SlotID:          a.SlotID,
		Status:          string(a.Status),
		Reason:          a.Reason,
		CreatedAt:       a.CreatedAt,
		StatusChangedAt: a.StatusChangedAt,
	}
}

type HistoryRecordResponse struct {
	OperatorName string     `json:"operator_name"`
	OperatorID   *uuid.UUID `json:"operator_id,omitempty"`
	Status       string     `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	Action       string     `json:"action"`
	OperatedAt   time.Time  `json:"operated_at"`
}

type HistoryResponse struct {
	Appointment AppointmentResponse     `json:"appointment"`
	Records     []HistoryRecordResponse `json:"records"`
}

type SweepResponse struct {
	Completed int `json:"completed"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

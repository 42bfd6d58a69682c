package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrScheduleNotFound    = errors.New("schedule not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	ErrSlotFull     = errors.New("slot has no available units")
	ErrSlotInactive = errors.New("slot is not active")
)

// Repository contains all DB interactions needed by the service.
// InTx runs fn against a transaction-scoped Repository; every booking
// mutation goes through it so capacity, status, history, and trust score
// commit or roll back together.
type Repository interface {
	InTx(ctx context.Context, fn func(Repository) error) error

	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetScheduleByID(ctx context.Context, id uuid.UUID) (*Schedule, error)
	GetSlotByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Capacity ledger: single-row conditional decrement / bounded increment.
	TryReserveSlot(ctx context.Context, slotID uuid.UUID) error
	ReleaseSlot(ctx context.Context, slotID uuid.UUID) error

	CreateAppointment(ctx context.Context, appt Appointment) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, reason string) (*Appointment, error)
	MoveAppointment(ctx context.Context, id, slotID, scheduleID, roomID uuid.UUID) (*Appointment, error)

	AppendHistory(ctx context.Context, rec HistoryRecord) (*HistoryRecord, error)
	ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]HistoryRecord, error)

	AdjustTrustScore(ctx context.Context, patientID uuid.UUID, delta int) error

	// Auto-completion sweep
	FindElapsedPending(ctx context.Context, cutoff time.Time) ([]Appointment, error)

	// Read surfaces
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error)
	ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]AppointmentDetail, error)
}

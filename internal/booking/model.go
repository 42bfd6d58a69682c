package booking

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"

	// statusCheckedIn only exists in rows migrated from the old system.
	// Read paths normalize it to pending before anything else sees it.
	statusCheckedIn AppointmentStatus = "checked_in"
)

// IsTerminal reports whether no further transition is permitted.
func (s AppointmentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Normalize maps legacy statuses onto the current state set.
func (s AppointmentStatus) Normalize() AppointmentStatus {
	if s == statusCheckedIn {
		return StatusPending
	}
	return s
}

type Role string

const (
	RolePatient Role = "PATIENT"
	RoleDoctor  Role = "DOCTOR"
	RoleAdmin   Role = "ADMIN"
	RoleSystem  Role = "SYSTEM"
)

// Actor identifies who is performing an operation. It comes from the
// identity/session layer, which this package treats as a given.
type Actor struct {
	ID   uuid.UUID
	Role Role
	Name string
}

type Patient struct {
	ID         uuid.UUID
	Name       string
	Email      *string
	TrustScore int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Schedule groups one doctor's slots in one room on one date.
type Schedule struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	RoomID    uuid.UUID
	Date      time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TimeSlot struct {
	ID             uuid.UUID
	ScheduleID     uuid.UUID
	StartTime      time.Time
	EndTime        time.Time
	TotalCapacity  int
	AvailableUnits int
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Appointment struct {
	ID              uuid.UUID
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	RoomID          uuid.UUID
	ScheduleID      uuid.UUID
	SlotID          uuid.UUID
	Status          AppointmentStatus
	Reason          string
	CreatedAt       time.Time
	StatusChangedAt time.Time
}

// HistoryAction tags what kind of operation produced a history record.
type HistoryAction string

const (
	ActionBook     HistoryAction = "book"
	ActionCancel   HistoryAction = "cancel"
	ActionConfirm  HistoryAction = "confirm"
	ActionComplete HistoryAction = "complete"
	ActionNoShow   HistoryAction = "no_show"

	ActionReschedule HistoryAction = "reschedule"
)

// HistoryRecord is one immutable entry in an appointment's audit trail.
// OperatorID is nil for system-triggered transitions.
type HistoryRecord struct {
	ID            int64
	AppointmentID uuid.UUID
	OperatorName  string
	OperatorID    *uuid.UUID
	Status        AppointmentStatus
	Reason        string
	Action        HistoryAction
	OperatedAt    time.Time
}

// AppointmentDetail is an appointment hydrated with its related rows for
// read surfaces.
type AppointmentDetail struct {
	Appointment
	Slot     *TimeSlot
	Schedule *Schedule
	Patient  *Patient
	Doctor   *Doctor
}

// HistoryView is what the history query returns: the appointment summary
// plus its ordered trail.
type HistoryView struct {
	Appointment Appointment
	Records     []HistoryRecord
}

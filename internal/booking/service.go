package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking-engine/internal/logging"
)

// Event types published to stream subjects after a transaction commits.
const (
	EventAppointmentCreated       = "appointment.created"
	EventAppointmentCancelled     = "appointment.cancelled"
	EventAppointmentStatusUpdated = "appointment.status_updated"
	EventAppointmentRescheduled   = "appointment.rescheduled"
)

// PatientEventTypes is the content firewall for patient subjects: only
// these event types may reach a patient stream. Doctor subjects carry
// everything.
var PatientEventTypes = []string{
	EventAppointmentCreated,
	EventAppointmentCancelled,
	EventAppointmentStatusUpdated,
	EventAppointmentRescheduled,
}

// systemOperator names the actor on synthesized and sweep-driven records.
const systemOperator = "system"

var ErrValidation = errors.New("invalid request")

// EventPublisher is the post-commit side channel. Implementations must be
// fire-and-forget: a publish failure never reaches the booking caller.
type EventPublisher interface {
	PublishDoctor(ctx context.Context, doctorID uuid.UUID, eventType string, payload any)
	PublishPatient(ctx context.Context, patientID uuid.UUID, eventType string, payload any)
}

type BookingRequest struct {
	PatientID  uuid.UUID
	DoctorID   uuid.UUID
	ScheduleID uuid.UUID
	SlotID     uuid.UUID
	Reason     string
}

type TransitionRequest struct {
	AppointmentID uuid.UUID
	Actor         Actor
	Target        AppointmentStatus
}

type RescheduleRequest struct {
	AppointmentID uuid.UUID
	Actor         Actor
	NewSlotID     uuid.UUID
}

// Service is the booking orchestrator: the only writer of appointments,
// slots, history, and trust scores besides nothing at all.
type Service struct {
	repo   Repository
	events EventPublisher
	loc    *time.Location
	logger *logging.Logger
	now    func() time.Time
}

func NewService(repo Repository, events EventPublisher, loc *time.Location, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		repo:   repo,
		events: events,
		loc:    loc,
		logger: logger,
		now:    time.Now,
	}
}

// Book reserves one slot unit and creates a pending appointment. Capacity
// decrement, appointment row, and the booking history record commit
// together; the stream publish happens after commit.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	patient, err := s.repo.GetPatientByID(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	doctor, err := s.repo.GetDoctorByID(ctx, req.DoctorID)
	if err != nil {
		return nil, err
	}
	schedule, err := s.repo.GetScheduleByID(ctx, req.ScheduleID)
	if err != nil {
		return nil, err
	}
	slot, err := s.repo.GetSlotByID(ctx, req.SlotID)
	if err != nil {
		return nil, err
	}

	if slot.ScheduleID != schedule.ID {
		return nil, fmt.Errorf("%w: slot does not belong to schedule", ErrValidation)
	}
	if schedule.DoctorID != doctor.ID {
		return nil, fmt.Errorf("%w: schedule does not belong to doctor", ErrValidation)
	}

	var created *Appointment
	err = s.repo.InTx(ctx, func(tx Repository) error {
		if err := tx.TryReserveSlot(ctx, req.SlotID); err != nil {
			return err
		}

		appt, err := tx.CreateAppointment(ctx, Appointment{
			PatientID:  req.PatientID,
			DoctorID:   req.DoctorID,
			RoomID:     schedule.RoomID,
			ScheduleID: req.ScheduleID,
			SlotID:     req.SlotID,
			Status:     StatusPending,
			Reason:     req.Reason,
		})
		if err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}

		operatorID := patient.ID
		if _, err := tx.AppendHistory(ctx, HistoryRecord{
			AppointmentID: appt.ID,
			OperatorName:  patient.Name,
			OperatorID:    &operatorID,
			Status:        StatusPending,
			Reason:        req.Reason,
			Action:        ActionBook,
		}); err != nil {
			return fmt.Errorf("append history: %w", err)
		}

		created = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishBoth(ctx, created, EventAppointmentCreated)
	return created, nil
}

// Transition drives the appointment state machine. Status, history, trust
// delta, and capacity release are one atomic unit; event publish is outside.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	slot, err := s.repo.GetSlotByID(ctx, appt.SlotID)
	if err != nil {
		return nil, err
	}

	plan, err := PlanTransition(req.Actor, appt, slot.StartTime, req.Target, s.now(), s.loc)
	if err != nil {
		return nil, err
	}

	updated, err := s.apply(ctx, appt, req.Actor, plan)
	if err != nil {
		return nil, err
	}

	eventType := EventAppointmentStatusUpdated
	if plan.To == StatusCancelled {
		eventType = EventAppointmentCancelled
	}
	s.publishBoth(ctx, updated, eventType)

	return updated, nil
}

// apply executes a planned transition in one transaction. The CAS status
// update doubles as the concurrency guard: when another caller already moved
// the appointment, zero rows match and the whole unit rolls back.
func (s *Service) apply(ctx context.Context, appt *Appointment, actor Actor, plan Transition) (*Appointment, error) {
	var updated *Appointment
	err := s.repo.InTx(ctx, func(tx Repository) error {
		u, err := tx.UpdateAppointmentStatus(ctx, appt.ID, appt.Status.Normalize(), plan.To, plan.Reason)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return ErrInvalidTransition
			}
			return fmt.Errorf("update status: %w", err)
		}

		rec := HistoryRecord{
			AppointmentID: appt.ID,
			OperatorName:  actor.Name,
			Status:        plan.To,
			Reason:        plan.Reason,
			Action:        plan.Action,
		}
		if actor.Role != RoleSystem {
			operatorID := actor.ID
			rec.OperatorID = &operatorID
		} else if rec.OperatorName == "" {
			rec.OperatorName = systemOperator
		}
		if _, err := tx.AppendHistory(ctx, rec); err != nil {
			return fmt.Errorf("append history: %w", err)
		}

		if plan.TrustDelta != 0 {
			if err := tx.AdjustTrustScore(ctx, appt.PatientID, plan.TrustDelta); err != nil {
				return fmt.Errorf("adjust trust score: %w", err)
			}
		}

		if plan.ReleaseSlot {
			if err := tx.ReleaseSlot(ctx, appt.SlotID); err != nil {
				return fmt.Errorf("release slot: %w", err)
			}
		}

		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Reschedule moves a pending appointment to another slot of the same
// doctor. Old unit release and new unit reserve are one transaction, so a
// full target slot leaves the appointment untouched.
func (s *Service) Reschedule(ctx context.Context, req RescheduleRequest) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	if !authorized(req.Actor, appt) || req.Actor.Role == RoleSystem {
		return nil, ErrForbidden
	}
	if appt.Status.Normalize() != StatusPending {
		return nil, ErrInvalidTransition
	}

	newSlot, err := s.repo.GetSlotByID(ctx, req.NewSlotID)
	if err != nil {
		return nil, err
	}
	newSchedule, err := s.repo.GetScheduleByID(ctx, newSlot.ScheduleID)
	if err != nil {
		return nil, err
	}
	if newSchedule.DoctorID != appt.DoctorID {
		return nil, fmt.Errorf("%w: target slot belongs to another doctor", ErrValidation)
	}

	var updated *Appointment
	err = s.repo.InTx(ctx, func(tx Repository) error {
		if err := tx.TryReserveSlot(ctx, req.NewSlotID); err != nil {
			return err
		}
		if err := tx.ReleaseSlot(ctx, appt.SlotID); err != nil {
			return fmt.Errorf("release old slot: %w", err)
		}

		u, err := tx.MoveAppointment(ctx, appt.ID, newSlot.ID, newSchedule.ID, newSchedule.RoomID)
		if err != nil {
			return fmt.Errorf("move appointment: %w", err)
		}

		operatorID := req.Actor.ID
		if _, err := tx.AppendHistory(ctx, HistoryRecord{
			AppointmentID: appt.ID,
			OperatorName:  req.Actor.Name,
			OperatorID:    &operatorID,
			Status:        u.Status,
			Reason:        "rescheduled",
			Action:        ActionReschedule,
		}); err != nil {
			return fmt.Errorf("append history: %w", err)
		}

		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishBoth(ctx, updated, EventAppointmentRescheduled)
	return updated, nil
}

// History returns the appointment summary and its ordered audit trail.
// Legacy cancelled appointments that predate the history table get one
// synthesized trailing record; it is never persisted.
func (s *Service) History(ctx context.Context, appointmentID uuid.UUID) (*HistoryView, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	records, err := s.repo.ListHistory(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	if appt.Status == StatusCancelled && !hasStatus(records, StatusCancelled) {
		records = append(records, HistoryRecord{
			AppointmentID: appt.ID,
			OperatorName:  systemOperator,
			Status:        StatusCancelled,
			Reason:        appt.Reason,
			Action:        ActionCancel,
			OperatedAt:    appt.StatusChangedAt,
		})
	}

	return &HistoryView{Appointment: *appt, Records: records}, nil
}

func hasStatus(records []HistoryRecord, status AppointmentStatus) bool {
	for i := range records {
		if records[i].Status == status {
			return true
		}
	}
	return false
}

// AutoCompleteElapsed transitions every pending appointment whose slot has
// started (clinic-local time) to completed, one transaction per appointment
// so a failure mid-batch keeps the progress already made.
func (s *Service) AutoCompleteElapsed(ctx context.Context) (int, error) {
	now := s.now().In(s.loc)
	candidates, err := s.repo.FindElapsedPending(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find elapsed pending: %w", err)
	}

	actor := Actor{Role: RoleSystem, Name: systemOperator}
	completed := 0
	for i := range candidates {
		appt := candidates[i]
		plan := Transition{
			To:     StatusCompleted,
			Reason: ReasonAutoCompleted,
			Action: ActionComplete,
		}
		updated, err := s.apply(ctx, &appt, actor, plan)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				// Another process got there first.
				continue
			}
			s.logger.Error("auto-complete failed", "appointment_id", appt.ID, "error", err)
			continue
		}
		completed++
		s.publishBoth(ctx, updated, EventAppointmentStatusUpdated)
	}

	return completed, nil
}

// GetAppointment retrieves a fully hydrated appointment by ID.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// ListAppointmentsByPatient retrieves appointments for a specific patient.
func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	limit, offset = clampPage(limit, offset)
	appointments, err := s.repo.ListAppointmentsByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appointments, nil
}

// ListAppointmentsByDoctor retrieves appointments for a specific doctor.
func (s *Service) ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	limit, offset = clampPage(limit, offset)
	appointments, err := s.repo.ListAppointmentsByDoctor(ctx, doctorID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by doctor: %w", err)
	}
	return appointments, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Service) publishBoth(ctx context.Context, appt *Appointment, eventType string) {
	if s.events == nil {
		return
	}
	payload := map[string]any{
		"appointment_id": appt.ID.String(),
		"patient_id":     appt.PatientID.String(),
		"doctor_id":      appt.DoctorID.String(),
		"slot_id":        appt.SlotID.String(),
		"status":         string(appt.Status),
		"reason":         appt.Reason,
	}
	s.events.PublishDoctor(ctx, appt.DoctorID, eventType, payload)
	s.events.PublishPatient(ctx, appt.PatientID, eventType, payload)
}

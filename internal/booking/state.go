package booking

import (
	"errors"
	"time"
)

// Trust-score deltas applied as transition side effects. The legacy system
// had divergent values between endpoints (-2 vs -5, -5 vs -6); these are the
// single canonical table.
const (
	TrustDeltaSameDayCancel  = -5
	TrustDeltaNoShow         = -5
	TrustDeltaCheckInConfirm = +1
)

const (
	ReasonSameDayCancel  = "same-day cancel"
	ReasonAdvanceCancel  = "advance cancel"
	ReasonStaffCancel    = "doctor/admin cancel"
	ReasonNoShow         = "doctor-confirmed no-show"
	ReasonAutoCompleted  = "auto-completed: elapsed"
	ReasonCheckInConfirm = "doctor confirms check-in"
)

var (
	ErrForbidden         = errors.New("actor may not perform this transition")
	ErrInvalidTransition = errors.New("status transition not legal from current state")
)

// Transition is the planned outcome of one state-machine step. The
// orchestrator applies it atomically: status+reason update, history record,
// trust delta, and slot release all land in one transaction.
type Transition struct {
	To          AppointmentStatus
	Reason      string
	TrustDelta  int
	Action      HistoryAction
	ReleaseSlot bool
}

// PlanTransition validates that actor may move appt to target and computes
// the side effects. slotStart is the appointment slot's start time; now and
// loc drive the same-calendar-day and elapsed checks.
func PlanTransition(actor Actor, appt *Appointment, slotStart time.Time, target AppointmentStatus, now time.Time, loc *time.Location) (Transition, error) {
	if !authorized(actor, appt) {
		return Transition{}, ErrForbidden
	}

	from := appt.Status.Normalize()
	if from.IsTerminal() && !(from == StatusCompleted && target == StatusNoShow) {
		return Transition{}, ErrInvalidTransition
	}

	switch target {
	case StatusCancelled:
		return planCancel(actor, from, slotStart, now, loc)
	case StatusNoShow:
		return planNoShow(actor, from)
	case StatusCompleted:
		return planComplete(actor, from, slotStart, now)
	case StatusConfirmed:
		return planConfirm(actor, from)
	default:
		return Transition{}, ErrInvalidTransition
	}
}

func planCancel(actor Actor, from AppointmentStatus, slotStart, now time.Time, loc *time.Location) (Transition, error) {
	if from != StatusPending {
		return Transition{}, ErrInvalidTransition
	}
	if dateBefore(slotStart, now, loc) {
		// The slot day has already passed; cancelling would dodge the
		// no-show path.
		return Transition{}, ErrForbidden
	}

	switch actor.Role {
	case RolePatient:
		if sameDay(slotStart, now, loc) {
			return Transition{
				To:          StatusCancelled,
				Reason:      ReasonSameDayCancel,
				TrustDelta:  TrustDeltaSameDayCancel,
				Action:      ActionCancel,
				ReleaseSlot: true,
			}, nil
		}
		return Transition{
			To:          StatusCancelled,
			Reason:      ReasonAdvanceCancel,
			Action:      ActionCancel,
			ReleaseSlot: true,
		}, nil
	case RoleDoctor, RoleAdmin:
		return Transition{
			To:          StatusCancelled,
			Reason:      ReasonStaffCancel,
			Action:      ActionCancel,
			ReleaseSlot: true,
		}, nil
	default:
		return Transition{}, ErrForbidden
	}
}

func planNoShow(actor Actor, from AppointmentStatus) (Transition, error) {
	if actor.Role != RoleDoctor {
		return Transition{}, ErrForbidden
	}
	if from != StatusCompleted {
		return Transition{}, ErrInvalidTransition
	}
	return Transition{
		To:         StatusNoShow,
		Reason:     ReasonNoShow,
		TrustDelta: TrustDeltaNoShow,
		Action:     ActionNoShow,
	}, nil
}

func planComplete(actor Actor, from AppointmentStatus, slotStart, now time.Time) (Transition, error) {
	if actor.Role != RoleSystem {
		return Transition{}, ErrForbidden
	}
	if from != StatusPending {
		return Transition{}, ErrInvalidTransition
	}
	if !slotStart.Before(now) {
		return Transition{}, ErrInvalidTransition
	}
	return Transition{
		To:     StatusCompleted,
		Reason: ReasonAutoCompleted,
		Action: ActionComplete,
	}, nil
}

func planConfirm(actor Actor, from AppointmentStatus) (Transition, error) {
	if actor.Role != RoleDoctor {
		return Transition{}, ErrForbidden
	}
	if from != StatusPending {
		return Transition{}, ErrInvalidTransition
	}
	return Transition{
		To:         StatusConfirmed,
		Reason:     ReasonCheckInConfirm,
		TrustDelta: TrustDeltaCheckInConfirm,
		Action:     ActionConfirm,
	}, nil
}

// authorized allows the appointment's own patient, its own doctor, an
// admin, or the system scheduler.
func authorized(actor Actor, appt *Appointment) bool {
	switch actor.Role {
	case RolePatient:
		return actor.ID == appt.PatientID
	case RoleDoctor:
		return actor.ID == appt.DoctorID
	case RoleAdmin, RoleSystem:
		return true
	}
	return false
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// dateBefore reports whether a's calendar date in loc is strictly before b's.
func dateBefore(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	if ay != by {
		return ay < by
	}
	if am != bm {
		return am < bm
	}
	return ad < bd
}

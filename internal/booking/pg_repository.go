package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the subset of pgxpool.Pool the repository needs. pgx.Tx also
// satisfies it, which is how InTx rebinds the repository to a transaction,
// and pgxmock drives it in tests.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	db querier
}

func NewPgRepository(db querier) *PgRepository {
	return &PgRepository{db: db}
}

func (r *PgRepository) InTx(ctx context.Context, fn func(Repository) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&PgRepository{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&email,
		&p.TrustScore,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	return &p, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var specialty *string

	err := row.Scan(
		&d.ID,
		&d.Name,
		&specialty,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	d.Specialty = specialty
	return &d, nil
}

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var s Schedule

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.RoomID,
		&s.Date,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}

	return &s, nil
}

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot

	err := row.Scan(
		&s.ID,
		&s.ScheduleID,
		&s.StartTime,
		&s.EndTime,
		&s.TotalCapacity,
		&s.AvailableUnits,
		&s.IsActive,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.RoomID,
		&a.ScheduleID,
		&a.SlotID,
		&a.Status,
		&a.Reason,
		&a.CreatedAt,
		&a.StatusChangedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Status = a.Status.Normalize()
	return &a, nil
}

func scanHistoryRecord(row pgx.Row) (*HistoryRecord, error) {
	var h HistoryRecord
	var operatorID *uuid.UUID

	err := row.Scan(
		&h.ID,
		&h.AppointmentID,
		&h.OperatorName,
		&operatorID,
		&h.Status,
		&h.Reason,
		&h.Action,
		&h.OperatedAt,
	)
	if err != nil {
		return nil, err
	}

	h.OperatorID = operatorID
	return &h, nil
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, email, trust_score, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, specialty, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetScheduleByID(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, doctor_id, room_id, date, created_at, updated_at
		FROM schedules
		WHERE id = $1
	`, id)
	return scanSchedule(row)
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, schedule_id, start_time, end_time, total_capacity, available_units, is_active, created_at, updated_at
		FROM time_slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, patient_id, doctor_id, room_id, schedule_id, slot_id, status, reason, created_at, status_changed_at
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

// TryReserveSlot is the overbooking guard: one conditional decrement that
// only lands when a unit is free and the slot is active. Zero rows affected
// means the whole booking must abort.
func (r *PgRepository) TryReserveSlot(ctx context.Context, slotID uuid.UUID) error {
	ct, err := r.db.Exec(ctx, `
		UPDATE time_slots
		SET available_units = available_units - 1,
		    updated_at = now()
		WHERE id = $1
		  AND available_units > 0
		  AND is_active
	`, slotID)
	if err != nil {
		return fmt.Errorf("reserve slot: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return nil
	}

	// Disambiguate the failure for the caller.
	slot, err := r.GetSlotByID(ctx, slotID)
	if err != nil {
		return err
	}
	if !slot.IsActive {
		return ErrSlotInactive
	}
	return ErrSlotFull
}

// ReleaseSlot increments available units, bounded at total capacity.
// At-most-one release per appointment is the state machine's job.
func (r *PgRepository) ReleaseSlot(ctx context.Context, slotID uuid.UUID) error {
	ct, err := r.db.Exec(ctx, `
		UPDATE time_slots
		SET available_units = LEAST(available_units + 1, total_capacity),
		    updated_at = now()
		WHERE id = $1
	`, slotID)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *PgRepository) CreateAppointment(ctx context.Context, appt Appointment) (*Appointment, error) {
	id := appt.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, room_id, schedule_id, slot_id, status, reason, created_at, status_changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING id, patient_id, doctor_id, room_id, schedule_id, slot_id, status, reason, created_at, status_changed_at
	`, id, appt.PatientID, appt.DoctorID, appt.RoomID, appt.ScheduleID, appt.SlotID, appt.Status, appt.Reason)

	return scanAppointment(row)
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, reason string) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    reason = $3,
		    status_changed_at = now()
		WHERE id = $1
		  AND status = ANY($4)
		RETURNING id, patient_id, doctor_id, room_id, schedule_id, slot_id, status, reason, created_at, status_changed_at
	`, id, to, reason, rawStatuses(from))

	return scanAppointment(row)
}

// MoveAppointment repoints a still-pending appointment at a new slot. The
// status guard keeps a concurrent cancel or sweep from being overwritten.
func (r *PgRepository) MoveAppointment(ctx context.Context, id, slotID, scheduleID, roomID uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET slot_id = $2,
		    schedule_id = $3,
		    room_id = $4,
		    status_changed_at = now()
		WHERE id = $1
		  AND status = ANY($5)
		RETURNING id, patient_id, doctor_id, room_id, schedule_id, slot_id, status, reason, created_at, status_changed_at
	`, id, slotID, scheduleID, roomID, rawStatuses(StatusPending))

	return scanAppointment(row)
}

// rawStatuses expands a normalized status to the stored values it may have
// on disk. Legacy rows still carry checked_in where pending is meant.
func rawStatuses(s AppointmentStatus) []string {
	if s == StatusPending {
		return []string{string(StatusPending), string(statusCheckedIn)}
	}
	return []string{string(s)}
}

func (r *PgRepository) AppendHistory(ctx context.Context, rec HistoryRecord) (*HistoryRecord, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO appointment_history (appointment_id, operator_name, operator_id, status, reason, action, operated_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
		RETURNING id, appointment_id, operator_name, operator_id, status, reason, action, operated_at
	`, rec.AppointmentID, rec.OperatorName, rec.OperatorID, rec.Status, rec.Reason, rec.Action, nullableTime(rec.OperatedAt))

	h, err := scanHistoryRecord(row)
	if err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}
	return h, nil
}

func (r *PgRepository) ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]HistoryRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, appointment_id, operator_name, operator_id, status, reason, action, operated_at
		FROM appointment_history
		WHERE appointment_id = $1
		ORDER BY operated_at ASC, id ASC
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []HistoryRecord
	for rows.Next() {
		h, err := scanHistoryRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *h)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) AdjustTrustScore(ctx context.Context, patientID uuid.UUID, delta int) error {
	ct, err := r.db.Exec(ctx, `
		UPDATE patients
		SET trust_score = trust_score + $2,
		    updated_at = now()
		WHERE id = $1
	`, patientID, delta)
	if err != nil {
		return fmt.Errorf("adjust trust score: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}

func (r *PgRepository) FindElapsedPending(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT a.id, a.patient_id, a.doctor_id, a.room_id, a.schedule_id, a.slot_id, a.status, a.reason, a.created_at, a.status_changed_at
		FROM appointments a
		JOIN time_slots s ON s.id = a.slot_id
		WHERE a.status = ANY($1)
		  AND s.start_time < $2
		ORDER BY s.start_time ASC
	`, rawStatuses(StatusPending), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	appt, err := r.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.hydrate(ctx, appt)
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	return r.listAppointments(ctx, "patient_id", patientID, limit, offset)
}

func (r *PgRepository) ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	return r.listAppointments(ctx, "doctor_id", doctorID, limit, offset)
}

func (r *PgRepository) listAppointments(ctx context.Context, column string, id uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT id, patient_id, doctor_id, room_id, schedule_id, slot_id, status, reason, created_at, status_changed_at
		FROM appointments
		WHERE %s = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, column), id, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]AppointmentDetail, 0, len(appts))
	for i := range appts {
		detail, err := r.hydrate(ctx, &appts[i])
		if err != nil {
			return nil, err
		}
		result = append(result, *detail)
	}
	return result, nil
}

func (r *PgRepository) hydrate(ctx context.Context, appt *Appointment) (*AppointmentDetail, error) {
	slot, err := r.GetSlotByID(ctx, appt.SlotID)
	if err != nil {
		return nil, err
	}
	schedule, err := r.GetScheduleByID(ctx, appt.ScheduleID)
	if err != nil {
		return nil, err
	}
	patient, err := r.GetPatientByID(ctx, appt.PatientID)
	if err != nil {
		return nil, err
	}
	doctor, err := r.GetDoctorByID(ctx, appt.DoctorID)
	if err != nil {
		return nil, err
	}

	return &AppointmentDetail{
		Appointment: *appt,
		Slot:        slot,
		Schedule:    schedule,
		Patient:     patient,
		Doctor:      doctor,
	}, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

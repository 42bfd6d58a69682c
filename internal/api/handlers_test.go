package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-booking-engine/internal/booking"
	"github.com/hackgods/clinic-booking-engine/internal/config"
	"github.com/hackgods/clinic-booking-engine/internal/logging"
	"github.com/hackgods/clinic-booking-engine/internal/stream"
)

// stubRepo embeds the interface so each test only fills in the calls its
// path exercises; anything unexpected panics loudly.
type stubRepo struct {
	booking.Repository

	patient  *booking.Patient
	doctor   *booking.Doctor
	schedule *booking.Schedule
	slot     *booking.TimeSlot
	appt     *booking.Appointment

	reserveErr error
	history    []booking.HistoryRecord
	elapsed    []booking.Appointment
}

func (s *stubRepo) InTx(ctx context.Context, fn func(booking.Repository) error) error {
	return fn(s)
}

func (s *stubRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*booking.Patient, error) {
	if s.patient == nil || s.patient.ID != id {
		return nil, booking.ErrPatientNotFound
	}
	return s.patient, nil
}

func (s *stubRepo) GetDoctorByID(_ context.Context, id uuid.UUID) (*booking.Doctor, error) {
	if s.doctor == nil || s.doctor.ID != id {
		return nil, booking.ErrDoctorNotFound
	}
	return s.doctor, nil
}

func (s *stubRepo) GetScheduleByID(_ context.Context, id uuid.UUID) (*booking.Schedule, error) {
	if s.schedule == nil || s.schedule.ID != id {
		return nil, booking.ErrScheduleNotFound
	}
	return s.schedule, nil
}

func (s *stubRepo) GetSlotByID(_ context.Context, id uuid.UUID) (*booking.TimeSlot, error) {
	if s.slot == nil || s.slot.ID != id {
		return nil, booking.ErrSlotNotFound
	}
	return s.slot, nil
}

func (s *stubRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*booking.Appointment, error) {
	if s.appt == nil || s.appt.ID != id {
		return nil, booking.ErrAppointmentNotFound
	}
	return s.appt, nil
}

func (s *stubRepo) TryReserveSlot(context.Context, uuid.UUID) error {
	return s.reserveErr
}

func (s *stubRepo) ReleaseSlot(context.Context, uuid.UUID) error { return nil }

func (s *stubRepo) CreateAppointment(_ context.Context, appt booking.Appointment) (*booking.Appointment, error) {
	appt.ID = uuid.New()
	appt.CreatedAt = time.Now()
	appt.StatusChangedAt = appt.CreatedAt
	s.appt = &appt
	return &appt, nil
}

func (s *stubRepo) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to booking.AppointmentStatus, reason string) (*booking.Appointment, error) {
	if s.appt == nil || s.appt.ID != id || s.appt.Status.Normalize() != from {
		return nil, booking.ErrAppointmentNotFound
	}
	s.appt.Status = to
	s.appt.Reason = reason
	return s.appt, nil
}

func (s *stubRepo) AppendHistory(_ context.Context, rec booking.HistoryRecord) (*booking.HistoryRecord, error) {
	rec.ID = int64(len(s.history) + 1)
	s.history = append(s.history, rec)
	return &rec, nil
}

func (s *stubRepo) ListHistory(context.Context, uuid.UUID) ([]booking.HistoryRecord, error) {
	return s.history, nil
}

func (s *stubRepo) AdjustTrustScore(context.Context, uuid.UUID, int) error { return nil }

func (s *stubRepo) FindElapsedPending(context.Context, time.Time) ([]booking.Appointment, error) {
	return s.elapsed, nil
}

const testSweepToken = "sweep-secret"

func newTestServer(repo *stubRepo) http.Handler {
	logger := logging.New("error")
	svc := booking.NewService(repo, nil, time.UTC, logger)
	return NewRouter(RouterConfig{
		Service: svc,
		Reader:  stream.NewMemoryLog(16),
		Config:  config.Config{Env: "test", SweepToken: testSweepToken},
		Logger:  logger,
		Version: "test",
	})
}

func seededRepo() *stubRepo {
	doctor := &booking.Doctor{ID: uuid.New(), Name: "Dr. Varga"}
	schedule := &booking.Schedule{ID: uuid.New(), DoctorID: doctor.ID, RoomID: uuid.New()}
	return &stubRepo{
		patient:  &booking.Patient{ID: uuid.New(), Name: "Ines Diallo"},
		doctor:   doctor,
		schedule: schedule,
		slot: &booking.TimeSlot{
			ID:             uuid.New(),
			ScheduleID:     schedule.ID,
			StartTime:      time.Now().Add(48 * time.Hour),
			TotalCapacity:  2,
			AvailableUnits: 2,
			IsActive:       true,
		},
	}
}

func postJSON(t *testing.T, router http.Handler, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func actorHeader(actor booking.Actor) http.Header {
	h := http.Header{}
	h.Set("X-Actor-Id", actor.ID.String())
	h.Set("X-Actor-Role", string(actor.Role))
	h.Set("X-Actor-Name", actor.Name)
	return h
}

func createBody(repo *stubRepo) CreateAppointmentRequest {
	return CreateAppointmentRequest{
		PatientID:  repo.patient.ID.String(),
		DoctorID:   repo.doctor.ID.String(),
		ScheduleID: repo.schedule.ID.String(),
		SlotID:     repo.slot.ID.String(),
		Reason:     "checkup",
	}
}

func TestCreateAppointment(t *testing.T) {
	repo := seededRepo()
	router := newTestServer(repo)

	rec := postJSON(t, router, "/appointments", createBody(repo), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, repo.patient.ID, resp.PatientID)
	assert.NotEqual(t, uuid.Nil, resp.ID)
}

func TestCreateAppointmentUnknownPatient(t *testing.T) {
	repo := seededRepo()
	router := newTestServer(repo)

	body := createBody(repo)
	body.PatientID = uuid.NewString()

	rec := postJSON(t, router, "/appointments", body, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp.Error)
	assert.Contains(t, resp.Details, "refresh")
}

func TestCreateAppointmentSlotFull(t *testing.T) {
	repo := seededRepo()
	repo.reserveErr = booking.ErrSlotFull
	router := newTestServer(repo)

	rec := postJSON(t, router, "/appointments", createBody(repo), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "slot_full", resp.Error)
}

func TestCreateAppointmentMalformedIDs(t *testing.T) {
	repo := seededRepo()
	router := newTestServer(repo)

	body := createBody(repo)
	body.SlotID = "not-a-uuid"

	rec := postJSON(t, router, "/appointments", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransitionCancel(t *testing.T) {
	repo := seededRepo()
	router := newTestServer(repo)

	rec := postJSON(t, router, "/appointments", createBody(repo), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	actor := booking.Actor{ID: repo.patient.ID, Role: booking.RolePatient, Name: repo.patient.Name}
	rec = postJSON(t, router, "/appointments/"+repo.appt.ID.String()+"/status",
		TransitionRequest{TargetStatus: "cancelled"}, actorHeader(actor))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cancelled", resp.Status)
}

func TestTransitionForbiddenForStranger(t *testing.T) {
	repo := seededRepo()
	router := newTestServer(repo)

	rec := postJSON(t, router, "/appointments", createBody(repo), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	stranger := booking.Actor{ID: uuid.New(), Role: booking.RolePatient, Name: "stranger"}
	rec = postJSON(t, router, "/appointments/"+repo.appt.ID.String()+"/status",
		TransitionRequest{TargetStatus: "cancelled"}, actorHeader(stranger))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "forbidden", resp.Error)
	assert.Equal(t, "permission denied", resp.Details)
}

func TestTransitionConflictFromTerminalState(t *testing.T) {
	repo := seededRepo()
	router := newTestServer(repo)

	rec := postJSON(t, router, "/appointments", createBody(repo), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	repo.appt.Status = booking.StatusCancelled

	admin := booking.Actor{ID: uuid.New(), Role: booking.RoleAdmin, Name: "front desk"}
	rec = postJSON(t, router, "/appointments/"+repo.appt.ID.String()+"/status",
		TransitionRequest{TargetStatus: "cancelled"}, actorHeader(admin))
	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_status_transition", resp.Error)
}

func TestTransitionRejectsBadInput(t *testing.T) {
	repo := seededRepo()
	router := newTestServer(repo)
	path := "/appointments/" + uuid.NewString() + "/status"
	actor := booking.Actor{ID: uuid.New(), Role: booking.RoleAdmin}

	// Unknown target status.
	rec := postJSON(t, router, path, TransitionRequest{TargetStatus: "archived"}, actorHeader(actor))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing actor headers.
	rec = postJSON(t, router, path, TransitionRequest{TargetStatus: "cancelled"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Actors cannot claim the system role through headers.
	system := booking.Actor{ID: uuid.New(), Role: booking.RoleSystem}
	rec = postJSON(t, router, path, TransitionRequest{TargetStatus: "completed"}, actorHeader(system))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	repo := seededRepo()
	router := newTestServer(repo)

	rec := postJSON(t, router, "/appointments", createBody(repo), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/appointments/"+repo.appt.ID.String()+"/history", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "book", resp.Records[0].Action)
	assert.Equal(t, repo.patient.Name, resp.Records[0].OperatorName)
}

func TestSweepEndpointTokenGate(t *testing.T) {
	repo := seededRepo()
	router := newTestServer(repo)

	rec := postJSON(t, router, "/internal/sweep", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = postJSON(t, router, "/internal/sweep?token=wrong", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = postJSON(t, router, "/internal/sweep?token="+testSweepToken, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SweepResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Completed)
}

func TestSweepDisabledWithoutToken(t *testing.T) {
	repo := seededRepo()
	logger := logging.New("error")
	svc := booking.NewService(repo, nil, time.UTC, logger)
	router := NewRouter(RouterConfig{
		Service: svc,
		Reader:  stream.NewMemoryLog(16),
		Config:  config.Config{Env: "test"},
		Logger:  logger,
	})

	// No configured token means no query value can ever match.
	rec := postJSON(t, router, "/internal/sweep?token=", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListAppointmentsRequiresFilter(t *testing.T) {
	router := newTestServer(seededRepo())

	req := httptest.NewRequest(http.MethodGet, "/appointments", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

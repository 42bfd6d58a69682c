package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-booking-engine/internal/logging"
	"github.com/hackgods/clinic-booking-engine/internal/stream"
)

func newEventsRouter(log *stream.MemoryLog, pollInterval, heartbeatInterval time.Duration) http.Handler {
	h := NewEventsHandler(log, "test", pollInterval, heartbeatInterval, logging.New("error"))
	r := chi.NewRouter()
	r.Get("/events/{kind}/{id}", h.ServeSSE)
	r.Get("/events/{kind}/{id}/poll", h.ServePoll)
	return r
}

// serveSSE runs the stream handler until the deadline passes and returns
// the raw body written so far.
func serveSSE(t *testing.T, router http.Handler, target string, header http.Header, d time.Duration) *httptest.ResponseRecorder {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestServeSSEReplaysBacklogInOneBatch(t *testing.T) {
	log := stream.NewMemoryLog(256)
	doctorID := uuid.New()
	subject := stream.Subject("test", stream.KindDoctor, doctorID.String())

	// Two events exist before the subscriber's first poll tick.
	id1, err := log.Publish(context.Background(), subject, "appointment.created", []byte(`{"n":1}`))
	require.NoError(t, err)
	id2, err := log.Publish(context.Background(), subject, "appointment.cancelled", []byte(`{"n":2}`))
	require.NoError(t, err)

	router := newEventsRouter(log, time.Hour, time.Hour)
	rec := serveSSE(t, router, "/events/doctor/"+doctorID.String()+"?last_event_id=0-0", nil, 150*time.Millisecond)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	first := strings.Index(body, "id: "+id1)
	second := strings.Index(body, "id: "+id2)
	require.GreaterOrEqual(t, first, 0, "body: %s", body)
	require.Greater(t, second, first, "body: %s", body)
	assert.Contains(t, body, "event: appointment.created")
	assert.Contains(t, body, `data: {"n":1}`)
}

func TestServeSSEResumesFromLastEventID(t *testing.T) {
	log := stream.NewMemoryLog(256)
	patientID := uuid.New()
	subject := stream.Subject("test", stream.KindPatient, patientID.String())

	id1, err := log.Publish(context.Background(), subject, "appointment.created", []byte(`{}`))
	require.NoError(t, err)
	id2, err := log.Publish(context.Background(), subject, "appointment.cancelled", []byte(`{}`))
	require.NoError(t, err)

	router := newEventsRouter(log, time.Hour, time.Hour)
	header := http.Header{"Last-Event-ID": []string{id1}}
	rec := serveSSE(t, router, "/events/patient/"+patientID.String(), header, 150*time.Millisecond)

	body := rec.Body.String()
	assert.NotContains(t, body, "id: "+id1)
	assert.Contains(t, body, "id: "+id2)
}

func TestServeSSEHeartbeat(t *testing.T) {
	log := stream.NewMemoryLog(256)
	router := newEventsRouter(log, time.Hour, 20*time.Millisecond)

	rec := serveSSE(t, router, "/events/doctor/"+uuid.NewString(), nil, 150*time.Millisecond)
	assert.Contains(t, rec.Body.String(), ": heartbeat")
}

func TestServeSSEPicksUpNewEvents(t *testing.T) {
	log := stream.NewMemoryLog(256)
	doctorID := uuid.New()
	subject := stream.Subject("test", stream.KindDoctor, doctorID.String())

	router := newEventsRouter(log, 20*time.Millisecond, time.Hour)

	published := make(chan string, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		id, _ := log.Publish(context.Background(), subject, "appointment.created", []byte(`{}`))
		published <- id
	}()

	rec := serveSSE(t, router, "/events/doctor/"+doctorID.String(), nil, 300*time.Millisecond)
	assert.Contains(t, rec.Body.String(), "id: "+<-published)
}

func TestEventsSubjectValidation(t *testing.T) {
	router := newEventsRouter(stream.NewMemoryLog(256), time.Hour, time.Hour)

	tests := []struct {
		name   string
		target string
	}{
		{"unknown kind", "/events/clinic/" + uuid.NewString()},
		{"malformed id", "/events/doctor/not-a-uuid"},
		{"malformed cursor", "/events/doctor/" + uuid.NewString() + "?last_event_id=banana"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestServePollCursorAdvances(t *testing.T) {
	log := stream.NewMemoryLog(256)
	doctorID := uuid.New()
	subject := stream.Subject("test", stream.KindDoctor, doctorID.String())

	var last string
	for i := 0; i < 3; i++ {
		id, err := log.Publish(context.Background(), subject, "tick", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		last = id
	}

	router := newEventsRouter(log, time.Hour, time.Hour)
	base := "/events/doctor/" + doctorID.String() + "/poll"

	req := httptest.NewRequest(http.MethodGet, base, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []stream.Event `json:"events"`
		Cursor string         `json:"cursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 3)
	assert.Equal(t, last, resp.Cursor)

	// Polling again from the returned cursor yields nothing new and the
	// cursor stands still: re-delivery cannot happen.
	req = httptest.NewRequest(http.MethodGet, base+"?last_event_id="+resp.Cursor, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Events)
	assert.Equal(t, last, resp.Cursor)
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking-engine/internal/logging"
	"github.com/hackgods/clinic-booking-engine/internal/stream"
)

// StreamReader is the read side of the event bus.
type StreamReader interface {
	RangeAfter(ctx context.Context, subject, afterID string, limit int64) ([]stream.Event, error)
}

const rangeBatchLimit = 64

// EventsHandler serves the per-subscriber delivery channels: an SSE stream
// that replays from the client's cursor and then tails the subject, and a
// plain one-shot poll for clients without SSE support. The stream is a
// latency optimization only; clients reconcile through the ordinary query
// endpoints when their cursor is lost.
type EventsHandler struct {
	reader            StreamReader
	env               string
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	logger            *logging.Logger
}

func NewEventsHandler(reader StreamReader, env string, pollInterval, heartbeatInterval time.Duration, logger *logging.Logger) *EventsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 25 * time.Second
	}
	return &EventsHandler{
		reader:            reader,
		env:               env,
		pollInterval:      pollInterval,
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
	}
}

func (h *EventsHandler) subjectFromRequest(w http.ResponseWriter, r *http.Request) (subject, cursor string, ok bool) {
	kind := chi.URLParam(r, "kind")
	if kind != stream.KindDoctor && kind != stream.KindPatient {
		writeError(w, http.StatusBadRequest, "invalid_subject_kind", "kind must be doctor or patient")
		return "", "", false
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_subject_id", "id must be a valid UUID")
		return "", "", false
	}

	cursor = r.URL.Query().Get("last_event_id")
	if cursor == "" {
		cursor = r.Header.Get("Last-Event-ID")
	}
	if cursor == "" {
		cursor = stream.CursorStart
	}
	if _, _, err := stream.ParseID(cursor); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cursor", "last_event_id must look like 1700000000000-0")
		return "", "", false
	}

	return stream.Subject(h.env, kind, id.String()), cursor, true
}

// ServeSSE holds the connection open, replays everything after the cursor,
// then polls the bus and pushes new entries as discrete SSE messages with
// heartbeats in between. The loop ends when the client disconnects; tickers
// are released with it.
func (h *EventsHandler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	subject, cursor, ok := h.subjectFromRequest(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusNotImplemented, "streaming_unsupported", "use the poll endpoint instead")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Initial replay before the first poll tick, so a subscriber that
	// reconnects sees its backlog in one batch.
	cursor = h.deliver(ctx, w, flusher, subject, cursor)

	pollTicker := time.NewTicker(h.pollInterval)
	defer pollTicker.Stop()
	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			cursor = h.deliver(ctx, w, flusher, subject, cursor)
		case <-heartbeat.C:
			// Comment frame keeps intermediaries from closing the
			// connection during idle stretches.
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// deliver drains everything newer than cursor and returns the advanced
// cursor. A bus read failure skips the cycle; the cursor stays put so
// nothing is lost.
func (h *EventsHandler) deliver(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, subject, cursor string) string {
	for {
		events, err := h.reader.RangeAfter(ctx, subject, cursor, rangeBatchLimit)
		if err != nil {
			h.logger.Warn("event delivery poll failed", "subject", subject, "error", err)
			return cursor
		}
		if len(events) == 0 {
			return cursor
		}

		for _, ev := range events {
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Payload); err != nil {
				return cursor
			}
			cursor = ev.ID
		}
		flusher.Flush()

		if int64(len(events)) < rangeBatchLimit {
			return cursor
		}
	}
}

type pollResponse struct {
	Events []stream.Event `json:"events"`
	Cursor string         `json:"cursor"`
}

// ServePoll is the degraded delivery path: one read, one JSON batch.
func (h *EventsHandler) ServePoll(w http.ResponseWriter, r *http.Request) {
	subject, cursor, ok := h.subjectFromRequest(w, r)
	if !ok {
		return
	}

	events, err := h.reader.RangeAfter(r.Context(), subject, cursor, rangeBatchLimit)
	if err != nil {
		h.logger.Warn("event poll failed", "subject", subject, "error", err)
		writeError(w, http.StatusServiceUnavailable, "stream_unavailable", "event stream temporarily unavailable")
		return
	}

	next := cursor
	if len(events) > 0 {
		next = events[len(events)-1].ID
	}
	if events == nil {
		events = []stream.Event{}
	}

	writeJSON(w, http.StatusOK, pollResponse{Events: events, Cursor: next})
}

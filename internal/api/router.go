package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hackgods/clinic-booking-engine/internal/booking"
	"github.com/hackgods/clinic-booking-engine/internal/config"
	"github.com/hackgods/clinic-booking-engine/internal/logging"
)

type RouterConfig struct {
	Service *booking.Service
	Reader  StreamReader
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Config  config.Config
	Logger  *logging.Logger
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Config.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Appointment endpoints
	r.Post("/appointments", createAppointmentHandler(cfg.Service))
	r.Get("/appointments", listAppointmentsHandler(cfg.Service))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
	r.Get("/appointments/{id}/history", historyHandler(cfg.Service))
	r.Post("/appointments/{id}/status", transitionAppointmentHandler(cfg.Service))
	r.Post("/appointments/{id}/reschedule", rescheduleAppointmentHandler(cfg.Service))

	// Event delivery channels. Rate limited per IP so reconnect storms
	// do not multiply bus reads.
	events := NewEventsHandler(cfg.Reader, cfg.Config.Env, cfg.Config.EventPollInterval, cfg.Config.HeartbeatInterval, cfg.Logger)
	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(rate.Limit(2), 5))
		r.Get("/events/{kind}/{id}", events.ServeSSE)
		r.Get("/events/{kind}/{id}/poll", events.ServePoll)
	})

	// Externally-triggered sweep, token gated
	r.Post("/internal/sweep", sweepHandler(cfg.Service, cfg.Config.SweepToken))

	return r
}

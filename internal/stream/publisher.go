package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking-engine/internal/logging"
)

const publishTimeout = 5 * time.Second

// Publisher is the fire-and-forget face of the bus that the booking
// orchestrator sees. Publishes run detached from the caller's context so a
// committed transaction is never blocked or failed by the side channel.
type Publisher struct {
	bus          *Bus
	env          string
	logger       *logging.Logger
	patientAllow map[string]struct{}
}

// NewPublisher wires the bus for an environment. patientAllowed is the
// content firewall: event types a patient subject may receive; doctor
// subjects are unrestricted.
func NewPublisher(bus *Bus, env string, patientAllowed []string, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Default()
	}
	allow := make(map[string]struct{}, len(patientAllowed))
	for _, t := range patientAllowed {
		allow[t] = struct{}{}
	}
	return &Publisher{
		bus:          bus,
		env:          env,
		logger:       logger,
		patientAllow: allow,
	}
}

func (p *Publisher) PublishDoctor(ctx context.Context, doctorID uuid.UUID, eventType string, payload any) {
	p.publish(ctx, Subject(p.env, KindDoctor, doctorID.String()), eventType, payload)
}

func (p *Publisher) PublishPatient(ctx context.Context, patientID uuid.UUID, eventType string, payload any) {
	if _, ok := p.patientAllow[eventType]; !ok {
		p.logger.Debug("event type not allowed on patient subjects", "type", eventType)
		return
	}
	p.publish(ctx, Subject(p.env, KindPatient, patientID.String()), eventType, payload)
}

func (p *Publisher) publish(ctx context.Context, subject, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("stream publish failed",
			"category", "serialization",
			"subject", subject,
			"type", eventType,
			"error", err,
		)
		return
	}

	// Detach from the request context: the transaction already committed.
	pubCtx := context.WithoutCancel(ctx)

	go func() {
		timed, cancel := context.WithTimeout(pubCtx, publishTimeout)
		defer cancel()
		// Bus.Publish logs its own failures with backend and category.
		_, _ = p.bus.Publish(timed, subject, eventType, data)
	}()
}

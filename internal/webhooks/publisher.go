// Package webhooks delivers platform events to seller-registered HTTPS
// endpoints with signed payloads and scheduled retries.
package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tollgate/server/internal/store"
)

// Envelope is the JSON body POSTed to webhook endpoints.
type Envelope struct {
	ID        string             `json:"id"`
	Type      store.WebhookEvent `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Data      any                `json:"data"`
}

// Publisher fans events out to every matching webhook's delivery queue.
// Enqueueing is what gets retried by the dispatcher; Publish itself never
// contacts the endpoint.
type Publisher struct {
	store store.Store
	log   zerolog.Logger
	now   func() time.Time
}

// NewPublisher creates a publisher over the primary store.
func NewPublisher(st store.Store, log zerolog.Logger) *Publisher {
	return &Publisher{
		store: st,
		log:   log.With().Str("component", "webhooks").Logger(),
		now:   time.Now,
	}
}

// Publish enqueues one delivery per subscribed webhook of the org. A
// failure to enqueue for one endpoint does not block the others.
func (p *Publisher) Publish(ctx context.Context, orgID string, event store.WebhookEvent, data any) error {
	if !store.KnownEvent(event) {
		return fmt.Errorf("webhooks: unknown event type %q", event)
	}
	hooks, err := p.store.ListWebhooksForEvent(ctx, orgID, event)
	if err != nil {
		return fmt.Errorf("webhooks: list subscribers: %w", err)
	}
	if len(hooks) == 0 {
		return nil
	}

	now := p.now().UTC()
	var firstErr error
	for _, hook := range hooks {
		env := Envelope{
			ID:        newEventID(),
			Type:      event,
			Timestamp: now,
			Data:      data,
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("webhooks: marshal envelope: %w", err)
		}
		d := &store.WebhookDelivery{
			WebhookID:     hook.ID,
			Event:         event,
			Payload:       payload,
			Status:        store.DeliveryPending,
			NextAttemptAt: now,
		}
		if err := p.store.EnqueueDelivery(ctx, d); err != nil {
			p.log.Error().Err(err).Str("webhook_id", hook.ID).
				Str("event", string(event)).Msg("enqueue delivery failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.log.Debug().Str("webhook_id", hook.ID).Str("delivery_id", d.ID).
			Str("event", string(event)).Msg("delivery enqueued")
	}
	return firstErr
}

package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tollgate/server/internal/circuitbreaker"
	"github.com/tollgate/server/internal/config"
	"github.com/tollgate/server/internal/httputil"
	"github.com/tollgate/server/internal/metrics"
	"github.com/tollgate/server/internal/store"
)

// retryDelays is the schedule between delivery attempts: 1m, 5m, 30m, 2h,
// then daily.
var retryDelays = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	1800 * time.Second,
	7200 * time.Second,
	86400 * time.Second,
}

const (
	defaultMaxAttempts  = 5
	defaultPollInterval = 5 * time.Second
	dequeueBatch        = 10
)

// Dispatcher drains the persistent delivery queue. Deliveries survive
// restarts because scheduling state lives in the store, not in goroutines.
type Dispatcher struct {
	store       store.Store
	breaker     *circuitbreaker.Manager
	metrics     *metrics.Metrics
	httpClient  *http.Client
	log         zerolog.Logger
	poll        time.Duration
	maxAttempts int
	now         func() time.Time

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewDispatcher creates a dispatcher; call Start to begin draining.
func NewDispatcher(st store.Store, cfg config.WebhooksConfig, breaker *circuitbreaker.Manager, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	poll := cfg.PollInterval.Duration
	if poll <= 0 {
		poll = defaultPollInterval
	}
	timeout := cfg.DeliveryTimeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Dispatcher{
		store:       st,
		breaker:     breaker,
		metrics:     m,
		httpClient:  httputil.NewClient(timeout),
		log:         log.With().Str("component", "webhook_dispatcher").Logger(),
		poll:        poll,
		maxAttempts: maxAttempts,
		now:         time.Now,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// Start launches the polling loop.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

// Close stops the loop and waits for the in-flight batch to finish.
func (d *Dispatcher) Close() error {
	close(d.stopChan)
	<-d.doneChan
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneChan)
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	d.log.Info().Dur("poll_interval", d.poll).Msg("webhook dispatcher started")
	for {
		select {
		case <-d.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.processBatch(ctx)
		}
	}
}

func (d *Dispatcher) processBatch(ctx context.Context) {
	due, err := d.store.DequeueDeliveries(ctx, d.now(), dequeueBatch)
	if err != nil {
		d.log.Error().Err(err).Msg("dequeue deliveries failed")
		return
	}
	for _, delivery := range due {
		d.processDelivery(ctx, delivery)
	}
}

func (d *Dispatcher) processDelivery(ctx context.Context, delivery *store.WebhookDelivery) {
	// Claim first so a second dispatcher cannot double-send.
	if err := d.store.MarkDeliveryProcessing(ctx, delivery.ID); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			d.log.Error().Err(err).Str("delivery_id", delivery.ID).Msg("claim delivery failed")
		}
		return
	}
	attempt := delivery.Attempts + 1

	hook, err := d.store.GetWebhook(ctx, delivery.WebhookID)
	if err != nil {
		// Endpoint deleted while queued. Nothing left to deliver to.
		_ = d.store.MarkDeliveryFailed(ctx, delivery.ID, "webhook no longer exists", time.Time{}, true)
		return
	}

	start := d.now()
	sendErr := d.send(ctx, hook, delivery)
	elapsed := d.now().Sub(start)

	if sendErr == nil {
		d.metrics.ObserveWebhook(string(delivery.Event), "delivered", elapsed)
		if err := d.store.MarkDeliveryDelivered(ctx, delivery.ID); err != nil {
			d.log.Error().Err(err).Str("delivery_id", delivery.ID).Msg("mark delivered failed")
		}
		if _, err := d.store.RecordWebhookOutcome(ctx, hook.ID, true); err != nil {
			d.log.Error().Err(err).Str("webhook_id", hook.ID).Msg("record outcome failed")
		}
		d.log.Info().Str("delivery_id", delivery.ID).Str("event", string(delivery.Event)).
			Int("attempt", attempt).Dur("duration", elapsed).Msg("webhook delivered")
		return
	}

	terminal := attempt >= d.maxAttempts
	status := "retrying"
	if terminal {
		status = "exhausted"
	}
	d.metrics.ObserveWebhook(string(delivery.Event), status, elapsed)

	nextAttempt := d.now().Add(delayForAttempt(attempt))
	if err := d.store.MarkDeliveryFailed(ctx, delivery.ID, sendErr.Error(), nextAttempt, terminal); err != nil {
		d.log.Error().Err(err).Str("delivery_id", delivery.ID).Msg("mark failed failed")
	}
	failures, err := d.store.RecordWebhookOutcome(ctx, hook.ID, false)
	if err != nil {
		d.log.Error().Err(err).Str("webhook_id", hook.ID).Msg("record outcome failed")
	}

	evt := d.log.Warn().Str("delivery_id", delivery.ID).Str("event", string(delivery.Event)).
		Int("attempt", attempt).Int("endpoint_failures", failures).Err(sendErr)
	if terminal {
		evt.Msg("webhook delivery abandoned")
	} else {
		evt.Time("next_attempt", nextAttempt).Msg("webhook delivery failed, retry scheduled")
	}
}

// delayForAttempt returns the wait before the next try after attempt n
// failed.
func delayForAttempt(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retryDelays) {
		idx = len(retryDelays) - 1
	}
	return retryDelays[idx]
}

func (d *Dispatcher) send(ctx context.Context, hook *store.Webhook, delivery *store.WebhookDelivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	timestamp := d.now().UTC().Format(time.RFC3339)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderID, delivery.ID)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, Sign([]byte(hook.Secret), delivery.Payload))

	_, err = d.breaker.Execute(circuitbreaker.ServiceWebhook, func() (interface{}, error) {
		resp, err := d.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

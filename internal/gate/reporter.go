package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tollgate/server/internal/httputil"
	"github.com/tollgate/server/internal/metrics"
	"github.com/tollgate/server/pkg/x402"
)

// Report is one completed paid call, shipped to the platform's analytics
// ingest.
type Report struct {
	Endpoint       string             `json:"endpoint"`
	Method         string             `json:"method"`
	Receipt        x402.Receipt       `json:"receipt"`
	ResponseStatus int                `json:"responseStatus"`
	LatencyMs      int64              `json:"latencyMs"`
	FeeBreakdown   *x402.FeeBreakdown `json:"feeBreakdown,omitempty"`
	Status         string             `json:"status"` // settled | failed
}

// ShipFunc delivers one batch. The HTTP sink is the production
// implementation; tests substitute their own.
type ShipFunc func(ctx context.Context, batch []Report) error

const (
	reportBatchSize  = 50
	reportFlushEvery = 5 * time.Second
	reportShipWindow = 10 * time.Second
	requeueCap       = 500
)

// Reporter batches reports and ships them in the background. Shipping
// failures requeue the batch; once the queue holds 500 items the oldest
// are dropped and counted.
type Reporter struct {
	ship    ShipFunc
	metrics *metrics.Metrics
	log     zerolog.Logger

	incoming chan Report
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewReporter starts the background shipping loop.
func NewReporter(ship ShipFunc, m *metrics.Metrics, log zerolog.Logger) *Reporter {
	r := &Reporter{
		ship:     ship,
		metrics:  m,
		log:      log.With().Str("component", "gate_reporter").Logger(),
		incoming: make(chan Report, reportBatchSize),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	go r.run()
	return r
}

// NewHTTPShipper posts report batches to the platform's analytics ingest.
func NewHTTPShipper(platformURL, apiKey string) ShipFunc {
	url := strings.TrimRight(platformURL, "/") + "/v1/analytics/reports"
	client := httputil.NewClient(reportShipWindow)
	return func(ctx context.Context, batch []Report) error {
		body, err := json.Marshal(map[string]any{"reports": batch})
		if err != nil {
			return fmt.Errorf("gate: marshal reports: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("gate: build report request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			req.Header.Set("X-API-Key", apiKey)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("gate: ship reports: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("gate: analytics ingest returned %d", resp.StatusCode)
		}
		return nil
	}
}

// Enqueue hands a report to the shipping loop. It never blocks the
// request path; when the intake channel is full the report is dropped.
func (r *Reporter) Enqueue(rep Report) {
	select {
	case r.incoming <- rep:
	default:
		r.metrics.ObserveAnalyticsDropped()
		r.log.Warn().Str("endpoint", rep.Endpoint).Msg("report intake full, dropped")
	}
}

// Close flushes what it can and stops the loop. Safe to call twice.
func (r *Reporter) Close() error {
	r.stopOnce.Do(func() { close(r.stopChan) })
	<-r.doneChan
	return nil
}

func (r *Reporter) run() {
	defer close(r.doneChan)
	ticker := time.NewTicker(reportFlushEvery)
	defer ticker.Stop()

	var queue []Report
	flush := func() {
		if len(queue) == 0 {
			return
		}
		batch := queue
		if len(batch) > reportBatchSize {
			batch = queue[:reportBatchSize]
		}
		ctx, cancel := context.WithTimeout(context.Background(), reportShipWindow)
		err := r.ship(ctx, batch)
		cancel()
		if err == nil {
			queue = queue[len(batch):]
			return
		}
		r.log.Error().Err(err).Int("batch", len(batch)).Msg("shipping reports failed, requeued")
		if over := len(queue) - requeueCap; over > 0 {
			queue = queue[over:]
			for i := 0; i < over; i++ {
				r.metrics.ObserveAnalyticsDropped()
			}
			r.log.Warn().Int("dropped", over).Msg("report queue full, oldest dropped")
		}
	}

	for {
		select {
		case rep := <-r.incoming:
			queue = append(queue, rep)
			if len(queue) >= reportBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.stopChan:
			// Drain intake, then one final flush attempt.
			for {
				select {
				case rep := <-r.incoming:
					queue = append(queue, rep)
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the gateway and facilitator.
type Metrics struct {
	// Paid-call metrics
	PaymentsTotal       *prometheus.CounterVec
	PaymentsFailedTotal *prometheus.CounterVec
	PaymentAmountAtomic *prometheus.CounterVec
	SettlementDuration  *prometheus.HistogramVec

	// Policy engine
	PolicyDecisionsTotal *prometheus.CounterVec

	// Chain RPC
	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	RPCErrorsTotal  *prometheus.CounterVec

	// Webhook dispatcher
	WebhooksTotal   *prometheus.CounterVec
	WebhookDuration *prometheus.HistogramVec

	// Rate limiting
	RateLimitHitsTotal *prometheus.CounterVec
	LimiterFallbackHit prometheus.Counter

	// Store
	StoreQueryDuration *prometheus.HistogramVec

	// Analytics reporter
	AnalyticsDroppedTotal prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_payments_total",
				Help: "Total number of paid-call attempts",
			},
			[]string{"chain", "status"},
		),
		PaymentsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_payments_failed_total",
				Help: "Total number of failed payments by reason",
			},
			[]string{"chain", "reason"},
		),
		PaymentAmountAtomic: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_payment_amount_atomic_total",
				Help: "Total settled amount in token smallest units",
			},
			[]string{"chain"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_settlement_duration_seconds",
				Help:    "Time from payment intake to on-chain confirmation",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"chain"},
		),

		PolicyDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_policy_decisions_total",
				Help: "Policy engine decisions by outcome",
			},
			[]string{"outcome", "reason"},
		),

		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_rpc_calls_total",
				Help: "Total number of chain RPC calls",
			},
			[]string{"method", "chain"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_rpc_call_duration_seconds",
				Help:    "Duration of chain RPC calls",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "chain"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_rpc_errors_total",
				Help: "Total number of chain RPC errors",
			},
			[]string{"method", "chain", "error_type"},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_webhooks_total",
				Help: "Webhook delivery attempts by event type and status",
			},
			[]string{"event", "status"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_webhook_duration_seconds",
				Help:    "Duration of webhook delivery attempts",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"event"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_rate_limit_hits_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"scope"},
		),
		LimiterFallbackHit: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_rate_limit_fallback_total",
				Help: "Rate limit decisions served by the in-memory fallback",
			},
		),

		StoreQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_store_query_duration_seconds",
				Help:    "Duration of document store operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"table", "op"},
		),

		AnalyticsDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_analytics_dropped_total",
				Help: "Analytics reports dropped after the retry queue filled",
			},
		),
	}
}

// ObservePayment records a completed paid-call attempt.
func (m *Metrics) ObservePayment(chain, status string, atomicAmount float64, settleTime time.Duration) {
	if m == nil {
		return
	}
	m.PaymentsTotal.WithLabelValues(chain, status).Inc()
	if status == "settled" {
		m.PaymentAmountAtomic.WithLabelValues(chain).Add(atomicAmount)
		m.SettlementDuration.WithLabelValues(chain).Observe(settleTime.Seconds())
	}
}

// ObservePaymentFailure records a failed payment with its reason.
func (m *Metrics) ObservePaymentFailure(chain, reason string) {
	if m == nil {
		return
	}
	m.PaymentsFailedTotal.WithLabelValues(chain, reason).Inc()
}

// ObservePolicyDecision records a policy engine outcome.
func (m *Metrics) ObservePolicyDecision(allowed bool, reason string) {
	if m == nil {
		return
	}
	outcome := "allow"
	if !allowed {
		outcome = "deny"
	}
	m.PolicyDecisionsTotal.WithLabelValues(outcome, reason).Inc()
}

// ObserveRPC records one chain RPC call.
func (m *Metrics) ObserveRPC(method, chain string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RPCCallsTotal.WithLabelValues(method, chain).Inc()
	m.RPCCallDuration.WithLabelValues(method, chain).Observe(d.Seconds())
	if err != nil {
		m.RPCErrorsTotal.WithLabelValues(method, chain, "error").Inc()
	}
}

// ObserveWebhook records one webhook delivery attempt.
func (m *Metrics) ObserveWebhook(event, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(event, status).Inc()
	m.WebhookDuration.WithLabelValues(event).Observe(d.Seconds())
}

// ObserveRateLimit records a rejected request.
func (m *Metrics) ObserveRateLimit(scope string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(scope).Inc()
}

// ObserveAnalyticsDropped records one report dropped from a full queue.
func (m *Metrics) ObserveAnalyticsDropped() {
	if m == nil {
		return
	}
	m.AnalyticsDroppedTotal.Inc()
}

// ObserveRateLimitFallback records a limiter decision served by the
// in-memory fallback.
func (m *Metrics) ObserveRateLimitFallback() {
	if m == nil {
		return
	}
	m.LimiterFallbackHit.Inc()
}

// ObserveStoreQuery records one document store operation.
func (m *Metrics) ObserveStoreQuery(table, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.StoreQueryDuration.WithLabelValues(table, op).Observe(d.Seconds())
}

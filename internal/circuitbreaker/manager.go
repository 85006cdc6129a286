package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/tollgate/server/internal/config"
)

// ServiceType identifies different external services for circuit breaker
// isolation.
type ServiceType string

const (
	ServiceChainRPC     ServiceType = "chain_rpc"
	ServiceStripe       ServiceType = "stripe_api"
	ServiceWebhook      ServiceType = "webhook"
	ServiceStoreCounter ServiceType = "store_counter"
)

// Manager manages circuit breakers for external services. Each service has
// its own breaker so that a failing dependency cannot cascade into the
// others (bulkhead isolation).
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	enabled  bool
}

// NewManagerFromConfig creates a circuit breaker manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		enabled:  cfg.Enabled,
	}
	if !cfg.Enabled {
		return m
	}

	m.breakers[ServiceChainRPC] = gobreaker.NewCircuitBreaker(toSettings(string(ServiceChainRPC), cfg.ChainRPC))
	m.breakers[ServiceStripe] = gobreaker.NewCircuitBreaker(toSettings(string(ServiceStripe), cfg.StripeAPI))
	m.breakers[ServiceWebhook] = gobreaker.NewCircuitBreaker(toSettings(string(ServiceWebhook), cfg.Webhook))
	m.breakers[ServiceStoreCounter] = gobreaker.NewCircuitBreaker(toSettings(string(ServiceStoreCounter), cfg.StoreCounter))
	return m
}

// Execute wraps a call with circuit breaker protection. Disabled or
// unconfigured services pass through.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if m == nil || !m.enabled {
		return fn()
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// State returns the breaker state for health reporting.
func (m *Manager) State(service ServiceType) string {
	if m == nil || !m.enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

func toSettings(name string, cfg config.BreakerConfig) gobreaker.Settings {
	interval := cfg.Interval.Duration
	if interval == 0 {
		interval = 60 * time.Second
	}
	timeout := cfg.Timeout.Duration
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				rate := float64(counts.TotalFailures) / float64(counts.Requests)
				if rate >= cfg.FailureRatio {
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuitbreaker.state_change")
		},
	}
}

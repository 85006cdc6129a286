package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or
// numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and
// environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	Facilitator    FacilitatorConfig    `yaml:"facilitator"`
	Chains         ChainsConfig         `yaml:"chains"`
	Platform       PlatformConfig       `yaml:"platform"`
	Stripe         StripeConfig         `yaml:"stripe"`
	Revenue        RevenueConfig        `yaml:"revenue"`
	Webhooks       WebhooksConfig       `yaml:"webhooks"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Gate           GateConfig           `yaml:"gate"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"`
}

// LoggingConfig controls the zerolog output.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Format      string `yaml:"format"`      // json, console
	Environment string `yaml:"environment"` // development, staging, production
}

// StorageConfig selects the shared document store backend.
type StorageConfig struct {
	Backend         string   `yaml:"backend"` // "memory" or "mongodb"
	MongoDBURL      string   `yaml:"mongodb_url"`
	MongoDBDatabase string   `yaml:"mongodb_database"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// FacilitatorConfig holds the payment relay settings.
type FacilitatorConfig struct {
	// BaseURL is where gates and wallets reach the facilitator.
	BaseURL string `yaml:"base_url"`
	// SharedSecret authenticates facilitator mutations against the store.
	SharedSecret string `yaml:"-"` // env only: TOLLGATE_FACILITATOR_SECRET
	// VerifyTimeout bounds the seller gate's verify call.
	VerifyTimeout Duration `yaml:"verify_timeout"`
	// ConfirmationTimeout bounds post-restart txHash polling.
	ConfirmationTimeout Duration `yaml:"confirmation_timeout"`
	// ForwardTimeout bounds the replay of the original request.
	ForwardTimeout Duration `yaml:"forward_timeout"`
}

// ChainConfig holds per-network RPC settings.
type ChainConfig struct {
	RPCURL        string   `yaml:"rpc_url"`
	RPCTimeout    Duration `yaml:"rpc_timeout"`
	Confirmations uint64   `yaml:"confirmations"`
}

// ChainsConfig maps chain families to RPC settings. The executor signing
// key is environment-only and never serialized.
type ChainsConfig struct {
	Base        ChainConfig `yaml:"base"`
	Solana      ChainConfig `yaml:"solana"`
	ExecutorKey string      `yaml:"-"` // env only: TOLLGATE_EXECUTOR_KEY
}

// PlatformConfig carries the revenue-split settings applied to every paid call.
type PlatformConfig struct {
	FeeBps         int    `yaml:"fee_bps"`
	PlatformWallet string `yaml:"platform_wallet"`
}

// StripeConfig holds Stripe billing integration configuration.
type StripeConfig struct {
	SecretKey     string `yaml:"-"` // env only: TOLLGATE_STRIPE_SECRET_KEY
	WebhookSecret string `yaml:"-"` // env only: TOLLGATE_STRIPE_WEBHOOK_SECRET
}

// RevenueConfig selects the platform-revenue ledger backend.
type RevenueConfig struct {
	Backend     string `yaml:"backend"` // "memory" or "postgres"
	PostgresURL string `yaml:"postgres_url"`
}

// WebhooksConfig tunes the seller webhook dispatcher.
type WebhooksConfig struct {
	PollInterval    Duration `yaml:"poll_interval"`
	DeliveryTimeout Duration `yaml:"delivery_timeout"`
	MaxAttempts     int      `yaml:"max_attempts"`
}

// RateLimitConfig tunes the shared sliding-window limiter.
type RateLimitConfig struct {
	PublicPerMinute int      `yaml:"public_per_minute"` // sensitive public routes
	GatePerMinute   int      `yaml:"gate_per_minute"`   // seller gate, per IP
	SweepInterval   Duration `yaml:"sweep_interval"`
}

// GateRouteConfig is one paid route hosted by the gateway's seller gate.
// Requests that clear the payment check are proxied to Upstream.
type GateRouteConfig struct {
	Method      string   `yaml:"method"`
	Path        string   `yaml:"path"`
	Price       string   `yaml:"price"`
	Description string   `yaml:"description"`
	Chains      []string `yaml:"chains"`
	Upstream    string   `yaml:"upstream"`
	EndpointID  string   `yaml:"endpoint_id"`
}

// GateConfig runs a seller gate on a second listener. An empty
// listen_address disables the host.
type GateConfig struct {
	ListenAddress  string            `yaml:"listen_address"`
	PayTo          string            `yaml:"pay_to"`
	PlatformURL    string            `yaml:"platform_url"`
	PlatformAPIKey string            `yaml:"-"` // env only: TOLLGATE_GATE_API_KEY
	Routes         []GateRouteConfig `yaml:"routes"`
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}

// CircuitBreakerConfig isolates external dependencies from each other.
type CircuitBreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ChainRPC     BreakerConfig `yaml:"chain_rpc"`
	StripeAPI    BreakerConfig `yaml:"stripe_api"`
	Webhook      BreakerConfig `yaml:"webhook"`
	StoreCounter BreakerConfig `yaml:"store_counter"`
}

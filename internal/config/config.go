package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from an optional YAML file, applies defaults,
// then applies environment variable overrides. A missing file is not an
// error: env-only deployments are the common case in production.
func Load(path string) (*Config, error) {
	// .env is a local development convenience; ignore absence.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{15 * time.Second},
			WriteTimeout: Duration{30 * time.Second},
			IdleTimeout:  Duration{60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "development",
		},
		Storage: StorageConfig{
			Backend:         "memory",
			CleanupInterval: Duration{10 * time.Minute},
		},
		Facilitator: FacilitatorConfig{
			BaseURL:             "http://localhost:8402",
			VerifyTimeout:       Duration{5 * time.Second},
			ConfirmationTimeout: Duration{60 * time.Second},
			ForwardTimeout:      Duration{30 * time.Second},
		},
		Chains: ChainsConfig{
			Base:   ChainConfig{RPCTimeout: Duration{30 * time.Second}, Confirmations: 2},
			Solana: ChainConfig{RPCTimeout: Duration{30 * time.Second}, Confirmations: 2},
		},
		Platform: PlatformConfig{
			FeeBps: 0,
		},
		Revenue: RevenueConfig{
			Backend: "memory",
		},
		Webhooks: WebhooksConfig{
			PollInterval:    Duration{5 * time.Second},
			DeliveryTimeout: Duration{30 * time.Second},
			MaxAttempts:     5,
		},
		RateLimit: RateLimitConfig{
			PublicPerMinute: 50,
			GatePerMinute:   120,
			SweepInterval:   Duration{10 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			ChainRPC: BreakerConfig{
				MaxRequests:         3,
				Interval:            Duration{60 * time.Second},
				Timeout:             Duration{30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			StripeAPI: BreakerConfig{
				MaxRequests:         3,
				Interval:            Duration{60 * time.Second},
				Timeout:             Duration{30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Webhook: BreakerConfig{
				MaxRequests:         5,
				Interval:            Duration{60 * time.Second},
				Timeout:             Duration{60 * time.Second},
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
			StoreCounter: BreakerConfig{
				MaxRequests:         1,
				Interval:            Duration{60 * time.Second},
				Timeout:             Duration{30 * time.Second},
				ConsecutiveFailures: 5,
			},
		},
	}
}

// Validate rejects configurations that would misbehave at runtime rather
// than at boot.
func (c *Config) Validate() error {
	if c.Platform.FeeBps < 0 || c.Platform.FeeBps > 10000 {
		return fmt.Errorf("config: platform fee_bps %d out of range [0,10000]", c.Platform.FeeBps)
	}
	if c.Platform.FeeBps > 0 && c.Platform.PlatformWallet == "" {
		return fmt.Errorf("config: platform fee_bps set but platform_wallet empty")
	}
	switch c.Storage.Backend {
	case "", "memory":
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			return fmt.Errorf("config: mongodb backend requires mongodb_url")
		}
		if c.Storage.MongoDBDatabase == "" {
			c.Storage.MongoDBDatabase = "tollgate"
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Revenue.Backend {
	case "", "memory":
	case "postgres":
		if c.Revenue.PostgresURL == "" {
			return fmt.Errorf("config: postgres revenue backend requires postgres_url")
		}
	default:
		return fmt.Errorf("config: unknown revenue backend %q", c.Revenue.Backend)
	}
	if c.Webhooks.MaxAttempts <= 0 {
		c.Webhooks.MaxAttempts = 5
	}
	if c.Gate.ListenAddress != "" {
		if len(c.Gate.Routes) == 0 {
			return fmt.Errorf("config: gate listen_address set but no routes configured")
		}
		if c.Gate.PayTo == "" {
			return fmt.Errorf("config: gate routes require pay_to")
		}
	}
	return nil
}

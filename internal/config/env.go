package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the TOLLGATE_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server
	setIfEnv(&c.Server.Address, "TOLLGATE_SERVER_ADDRESS")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "TOLLGATE_ADMIN_METRICS_API_KEY")
	if v := os.Getenv("TOLLGATE_CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitAndTrim(v)
	}

	// Logging
	setIfEnv(&c.Logging.Level, "TOLLGATE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "TOLLGATE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "TOLLGATE_ENVIRONMENT")

	// Storage
	setIfEnv(&c.Storage.Backend, "TOLLGATE_STORAGE_BACKEND")
	setIfEnv(&c.Storage.MongoDBURL, "TOLLGATE_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "TOLLGATE_MONGODB_DATABASE")

	// Facilitator
	setIfEnv(&c.Facilitator.BaseURL, "TOLLGATE_FACILITATOR_URL")
	setIfEnv(&c.Facilitator.SharedSecret, "TOLLGATE_FACILITATOR_SECRET")
	setDurationIfEnv(&c.Facilitator.VerifyTimeout, "TOLLGATE_FACILITATOR_VERIFY_TIMEOUT")

	// Chains. The executor key never lives in YAML.
	setIfEnv(&c.Chains.Base.RPCURL, "TOLLGATE_BASE_RPC_URL")
	setIfEnv(&c.Chains.Solana.RPCURL, "TOLLGATE_SOLANA_RPC_URL")
	setIfEnv(&c.Chains.ExecutorKey, "TOLLGATE_EXECUTOR_KEY")

	// Platform fee
	if v := os.Getenv("TOLLGATE_PLATFORM_FEE_BPS"); v != "" {
		if bps, err := strconv.Atoi(v); err == nil {
			c.Platform.FeeBps = bps
		}
	}
	setIfEnv(&c.Platform.PlatformWallet, "TOLLGATE_PLATFORM_WALLET")

	// Stripe
	setIfEnv(&c.Stripe.SecretKey, "TOLLGATE_STRIPE_SECRET_KEY")
	setIfEnv(&c.Stripe.WebhookSecret, "TOLLGATE_STRIPE_WEBHOOK_SECRET")

	// Revenue ledger
	setIfEnv(&c.Revenue.Backend, "TOLLGATE_REVENUE_BACKEND")
	setIfEnv(&c.Revenue.PostgresURL, "TOLLGATE_REVENUE_POSTGRES_URL")

	// Seller gate host
	setIfEnv(&c.Gate.ListenAddress, "TOLLGATE_GATE_LISTEN_ADDRESS")
	setIfEnv(&c.Gate.PlatformAPIKey, "TOLLGATE_GATE_API_KEY")

	// Rate limits
	if v := os.Getenv("TOLLGATE_RATE_PUBLIC_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RateLimit.PublicPerMinute = n
		}
	}
	if v := os.Getenv("TOLLGATE_RATE_GATE_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RateLimit.GatePerMinute = n
		}
	}
}

func setIfEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDurationIfEnv(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*dst = Duration{dur}
		}
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

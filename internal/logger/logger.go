// Package logger configures zerolog for both binaries and carries the
// request-scoped logger through context.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	requestIDKey
)

// Config selects level, output format and the static fields stamped on
// every line.
type Config struct {
	Level       string // debug, info, warn, error
	Format      string // json, console
	Service     string
	Environment string
}

// New builds the process-wide root logger. JSON to stdout in
// production; console format is for local development only.
func New(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var out io.Writer = os.Stdout
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).With().
		Timestamp().
		Str("service", cfg.Service).
		Str("environment", cfg.Environment).
		Logger()
}

// WithContext stores a request-scoped logger.
func WithContext(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, log)
}

// FromContext returns the request-scoped logger, or a no-op logger when
// the request never passed through Middleware.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if log, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
			return log
		}
	}
	return zerolog.Nop()
}

// WithRequestID stores the request id for downstream correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id, empty if none was assigned.
func RequestID(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(requestIDKey).(string); ok {
			return id
		}
	}
	return ""
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// TruncateAddress shortens wallet addresses and tx hashes for log
// lines: first 8 and last 4 characters.
func TruncateAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-4:]
}

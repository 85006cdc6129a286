package logger

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Middleware assigns a request id, stores a request-scoped logger in
// the context, and logs one line per request at completion.
func Middleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = newRequestID()
			}
			w.Header().Set("X-Request-ID", id)

			reqLog := log.With().
				Str("request_id", id).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", clientAddr(r)).
				Logger()

			ctx := WithRequestID(WithContext(r.Context(), reqLog), id)
			rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			reqLog.Info().Int("status", rec.status).Msg("request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func newRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "req_unknown"
	}
	return "req_" + hex.EncodeToString(b)
}

// clientAddr prefers the first X-Forwarded-For hop when present.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	return r.RemoteAddr
}

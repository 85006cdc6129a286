package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/tollgate/server/internal/errors"
	"github.com/tollgate/server/internal/store"
)

type orgCtxKey struct{}

// OrgFromContext returns the authenticated organization, if any.
func OrgFromContext(ctx context.Context) (*store.Organization, bool) {
	org, ok := ctx.Value(orgCtxKey{}).(*store.Organization)
	return org, ok
}

// apiKeyFrom extracts the bearer credential from either header form.
func apiKeyFrom(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if key, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(key)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// requireOrg authenticates the request and charges it against the org's
// daily plan quota.
func (s *handlers) requireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKeyFrom(r)
		if key == "" {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeUnauthorized, "missing api key")
			return
		}
		org, err := s.store.GetOrganizationByAPIKey(r.Context(), key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				apperrors.WriteSimpleError(w, apperrors.ErrCodeUnauthorized, "invalid api key")
				return
			}
			apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "authenticate request")
			return
		}
		if _, err := s.billing.AuthorizeCall(r.Context(), org); err != nil {
			apperrors.Write(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), orgCtxKey{}, org)))
	})
}

// adminMetricsAuth gates the Prometheus endpoint behind a static key. An
// empty configured key disables the endpoint entirely.
func adminMetricsAuth(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminKey == "" {
				apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "not found")
				return
			}
			if subtle.ConstantTimeCompare([]byte(apiKeyFrom(r)), []byte(adminKey)) != 1 {
				apperrors.WriteSimpleError(w, apperrors.ErrCodeUnauthorized, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

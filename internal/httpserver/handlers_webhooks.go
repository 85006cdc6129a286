package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/tollgate/server/internal/errors"
	"github.com/tollgate/server/internal/store"
	"github.com/tollgate/server/internal/webhooks"
)

// createWebhook registers a delivery endpoint. The signing secret is
// returned exactly once, in this response.
func (s *handlers) createWebhook(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	var req struct {
		URL    string               `json:"url"`
		Events []store.WebhookEvent `json:"events"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	if err := webhooks.ValidateURL(r.Context(), req.URL); err != nil {
		apperrors.Write(w, err)
		return
	}
	if err := webhooks.ValidateEvents(req.Events); err != nil {
		apperrors.Write(w, err)
		return
	}
	secret, err := webhooks.NewSecret()
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInternalError, "generate signing secret")
		return
	}
	hook := &store.Webhook{
		OrgID:  org.ID,
		URL:    req.URL,
		Events: req.Events,
		Secret: secret,
		State:  store.WebhookActive,
	}
	if err := s.store.CreateWebhook(r.Context(), hook); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "create webhook")
		return
	}
	respond(w, http.StatusCreated, map[string]any{
		"webhook": hook,
		"secret":  secret,
	})
}

func (s *handlers) listWebhooks(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	hooks, err := s.store.ListWebhooksByOrg(r.Context(), org.ID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "list webhooks")
		return
	}
	respond(w, http.StatusOK, hooks)
}

// loadOrgWebhook fetches a webhook and enforces tenancy.
func (s *handlers) loadOrgWebhook(w http.ResponseWriter, r *http.Request) (*store.Webhook, bool) {
	org, _ := OrgFromContext(r.Context())
	hook, err := s.store.GetWebhook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "webhook not found")
			return nil, false
		}
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "load webhook")
		return nil, false
	}
	if hook.OrgID != org.ID {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "webhook not found")
		return nil, false
	}
	return hook, true
}

func (s *handlers) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	hook, ok := s.loadOrgWebhook(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteWebhook(r.Context(), hook.ID); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// testWebhook enqueues a test.ping delivery so sellers can verify their
// receiver end to end.
func (s *handlers) testWebhook(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	hook, ok := s.loadOrgWebhook(w, r)
	if !ok {
		return
	}
	s.publishEvent(r.Context(), org.ID, store.EventTestPing, map[string]string{
		"webhookId": hook.ID,
		"message":   "ping",
	})
	respond(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

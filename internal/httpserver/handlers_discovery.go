package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/tollgate/server/internal/errors"
	"github.com/tollgate/server/internal/store"
	"github.com/tollgate/server/pkg/responders"
)

func (s *handlers) health(w http.ResponseWriter, _ *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(serverStartTime).Round(time.Second).String(),
	})
}

func (s *handlers) toolFilter(r *http.Request) store.ToolFilter {
	f := store.ToolFilter{
		Category: r.URL.Query().Get("category"),
		Limit:    clampInt(r, "limit", 1, 100, 20),
	}
	if v := r.URL.Query().Get("featured"); v != "" {
		featured := v == "true"
		f.Featured = &featured
	}
	active := true
	f.Active = &active
	return f
}

func (s *handlers) listTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.store.ListTools(r.Context(), s.toolFilter(r))
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "list tools")
		return
	}
	respond(w, http.StatusOK, tools)
}

func (s *handlers) searchTools(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "q is required")
		return
	}
	tools, err := s.store.SearchTools(r.Context(), query, s.toolFilter(r))
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "search tools")
		return
	}
	respond(w, http.StatusOK, tools)
}

func (s *handlers) getTool(w http.ResponseWriter, r *http.Request) {
	tool, err := s.store.GetToolBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "tool not found")
			return
		}
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "load tool")
		return
	}
	respond(w, http.StatusOK, tool)
}

// registerTool lists an endpoint in the public catalog.
func (s *handlers) registerTool(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	var req struct {
		EndpointID  string   `json:"endpointId"`
		Slug        string   `json:"slug"`
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Category    string   `json:"category"`
		Tags        []string `json:"tags"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	if req.Slug == "" || req.Name == "" || req.EndpointID == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "endpointId, slug, and name are required")
		return
	}
	if !s.endpointOwnedByOrg(r.Context(), req.EndpointID, org.ID) {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "endpoint does not exist")
		return
	}
	tool := &store.Tool{
		EndpointID:  req.EndpointID,
		Slug:        strings.ToLower(req.Slug),
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Tags:        req.Tags,
		Active:      true,
	}
	if err := s.store.CreateTool(r.Context(), tool); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicate):
			apperrors.WriteErrorWithDetail(w, apperrors.ErrCodeDuplicateSlug, "slug already taken", "slug", tool.Slug)
		case errors.Is(err, store.ErrForeignKey):
			apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "endpoint does not exist")
		default:
			apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "create tool")
		}
		return
	}
	s.publishEvent(r.Context(), org.ID, store.EventToolRegistered, tool)
	respond(w, http.StatusCreated, tool)
}

func (s *handlers) updateTool(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	tool, err := s.store.GetTool(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "tool not found")
			return
		}
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "load tool")
		return
	}
	if !s.endpointOwnedByOrg(r.Context(), tool.EndpointID, org.ID) {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "tool not found")
		return
	}
	var req struct {
		Name        *string  `json:"name"`
		Description *string  `json:"description"`
		Category    *string  `json:"category"`
		Tags        []string `json:"tags"`
		Active      *bool    `json:"active"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	if req.Name != nil {
		tool.Name = *req.Name
	}
	if req.Description != nil {
		tool.Description = *req.Description
	}
	if req.Category != nil {
		tool.Category = *req.Category
	}
	if req.Tags != nil {
		tool.Tags = req.Tags
	}
	if req.Active != nil {
		tool.Active = *req.Active
	}
	if err := s.store.UpdateTool(r.Context(), tool); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "update tool")
		return
	}
	s.publishEvent(r.Context(), org.ID, store.EventToolUpdated, tool)
	respond(w, http.StatusOK, tool)
}

// endpointOwnedByOrg walks endpoint -> seller to enforce tenancy on
// catalog writes.
func (s *handlers) endpointOwnedByOrg(ctx context.Context, endpointID, orgID string) bool {
	ep, err := s.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return false
	}
	seller, err := s.store.GetSeller(ctx, ep.SellerID)
	if err != nil {
		return false
	}
	return seller.OrgID == orgID
}

// publishEvent enqueues a webhook event; delivery failures are the
// dispatcher's problem, enqueue failures are only logged.
func (s *handlers) publishEvent(ctx context.Context, orgID string, event store.WebhookEvent, data any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, orgID, event, data); err != nil {
		s.log.Warn().Err(err).Str("event", string(event)).Msg("enqueue webhook event")
	}
}

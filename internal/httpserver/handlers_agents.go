package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tollgate/server/internal/chain"
	apperrors "github.com/tollgate/server/internal/errors"
	"github.com/tollgate/server/internal/policy"
	"github.com/tollgate/server/internal/store"
	"github.com/tollgate/server/internal/webhooks"
	"github.com/tollgate/server/pkg/x402"
)

func (s *handlers) createAgent(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	if err := s.billing.CheckAgentLimit(r.Context(), org); err != nil {
		apperrors.Write(w, err)
		return
	}
	var req struct {
		Name   string     `json:"name"`
		Wallet string     `json:"wallet"`
		Chain  x402.Chain `json:"chain"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	if req.Name == "" || req.Wallet == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "name and wallet are required")
		return
	}
	if req.Chain == "" {
		req.Chain = x402.ChainBase
	}
	if err := chain.ValidateAddress(req.Chain, req.Wallet); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidWallet, err.Error())
		return
	}
	agent := &store.Agent{
		OrgID:  org.ID,
		Name:   req.Name,
		Wallet: req.Wallet,
		Chain:  req.Chain,
		Status: store.AgentActive,
	}
	if err := s.store.CreateAgent(r.Context(), agent); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "create agent")
		return
	}
	respond(w, http.StatusCreated, agent)
}

func (s *handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	agents, err := s.store.ListAgentsByOrg(r.Context(), org.ID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "list agents")
		return
	}
	respond(w, http.StatusOK, agents)
}

// loadOrgAgent fetches an agent and enforces tenancy.
func (s *handlers) loadOrgAgent(w http.ResponseWriter, r *http.Request, id string) (*store.Agent, bool) {
	org, _ := OrgFromContext(r.Context())
	agent, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "agent not found")
			return nil, false
		}
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "load agent")
		return nil, false
	}
	if agent.OrgID != org.ID {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "agent not found")
		return nil, false
	}
	return agent, true
}

func (s *handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.loadOrgAgent(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	respond(w, http.StatusOK, agent)
}

func (s *handlers) updateAgentStatus(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	agent, ok := s.loadOrgAgent(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req struct {
		Status store.AgentStatus `json:"status"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	switch req.Status {
	case store.AgentActive, store.AgentPaused, store.AgentDepleted:
	default:
		apperrors.WriteErrorWithDetail(w, apperrors.ErrCodeInvalidField, "unknown agent status", "status", string(req.Status))
		return
	}
	if err := s.store.UpdateAgentStatus(r.Context(), agent.ID, req.Status); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "update agent status")
		return
	}
	agent.Status = req.Status
	if req.Status == store.AgentDepleted {
		s.publishEvent(r.Context(), org.ID, store.EventAgentDepleted, agent)
	}
	respond(w, http.StatusOK, agent)
}

func (s *handlers) createSeller(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	if err := s.billing.CheckSellerLimit(r.Context(), org); err != nil {
		apperrors.Write(w, err)
		return
	}
	var req struct {
		Name   string `json:"name"`
		Wallet string `json:"wallet"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	if req.Name == "" || req.Wallet == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "name and wallet are required")
		return
	}
	apiKey, err := webhooks.NewSecret()
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInternalError, "generate api key")
		return
	}
	seller := &store.Seller{
		OrgID:  org.ID,
		Name:   req.Name,
		Wallet: req.Wallet,
		APIKey: "sk_" + strings.TrimPrefix(apiKey, "whsec_"),
	}
	if err := s.store.CreateSeller(r.Context(), seller); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "create seller")
		return
	}
	respond(w, http.StatusCreated, seller)
}

func (s *handlers) listSellers(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	sellers, err := s.store.ListSellersByOrg(r.Context(), org.ID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "list sellers")
		return
	}
	respond(w, http.StatusOK, sellers)
}

func (s *handlers) createEndpoint(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	seller, err := s.store.GetSeller(r.Context(), chi.URLParam(r, "id"))
	if err != nil || seller.OrgID != org.ID {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "seller not found")
		return
	}
	var req struct {
		Method string       `json:"method"`
		Path   string       `json:"path"`
		Price  string       `json:"price"`
		Chains []x402.Chain `json:"chains"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	if req.Method == "" || req.Path == "" || req.Price == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "method, path, and price are required")
		return
	}
	if _, err := x402.ParseAmount(req.Price); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidAmount, "price must be a positive decimal amount")
		return
	}
	if len(req.Chains) == 0 {
		req.Chains = []x402.Chain{x402.ChainBase}
	}
	ep := &store.Endpoint{
		SellerID: seller.ID,
		Method:   strings.ToUpper(req.Method),
		Path:     req.Path,
		Price:    req.Price,
		Currency: "USDC",
		Chains:   req.Chains,
		Active:   true,
	}
	if err := s.store.CreateEndpoint(r.Context(), ep); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "create endpoint")
		return
	}
	respond(w, http.StatusCreated, ep)
}

func (s *handlers) listEndpoints(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	seller, err := s.store.GetSeller(r.Context(), chi.URLParam(r, "id"))
	if err != nil || seller.OrgID != org.ID {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "seller not found")
		return
	}
	eps, err := s.store.ListEndpointsBySeller(r.Context(), seller.ID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "list endpoints")
		return
	}
	respond(w, http.StatusOK, eps)
}

func (s *handlers) createPolicy(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	var req struct {
		AgentID string          `json:"agentId"`
		Type    policy.RuleType `json:"type"`
		Rules   policy.Rules    `json:"rules"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	if err := req.Rules.Validate(req.Type); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, err.Error())
		return
	}
	if req.AgentID != "" {
		if _, ok := s.loadOrgAgent(w, r, req.AgentID); !ok {
			return
		}
	}
	p := &store.Policy{
		OrgID:   org.ID,
		AgentID: req.AgentID,
		Type:    req.Type,
		Rules:   req.Rules,
		Active:  true,
	}
	if err := s.store.PutPolicy(r.Context(), p); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "create policy")
		return
	}
	respond(w, http.StatusCreated, p)
}

func (s *handlers) listPolicies(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	policies, err := s.store.ListPoliciesByOrg(r.Context(), org.ID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "list policies")
		return
	}
	respond(w, http.StatusOK, policies)
}

func (s *handlers) deletePolicy(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	p, err := s.store.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil || p.OrgID != org.ID {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "policy not found")
		return
	}
	if err := s.store.DeletePolicy(r.Context(), p.ID); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "delete policy")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/tollgate/server/internal/errors"
	"github.com/tollgate/server/internal/store"
	"github.com/tollgate/server/pkg/x402"
)

func (s *handlers) createDispute(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	var req struct {
		TransactionID string `json:"transactionId"`
		Reason        string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	if req.TransactionID == "" || req.Reason == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "transactionId and reason are required")
		return
	}
	if _, err := s.store.GetTransaction(r.Context(), req.TransactionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "transaction not found")
			return
		}
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "load transaction")
		return
	}
	d := &store.Dispute{
		OrgID:         org.ID,
		TransactionID: req.TransactionID,
		Reason:        req.Reason,
		Status:        store.DisputeOpen,
	}
	if err := s.store.CreateDispute(r.Context(), d); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "create dispute")
		return
	}
	s.publishEvent(r.Context(), org.ID, store.EventDisputeOpened, d)
	respond(w, http.StatusCreated, d)
}

func (s *handlers) listDisputes(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	disputes, err := s.store.ListDisputesByOrg(r.Context(), org.ID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "list disputes")
		return
	}
	respond(w, http.StatusOK, disputes)
}

func (s *handlers) resolveDispute(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	d, err := s.store.GetDispute(r.Context(), chi.URLParam(r, "id"))
	if err != nil || d.OrgID != org.ID {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "dispute not found")
		return
	}
	var req struct {
		Status     store.DisputeStatus `json:"status"`
		Resolution string              `json:"resolution"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	if req.Status != store.DisputeResolved && req.Status != store.DisputeRejected {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "status must be resolved or rejected")
		return
	}
	if err := s.store.ResolveDispute(r.Context(), d.ID, req.Status, req.Resolution); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			apperrors.WriteErrorWithDetail(w, apperrors.ErrCodeConflict, "dispute already closed", "status", string(d.Status))
			return
		}
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "resolve dispute")
		return
	}
	d.Status = req.Status
	d.Resolution = req.Resolution
	s.publishEvent(r.Context(), org.ID, store.EventDisputeResolved, d)
	respond(w, http.StatusOK, d)
}

// createDeposit persists a fiat top-up intent. Funding is flipped by the
// Stripe payment_intent.succeeded webhook, never here.
func (s *handlers) createDeposit(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	var req struct {
		AgentID         string `json:"agentId"`
		AmountUSD       string `json:"amountUsd"`
		PaymentIntentID string `json:"paymentIntentId"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	if req.AgentID == "" || req.AmountUSD == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "agentId and amountUsd are required")
		return
	}
	if amount, err := x402.ParseAmount(req.AmountUSD); err != nil || amount.Sign() <= 0 {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidAmount, "amountUsd must be a positive decimal amount")
		return
	}
	if _, ok := s.loadOrgAgent(w, r, req.AgentID); !ok {
		return
	}
	d := &store.Deposit{
		OrgID:           org.ID,
		AgentID:         req.AgentID,
		AmountUSD:       req.AmountUSD,
		PaymentIntentID: req.PaymentIntentID,
		Status:          store.DepositPending,
	}
	if err := s.store.CreateDeposit(r.Context(), d); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "create deposit")
		return
	}
	respond(w, http.StatusCreated, d)
}

func (s *handlers) listDeposits(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	deposits, err := s.store.ListDepositsByOrg(r.Context(), org.ID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "list deposits")
		return
	}
	respond(w, http.StatusOK, deposits)
}

func (s *handlers) createAlertRule(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	var req struct {
		Metric    string  `json:"metric"`
		Threshold float64 `json:"threshold"`
		Channel   string  `json:"channel"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	if req.Metric == "" || req.Channel == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "metric and channel are required")
		return
	}
	rule := &store.AlertRule{
		OrgID:     org.ID,
		Metric:    req.Metric,
		Threshold: req.Threshold,
		Channel:   req.Channel,
		Active:    true,
	}
	if err := s.store.CreateAlertRule(r.Context(), rule); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "create alert rule")
		return
	}
	respond(w, http.StatusCreated, rule)
}

func (s *handlers) listAlertRules(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	rules, err := s.store.ListAlertRulesByOrg(r.Context(), org.ID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "list alert rules")
		return
	}
	respond(w, http.StatusOK, rules)
}

func (s *handlers) deleteAlertRule(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	rules, err := s.store.ListAlertRulesByOrg(r.Context(), org.ID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "load alert rules")
		return
	}
	id := chi.URLParam(r, "id")
	for _, rule := range rules {
		if rule.ID == id {
			if err := s.store.DeleteAlertRule(r.Context(), id); err != nil {
				apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "delete alert rule")
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "alert rule not found")
}

package httpserver

import (
	"io"
	"net/http"

	"github.com/tollgate/server/internal/billing"
	apperrors "github.com/tollgate/server/internal/errors"
)

// billingUsage reports today's consumption against the org's plan.
func (s *handlers) billingUsage(w http.ResponseWriter, r *http.Request) {
	authed, _ := OrgFromContext(r.Context())
	// Re-read so the response reflects the increment charged at auth time.
	org, err := s.store.GetOrganization(r.Context(), authed.ID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "load organization")
		return
	}
	limits := billing.LimitsFor(org.Plan)

	agents, err := s.store.CountAgents(r.Context(), org.ID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "count agents")
		return
	}
	sellers, err := s.store.CountSellers(r.Context(), org.ID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "count sellers")
		return
	}

	today := billing.DayKey(s.now())
	used := 0
	if org.DailyUsage.Date == today {
		used = org.DailyUsage.Count
	}
	respond(w, http.StatusOK, map[string]any{
		"plan":             org.Plan,
		"date":             today,
		"callsUsed":        used,
		"callsLimit":       limits.MaxCallsPerDay,
		"agents":           agents,
		"agentsLimit":      limits.MaxAgents,
		"sellers":          sellers,
		"sellersLimit":     limits.MaxSellers,
		"billingPeriodEnd": org.BillingPeriodEnd,
	})
}

// billingCheckout opens a Stripe subscription checkout for a plan change.
func (s *handlers) billingCheckout(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	var req struct {
		PriceID    string `json:"priceId"`
		SuccessURL string `json:"successUrl"`
		CancelURL  string `json:"cancelUrl"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	session, err := s.stripe.CreateCheckoutSession(r.Context(), billing.CheckoutRequest{
		OrgID:      org.ID,
		PriceID:    req.PriceID,
		CustomerID: org.StripeCustomerID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		apperrors.Write(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{
		"sessionId":   session.ID,
		"checkoutUrl": session.URL,
	})
}

// stripeWebhook applies Stripe lifecycle events. The signature header is
// the only authentication.
func (s *handlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "read webhook payload")
		return
	}
	if err := s.stripe.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		apperrors.Write(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"received": "ok"})
}

package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/tollgate/server/internal/circuitbreaker"
	"github.com/tollgate/server/internal/config"
	apperrors "github.com/tollgate/server/internal/errors"
	"github.com/tollgate/server/internal/store"
)

// Reconciler applies Stripe subscription lifecycle events to org billing
// state and flags crypto deposits funded by card.
type Reconciler struct {
	cfg     config.StripeConfig
	store   store.Store
	breaker *circuitbreaker.Manager
	log     zerolog.Logger
}

// NewReconciler sets up stripe-go with the configured credentials.
func NewReconciler(cfg config.StripeConfig, st store.Store, breaker *circuitbreaker.Manager, log zerolog.Logger) *Reconciler {
	stripeapi.Key = cfg.SecretKey
	return &Reconciler{
		cfg:     cfg,
		store:   st,
		breaker: breaker,
		log:     log.With().Str("component", "stripe").Logger(),
	}
}

// CheckoutRequest describes a plan-upgrade checkout.
type CheckoutRequest struct {
	OrgID      string
	PriceID    string
	CustomerID string
	SuccessURL string
	CancelURL  string
}

// CreateCheckoutSession opens a subscription checkout for a plan upgrade.
func (r *Reconciler) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*stripeapi.CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, apperrors.New(apperrors.ErrCodeMissingField, "price id required")
	}
	params := &stripeapi.CheckoutSessionParams{
		Mode:       stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription)),
		SuccessURL: stripeapi.String(req.SuccessURL),
		CancelURL:  stripeapi.String(req.CancelURL),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{
				Price:    stripeapi.String(req.PriceID),
				Quantity: stripeapi.Int64(1),
			},
		},
	}
	params.Context = ctx
	if req.CustomerID != "" {
		params.Customer = stripeapi.String(req.CustomerID)
	}
	params.Metadata = map[string]string{"org_id": req.OrgID}

	res, err := r.breaker.Execute(circuitbreaker.ServiceStripe, func() (interface{}, error) {
		return session.New(params)
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStripeError, "create checkout session")
	}
	return res.(*stripeapi.CheckoutSession), nil
}

// HandleWebhook validates the event signature and applies the event.
// Unknown event types are acknowledged and skipped.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if r.cfg.WebhookSecret == "" {
		return apperrors.New(apperrors.ErrCodeStripeError, "webhook secret not configured")
	}
	event, err := webhook.ConstructEvent(payload, signature, r.cfg.WebhookSecret)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "verify webhook signature")
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripeapi.Subscription
		if err := jsonExtract(event.Data.Raw, &sub); err != nil {
			return err
		}
		return r.applySubscription(ctx, &sub)
	case "customer.subscription.deleted":
		var sub stripeapi.Subscription
		if err := jsonExtract(event.Data.Raw, &sub); err != nil {
			return err
		}
		return r.cancelSubscription(ctx, &sub)
	case "payment_intent.succeeded":
		var intent stripeapi.PaymentIntent
		if err := jsonExtract(event.Data.Raw, &intent); err != nil {
			return err
		}
		return r.applyDepositFunding(ctx, &intent)
	default:
		r.log.Debug().Str("type", event.Type).Msg("ignoring stripe event")
		return nil
	}
}

// applySubscription promotes the org to the plan encoded by the
// subscription's price.
func (r *Reconciler) applySubscription(ctx context.Context, sub *stripeapi.Subscription) error {
	if sub.Customer == nil {
		return apperrors.New(apperrors.ErrCodeMissingField, "subscription event missing customer")
	}
	org, err := r.store.GetOrganizationByStripeCustomer(ctx, sub.Customer.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.log.Warn().Str("customer", sub.Customer.ID).Msg("subscription for unknown customer")
			return nil
		}
		return fmt.Errorf("billing: look up org by customer: %w", err)
	}

	priceID := subscriptionPriceID(sub)
	plan := mapPrice(priceID)
	// Stripe reports period end in seconds; billing state keeps millis.
	periodEndMillis := sub.CurrentPeriodEnd * 1000

	if err := r.store.UpdateOrganizationBilling(ctx, org.ID, plan, sub.ID, priceID, periodEndMillis); err != nil {
		return fmt.Errorf("billing: apply subscription: %w", err)
	}
	r.log.Info().Str("org_id", org.ID).Str("plan", string(plan)).
		Str("subscription", sub.ID).Msg("subscription applied")
	return nil
}

// cancelSubscription drops the org back to the free plan.
func (r *Reconciler) cancelSubscription(ctx context.Context, sub *stripeapi.Subscription) error {
	if sub.Customer == nil {
		return apperrors.New(apperrors.ErrCodeMissingField, "subscription event missing customer")
	}
	org, err := r.store.GetOrganizationByStripeCustomer(ctx, sub.Customer.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("billing: look up org by customer: %w", err)
	}
	if err := r.store.UpdateOrganizationBilling(ctx, org.ID, store.PlanFree, "", "", 0); err != nil {
		return fmt.Errorf("billing: cancel subscription: %w", err)
	}
	r.log.Info().Str("org_id", org.ID).Msg("subscription cancelled, downgraded to free")
	return nil
}

// applyDepositFunding moves a card-funded crypto deposit to processing so
// the on-chain transfer worker picks it up.
func (r *Reconciler) applyDepositFunding(ctx context.Context, intent *stripeapi.PaymentIntent) error {
	dep, err := r.store.GetDepositByPaymentIntent(ctx, intent.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.log.Debug().Str("payment_intent", intent.ID).Msg("payment intent without deposit")
			return nil
		}
		return fmt.Errorf("billing: look up deposit: %w", err)
	}
	if dep.Status != store.DepositPending {
		return nil
	}
	if err := r.store.UpdateDepositStatus(ctx, dep.ID, store.DepositProcessing, ""); err != nil {
		return fmt.Errorf("billing: mark deposit processing: %w", err)
	}
	r.log.Info().Str("deposit_id", dep.ID).Str("payment_intent", intent.ID).
		Msg("deposit funded, queued for on-chain transfer")
	return nil
}

func subscriptionPriceID(sub *stripeapi.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	return sub.Items.Data[0].Price.ID
}

// mapPrice infers the plan tier from a Stripe price identifier.
func mapPrice(priceID string) store.Plan {
	lower := strings.ToLower(priceID)
	switch {
	case strings.Contains(lower, "ent"):
		return store.PlanEnterprise
	case strings.Contains(lower, "pro"):
		return store.PlanPro
	default:
		return store.PlanFree
	}
}

func jsonExtract(data []byte, v any) error {
	if len(data) == 0 {
		return apperrors.New(apperrors.ErrCodeInvalidField, "webhook payload empty")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidField, "decode webhook payload")
	}
	return nil
}

package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v72"

	apperrors "github.com/tollgate/server/internal/errors"
	"github.com/tollgate/server/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemoryStore("test-secret", 0)
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st, zerolog.Nop()), st
}

func seedOrg(t *testing.T, st store.Store, plan store.Plan) *store.Organization {
	t.Helper()
	org := &store.Organization{
		Name:             "acme",
		APIKey:           "tg_" + string(plan) + "_key",
		Plan:             plan,
		StripeCustomerID: "cus_" + string(plan),
	}
	if err := st.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	return org
}

func TestLimitsFor(t *testing.T) {
	if l := LimitsFor(store.PlanFree); l != (PlanLimits{MaxCallsPerDay: 1000, MaxAgents: 1, MaxSellers: 2}) {
		t.Errorf("free limits = %+v", l)
	}
	if l := LimitsFor(store.PlanPro); l != (PlanLimits{MaxCallsPerDay: 100000, MaxAgents: 10, MaxSellers: 25}) {
		t.Errorf("pro limits = %+v", l)
	}
	if l := LimitsFor(store.PlanEnterprise); l != (PlanLimits{}) {
		t.Errorf("enterprise limits = %+v, want unbounded", l)
	}
}

func TestAuthorizeCallDeniesPastDailyLimit(t *testing.T) {
	svc, st := newTestService(t)
	org := seedOrg(t, st, store.PlanFree)

	day := DayKey(time.Now())
	for i := 0; i < 999; i++ {
		if _, _, err := st.IncrementUsage(context.Background(), org.ID, day, 0); err != nil {
			t.Fatalf("seed usage: %v", err)
		}
	}

	remaining, err := svc.AuthorizeCall(context.Background(), org)
	if err != nil {
		t.Fatalf("call 1000 should pass: %v", err)
	}
	if remaining != 0 {
		t.Errorf("remaining after last allowed call = %d, want 0", remaining)
	}

	_, err = svc.AuthorizeCall(context.Background(), org)
	if err == nil {
		t.Fatal("call 1001 must be denied")
	}
	if apperrors.CodeOf(err) != apperrors.ErrCodePlanLimitReached {
		t.Errorf("error code = %s, want plan_limit_reached", apperrors.CodeOf(err))
	}
}

func TestAuthorizeCallResetsOnNewDay(t *testing.T) {
	svc, st := newTestService(t)
	org := seedOrg(t, st, store.PlanFree)

	base := time.Date(2026, 8, 26, 23, 59, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	day := DayKey(base)
	for i := 0; i < 1000; i++ {
		if _, _, err := st.IncrementUsage(context.Background(), org.ID, day, 0); err != nil {
			t.Fatalf("seed usage: %v", err)
		}
	}
	if _, err := svc.AuthorizeCall(context.Background(), org); err == nil {
		t.Fatal("expected deny at limit")
	}

	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	remaining, err := svc.AuthorizeCall(context.Background(), org)
	if err != nil {
		t.Fatalf("new UTC day must reset the counter: %v", err)
	}
	if remaining != 999 {
		t.Errorf("remaining after first call of new day = %d, want 999", remaining)
	}
}

func TestAuthorizeCallEnterpriseUnbounded(t *testing.T) {
	svc, st := newTestService(t)
	org := seedOrg(t, st, store.PlanEnterprise)

	for i := 0; i < 1500; i++ {
		if _, err := svc.AuthorizeCall(context.Background(), org); err != nil {
			t.Fatalf("enterprise call %d denied: %v", i+1, err)
		}
	}
}

func TestAgentAndSellerLimits(t *testing.T) {
	svc, st := newTestService(t)
	org := seedOrg(t, st, store.PlanFree)

	if err := svc.CheckAgentLimit(context.Background(), org); err != nil {
		t.Fatalf("first agent should be allowed: %v", err)
	}
	err := st.CreateAgent(context.Background(), &store.Agent{
		OrgID: org.ID, Name: "a1", Wallet: "0x1111111111111111111111111111111111111111",
	})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if err := svc.CheckAgentLimit(context.Background(), org); apperrors.CodeOf(err) != apperrors.ErrCodePlanLimitReached {
		t.Errorf("second free-plan agent should hit the quota, got %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := svc.CheckSellerLimit(context.Background(), org); err != nil {
			t.Fatalf("seller %d should be allowed: %v", i+1, err)
		}
		err := st.CreateSeller(context.Background(), &store.Seller{
			OrgID: org.ID, Name: "s", APIKey: "sk_" + string(rune('a'+i)),
		})
		if err != nil {
			t.Fatalf("CreateSeller: %v", err)
		}
	}
	if err := svc.CheckSellerLimit(context.Background(), org); apperrors.CodeOf(err) != apperrors.ErrCodePlanLimitReached {
		t.Errorf("third free-plan seller should hit the quota, got %v", err)
	}
}

func TestMapPrice(t *testing.T) {
	cases := map[string]store.Plan{
		"price_enterprise_yearly": store.PlanEnterprise,
		"price_ENT_2026":          store.PlanEnterprise,
		"price_pro_monthly":       store.PlanPro,
		"price_starter":           store.PlanFree,
		"":                        store.PlanFree,
	}
	for priceID, want := range cases {
		if got := mapPrice(priceID); got != want {
			t.Errorf("mapPrice(%q) = %s, want %s", priceID, got, want)
		}
	}
}

func TestApplySubscriptionUpdatesBilling(t *testing.T) {
	_, st := newTestService(t)
	org := seedOrg(t, st, store.PlanFree)
	r := &Reconciler{store: st, log: zerolog.Nop()}

	sub := &stripeapi.Subscription{
		ID:               "sub_123",
		Customer:         &stripeapi.Customer{ID: org.StripeCustomerID},
		CurrentPeriodEnd: 1788000000,
		Items: &stripeapi.SubscriptionItemList{
			Data: []*stripeapi.SubscriptionItem{
				{Price: &stripeapi.Price{ID: "price_pro_monthly"}},
			},
		},
	}
	if err := r.applySubscription(context.Background(), sub); err != nil {
		t.Fatalf("applySubscription: %v", err)
	}

	got, err := st.GetOrganization(context.Background(), org.ID)
	if err != nil {
		t.Fatalf("GetOrganization: %v", err)
	}
	if got.Plan != store.PlanPro {
		t.Errorf("plan = %s, want pro", got.Plan)
	}
	if got.SubscriptionID != "sub_123" || got.PriceID != "price_pro_monthly" {
		t.Errorf("billing refs = %q/%q", got.SubscriptionID, got.PriceID)
	}
	if got.BillingPeriodEnd != 1788000000000 {
		t.Errorf("billingPeriodEnd = %d, want seconds converted to millis", got.BillingPeriodEnd)
	}
}

func TestApplySubscriptionUnknownCustomerIsAcked(t *testing.T) {
	_, st := newTestService(t)
	r := &Reconciler{store: st, log: zerolog.Nop()}

	sub := &stripeapi.Subscription{
		ID:       "sub_x",
		Customer: &stripeapi.Customer{ID: "cus_missing"},
	}
	if err := r.applySubscription(context.Background(), sub); err != nil {
		t.Fatalf("unknown customer should not error: %v", err)
	}
}

func TestCancelSubscriptionDowngrades(t *testing.T) {
	_, st := newTestService(t)
	org := seedOrg(t, st, store.PlanPro)
	if err := st.UpdateOrganizationBilling(context.Background(), org.ID, store.PlanPro, "sub_9", "price_pro", 123); err != nil {
		t.Fatalf("seed billing: %v", err)
	}
	r := &Reconciler{store: st, log: zerolog.Nop()}

	sub := &stripeapi.Subscription{
		ID:       "sub_9",
		Customer: &stripeapi.Customer{ID: org.StripeCustomerID},
	}
	if err := r.cancelSubscription(context.Background(), sub); err != nil {
		t.Fatalf("cancelSubscription: %v", err)
	}
	got, _ := st.GetOrganization(context.Background(), org.ID)
	if got.Plan != store.PlanFree || got.SubscriptionID != "" || got.PriceID != "" || got.BillingPeriodEnd != 0 {
		t.Errorf("org after cancel = %+v, want free plan with cleared billing refs", got)
	}
}

func TestDepositFunding(t *testing.T) {
	_, st := newTestService(t)
	org := seedOrg(t, st, store.PlanFree)
	r := &Reconciler{store: st, log: zerolog.Nop()}

	agent := &store.Agent{
		OrgID: org.ID, Name: "a1", Wallet: "0x1111111111111111111111111111111111111111",
	}
	if err := st.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	dep := &store.Deposit{
		OrgID:           org.ID,
		AgentID:         agent.ID,
		PaymentIntentID: "pi_42",
		Status:          store.DepositPending,
	}
	if err := st.CreateDeposit(context.Background(), dep); err != nil {
		t.Fatalf("CreateDeposit: %v", err)
	}

	intent := &stripeapi.PaymentIntent{ID: "pi_42"}
	if err := r.applyDepositFunding(context.Background(), intent); err != nil {
		t.Fatalf("applyDepositFunding: %v", err)
	}
	got, _ := st.GetDeposit(context.Background(), dep.ID)
	if got.Status != store.DepositProcessing {
		t.Errorf("deposit status = %s, want processing", got.Status)
	}

	// Replayed event is a no-op once past pending.
	if err := r.applyDepositFunding(context.Background(), intent); err != nil {
		t.Fatalf("replay: %v", err)
	}

	// Intent with no deposit attached is acknowledged.
	if err := r.applyDepositFunding(context.Background(), &stripeapi.PaymentIntent{ID: "pi_none"}); err != nil {
		t.Fatalf("unmatched intent should not error: %v", err)
	}
}

func TestHandleWebhookRequiresSecret(t *testing.T) {
	_, st := newTestService(t)
	r := &Reconciler{store: st, log: zerolog.Nop()}
	err := r.HandleWebhook(context.Background(), []byte(`{}`), "t=1,v1=abc")
	if err == nil {
		t.Fatal("missing webhook secret must fail")
	}
	var e *apperrors.E
	if !errors.As(err, &e) || e.Code != apperrors.ErrCodeStripeError {
		t.Errorf("error = %v, want stripe_error", err)
	}
}

package store

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/tollgate/server/internal/policy"
	"github.com/tollgate/server/pkg/x402"
)

const testSecret = "facilitator-test-secret"

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(testSecret, 0)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedOrg(t *testing.T, s *MemoryStore, apiKey string) *Organization {
	t.Helper()
	org := &Organization{Name: "acme", APIKey: apiKey}
	if err := s.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	return org
}

func TestOrganizationUniqueAPIKey(t *testing.T) {
	s := newTestStore(t)
	seedOrg(t, s, "key-1")
	err := s.CreateOrganization(context.Background(), &Organization{Name: "other", APIKey: "key-1"})
	if err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestOrganizationLookupByAPIKey(t *testing.T) {
	s := newTestStore(t)
	org := seedOrg(t, s, "key-2")
	got, err := s.GetOrganizationByAPIKey(context.Background(), "key-2")
	if err != nil {
		t.Fatalf("GetOrganizationByAPIKey: %v", err)
	}
	if got.ID != org.ID {
		t.Errorf("got org %s, want %s", got.ID, org.ID)
	}
	if _, err := s.GetOrganizationByAPIKey(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIncrementUsageDayRollover(t *testing.T) {
	s := newTestStore(t)
	org := seedOrg(t, s, "key-3")
	ctx := context.Background()

	count, allowed, err := s.IncrementUsage(ctx, org.ID, "2026-08-25", 2)
	if err != nil || !allowed || count != 1 {
		t.Fatalf("first increment: count=%d allowed=%v err=%v", count, allowed, err)
	}
	count, allowed, _ = s.IncrementUsage(ctx, org.ID, "2026-08-25", 2)
	if !allowed || count != 2 {
		t.Fatalf("second increment: count=%d allowed=%v", count, allowed)
	}
	count, allowed, _ = s.IncrementUsage(ctx, org.ID, "2026-08-25", 2)
	if allowed {
		t.Fatalf("third increment should be denied, count=%d", count)
	}

	// New UTC day resets the counter.
	count, allowed, _ = s.IncrementUsage(ctx, org.ID, "2026-08-26", 2)
	if !allowed || count != 1 {
		t.Fatalf("rollover increment: count=%d allowed=%v", count, allowed)
	}
}

func TestAgentForeignKey(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateAgent(context.Background(), &Agent{OrgID: "no-such-org", Wallet: "0xabc"})
	if err != ErrForeignKey {
		t.Fatalf("expected ErrForeignKey, got %v", err)
	}
}

func TestToolUniqueSlug(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org := seedOrg(t, s, "key-4")
	seller := &Seller{OrgID: org.ID, Name: "s", Wallet: "0xS", APIKey: "seller-key"}
	if err := s.CreateSeller(ctx, seller); err != nil {
		t.Fatalf("CreateSeller: %v", err)
	}
	ep := &Endpoint{SellerID: seller.ID, Method: "GET", Path: "/v1/data", Price: "0.005", Currency: "USDC"}
	if err := s.CreateEndpoint(ctx, ep); err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	if err := s.CreateTool(ctx, &Tool{EndpointID: ep.ID, Slug: "data-api", Name: "Data API", Active: true}); err != nil {
		t.Fatalf("CreateTool: %v", err)
	}
	err := s.CreateTool(ctx, &Tool{EndpointID: ep.ID, Slug: "data-api", Name: "Dup"})
	if err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate for slug, got %v", err)
	}
}

func TestSearchToolsRanked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org := seedOrg(t, s, "key-5")
	seller := &Seller{OrgID: org.ID, Wallet: "0xS", APIKey: "sk"}
	_ = s.CreateSeller(ctx, seller)
	ep := &Endpoint{SellerID: seller.ID, Method: "GET", Path: "/x", Price: "0.001", Currency: "USDC"}
	_ = s.CreateEndpoint(ctx, ep)

	_ = s.CreateTool(ctx, &Tool{EndpointID: ep.ID, Slug: "weather", Name: "Weather oracle", Description: "forecast data", Active: true})
	_ = s.CreateTool(ctx, &Tool{EndpointID: ep.ID, Slug: "news", Name: "News feed", Description: "weather mentioned once", Active: true})
	_ = s.CreateTool(ctx, &Tool{EndpointID: ep.ID, Slug: "math", Name: "Calculator", Description: "arithmetic", Active: true})

	hits, err := s.SearchTools(ctx, "weather", ToolFilter{})
	if err != nil {
		t.Fatalf("SearchTools: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Slug != "weather" {
		t.Errorf("top hit = %s, want weather (name match ranks above description match)", hits[0].Slug)
	}
}

func TestTransactionStatusMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tx := &Transaction{AgentWallet: "0xA", Path: "/v1/data", Method: "GET", Amount: "5000", Chain: x402.ChainBase}
	if err := s.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if err := s.UpdateTransactionStatus(ctx, tx.ID, TxSettled, 200, 42); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := s.UpdateTransactionStatus(ctx, tx.ID, TxPending, 0, 0); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition going backward, got %v", err)
	}
	if err := s.UpdateTransactionStatus(ctx, tx.ID, TxRefunded, 0, 0); err != nil {
		t.Fatalf("refund after settle: %v", err)
	}
	got, _ := s.GetTransaction(ctx, tx.ID)
	if got.Status != TxRefunded || got.SettledAt == nil {
		t.Errorf("final status = %s, settledAt = %v", got.Status, got.SettledAt)
	}
}

func TestSumSettledByAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	mk := func(amount string, status TransactionStatus, at time.Time) {
		tx := &Transaction{AgentWallet: "0xA", Path: "/p", Method: "GET", Amount: amount, Chain: x402.ChainBase, Status: status, RequestedAt: at}
		if err := s.CreateTransaction(ctx, tx); err != nil {
			t.Fatalf("CreateTransaction: %v", err)
		}
	}
	mk("3000", TxSettled, base)
	mk("5000", TxSettled, base.Add(time.Hour))
	mk("7000", TxFailed, base)                    // not settled
	mk("9000", TxSettled, base.Add(-48*time.Hour)) // outside window

	sum, err := s.SumSettledByAgent(ctx, "0xA", base.Add(-time.Hour), base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("SumSettledByAgent: %v", err)
	}
	if sum.Cmp(big.NewInt(8000)) != 0 {
		t.Errorf("sum = %s, want 8000", sum)
	}
}

func TestUpsertPaymentIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &FacilitatorPayment{
		IdempotencyKey: "k-1",
		OriginalURL:    "https://seller.example/v1/data",
		OriginalMethod: "GET",
		AgentWallet:    "0xA",
	}
	created, isNew, err := s.UpsertPayment(ctx, testSecret, first)
	if err != nil || !isNew {
		t.Fatalf("first upsert: isNew=%v err=%v", isNew, err)
	}

	retry := &FacilitatorPayment{
		IdempotencyKey: "k-1",
		OriginalURL:    "https://attacker.example/other",
		OriginalMethod: "POST",
		AgentWallet:    "0xA",
	}
	existing, isNew, err := s.UpsertPayment(ctx, testSecret, retry)
	if err != nil {
		t.Fatalf("retry upsert: %v", err)
	}
	if isNew {
		t.Fatal("retry with same idempotency key must not create a second payment")
	}
	if existing.PaymentID != created.PaymentID {
		t.Errorf("payment id %s, want %s", existing.PaymentID, created.PaymentID)
	}
	if existing.OriginalURL != "https://seller.example/v1/data" || existing.OriginalMethod != "GET" {
		t.Errorf("original request mutated on retry: %s %s", existing.OriginalMethod, existing.OriginalURL)
	}
}

func TestPaymentMutationRequiresSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpsertPayment(ctx, "wrong-secret", &FacilitatorPayment{AgentWallet: "0xA"})
	if err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	p, _, err := s.UpsertPayment(ctx, testSecret, &FacilitatorPayment{AgentWallet: "0xA"})
	if err != nil {
		t.Fatalf("UpsertPayment: %v", err)
	}
	err = s.TransitionPayment(ctx, "", p.PaymentID, PaymentPending, PaymentProcessing, PaymentPatch{})
	if err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized on transition, got %v", err)
	}
}

func TestTransitionPaymentCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, _, err := s.UpsertPayment(ctx, testSecret, &FacilitatorPayment{AgentWallet: "0xA"})
	if err != nil {
		t.Fatalf("UpsertPayment: %v", err)
	}

	if err := s.TransitionPayment(ctx, testSecret, p.PaymentID, PaymentPending, PaymentProcessing, PaymentPatch{}); err != nil {
		t.Fatalf("pending->processing: %v", err)
	}
	// Second identical CAS loses: prior status no longer matches.
	err = s.TransitionPayment(ctx, testSecret, p.PaymentID, PaymentPending, PaymentProcessing, PaymentPatch{})
	if err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// Skipping processing is an invalid transition.
	err = s.TransitionPayment(ctx, testSecret, p.PaymentID, PaymentProcessing, PaymentPending, PaymentPatch{})
	if err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := s.TransitionPayment(ctx, testSecret, p.PaymentID, PaymentProcessing, PaymentCompleted, PaymentPatch{TxHash: "0xdead"}); err != nil {
		t.Fatalf("processing->completed: %v", err)
	}
	got, _ := s.GetPayment(ctx, p.PaymentID)
	if got.Status != PaymentCompleted || got.TxHash != "0xdead" || got.CompletedAt == nil {
		t.Errorf("final payment = %+v", got)
	}
}

func TestListPoliciesForAgentLatestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org := seedOrg(t, s, "key-6")
	agent := &Agent{OrgID: org.ID, Name: "a1", Wallet: "0xA", Chain: x402.ChainBase}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	old := &Policy{
		OrgID: org.ID, AgentID: agent.ID, Type: policy.TypeBudget, Active: true,
		Rules:     policy.Rules{Budget: &policy.BudgetRule{DailyLimit: "1.00"}},
		CreatedAt: time.Now().Add(-time.Hour),
	}
	newer := &Policy{
		OrgID: org.ID, AgentID: agent.ID, Type: policy.TypeBudget, Active: true,
		Rules: policy.Rules{Budget: &policy.BudgetRule{DailyLimit: "2.00"}},
	}
	orgWide := &Policy{
		OrgID: org.ID, Type: policy.TypeVendorACL, Active: true,
		Rules: policy.Rules{VendorACL: &policy.VendorACLRule{BlockedVendors: []string{"0xBad"}}},
	}
	for _, p := range []*Policy{old, newer, orgWide} {
		if err := s.PutPolicy(ctx, p); err != nil {
			t.Fatalf("PutPolicy: %v", err)
		}
	}

	got, err := s.ListPoliciesForAgent(ctx, org.ID, agent.ID)
	if err != nil {
		t.Fatalf("ListPoliciesForAgent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d policies, want 2 (latest budget + org acl)", len(got))
	}
	if got[0].AgentID != agent.ID || got[0].Rules.Budget.DailyLimit != "2.00" {
		t.Errorf("first policy = %+v, want latest agent-scoped budget", got[0])
	}
	if got[1].AgentID != "" || got[1].Type != policy.TypeVendorACL {
		t.Errorf("second policy = %+v, want org-wide acl", got[1])
	}
}

func TestWebhookFailureFlagging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org := seedOrg(t, s, "key-7")
	w := &Webhook{OrgID: org.ID, URL: "https://hooks.example/x", Events: []WebhookEvent{EventPaymentCompleted}, Secret: "whsec"}
	if err := s.CreateWebhook(ctx, w); err != nil {
		t.Fatalf("CreateWebhook: %v", err)
	}

	for i := 1; i <= 3; i++ {
		count, err := s.RecordWebhookOutcome(ctx, w.ID, false)
		if err != nil {
			t.Fatalf("RecordWebhookOutcome: %v", err)
		}
		if count != i {
			t.Errorf("failureCount = %d, want %d", count, i)
		}
	}
	got, _ := s.GetWebhook(ctx, w.ID)
	if got.State != WebhookFailing {
		t.Errorf("state = %s, want failing after 3 failures", got.State)
	}

	if _, err := s.RecordWebhookOutcome(ctx, w.ID, true); err != nil {
		t.Fatalf("RecordWebhookOutcome(success): %v", err)
	}
	got, _ = s.GetWebhook(ctx, w.ID)
	if got.State != WebhookActive || got.FailureCount != 0 {
		t.Errorf("after success: state=%s failureCount=%d", got.State, got.FailureCount)
	}
}

func TestDeliveryQueueOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org := seedOrg(t, s, "key-8")
	w := &Webhook{OrgID: org.ID, URL: "https://hooks.example/x", Events: []WebhookEvent{EventTestPing}, Secret: "whsec"}
	_ = s.CreateWebhook(ctx, w)

	now := time.Now().UTC()
	later := &WebhookDelivery{WebhookID: w.ID, Event: EventTestPing, Payload: []byte(`{}`), NextAttemptAt: now.Add(-time.Minute)}
	earlier := &WebhookDelivery{WebhookID: w.ID, Event: EventTestPing, Payload: []byte(`{}`), NextAttemptAt: now.Add(-time.Hour)}
	future := &WebhookDelivery{WebhookID: w.ID, Event: EventTestPing, Payload: []byte(`{}`), NextAttemptAt: now.Add(time.Hour)}
	for _, d := range []*WebhookDelivery{later, earlier, future} {
		if err := s.EnqueueDelivery(ctx, d); err != nil {
			t.Fatalf("EnqueueDelivery: %v", err)
		}
	}

	due, err := s.DequeueDeliveries(ctx, now, 10)
	if err != nil {
		t.Fatalf("DequeueDeliveries: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due deliveries, want 2", len(due))
	}
	if due[0].ID != earlier.ID {
		t.Errorf("oldest delivery must come first")
	}

	if err := s.MarkDeliveryProcessing(ctx, earlier.ID); err != nil {
		t.Fatalf("MarkDeliveryProcessing: %v", err)
	}
	if err := s.MarkDeliveryProcessing(ctx, earlier.ID); err != ErrConflict {
		t.Fatalf("expected ErrConflict on double processing, got %v", err)
	}
}

func TestRateCounterIncrementAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	win := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		n, err := s.IncrRateCounter(ctx, "org-1", win)
		if err != nil || n != i {
			t.Fatalf("IncrRateCounter #%d: n=%d err=%v", i, n, err)
		}
	}
	// Different window starts fresh.
	n, _ := s.IncrRateCounter(ctx, "org-1", win.Add(time.Minute))
	if n != 1 {
		t.Errorf("new window count = %d, want 1", n)
	}

	pruned, err := s.PruneRateCounters(ctx, win.Add(30*time.Second))
	if err != nil || pruned != 1 {
		t.Fatalf("PruneRateCounters: pruned=%d err=%v", pruned, err)
	}
}

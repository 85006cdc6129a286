package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tollgate/server/internal/billing"
	"github.com/tollgate/server/internal/config"
	"github.com/tollgate/server/internal/gate"
	"github.com/tollgate/server/internal/revenue"
	"github.com/tollgate/server/internal/store"
	"github.com/tollgate/server/internal/webhooks"
	"github.com/tollgate/server/pkg/x402"
)

const testOrgKey = "org-key-1"

type testEnv struct {
	srv     *Server
	store   store.Store
	revenue *revenue.MemoryRepository
	org     *store.Organization
}

func newTestEnv(t *testing.T, plan store.Plan) *testEnv {
	t.Helper()
	st := store.NewMemoryStore("test-secret", 0)
	t.Cleanup(func() { _ = st.Close() })
	rev := revenue.NewMemoryRepository()

	org := &store.Organization{Name: "acme", APIKey: testOrgKey, Plan: plan}
	if err := st.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}

	cfg := &config.Config{}
	cfg.Server.AdminMetricsAPIKey = "admin-key"
	log := zerolog.Nop()
	srv := New(cfg, st, billing.NewService(st, log), billing.NewReconciler(config.StripeConfig{}, st, nil, log),
		webhooks.NewPublisher(st, log), rev, nil, log)
	return &testEnv{srv: srv, store: st, revenue: rev, org: org}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testOrgKey)
	}
	rr := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rr, req)
	return rr
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder, dest any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rr.Body.String())
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		t.Fatalf("decode data: %v (%s)", err, env.Data)
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, rr.Body.String())
	}
	return env.Error.Code
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t, store.PlanFree)

	if rr := e.do(t, http.MethodGet, "/v1/agents", nil, false); rr.Code != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	req.Header.Set("X-API-Key", "wrong")
	rr := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong key = %d, want 401", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	req.Header.Set("X-API-Key", testOrgKey)
	rr = httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("X-API-Key auth = %d, want 200", rr.Code)
	}
}

func TestAgentPlanLimit(t *testing.T) {
	e := newTestEnv(t, store.PlanFree)

	body := map[string]any{"name": "a1", "wallet": "0x3333333333333333333333333333333333333333"}
	if rr := e.do(t, http.MethodPost, "/v1/agents", body, true); rr.Code != http.StatusCreated {
		t.Fatalf("first agent = %d: %s", rr.Code, rr.Body.String())
	}

	body["name"] = "a2"
	body["wallet"] = "0x4444444444444444444444444444444444444444"
	rr := e.do(t, http.MethodPost, "/v1/agents", body, true)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second agent on free plan = %d, want 429", rr.Code)
	}
	if errorCode(t, rr) != "plan_limit_reached" {
		t.Errorf("code = %s", errorCode(t, rr))
	}
}

func TestToolLifecycle(t *testing.T) {
	e := newTestEnv(t, store.PlanPro)

	var seller store.Seller
	rr := e.do(t, http.MethodPost, "/v1/sellers", map[string]any{
		"name": "weather-inc", "wallet": "0x1111111111111111111111111111111111111111",
	}, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create seller = %d: %s", rr.Code, rr.Body.String())
	}
	decodeData(t, rr, &seller)
	if seller.APIKey == "" {
		t.Error("seller api key missing from creation response")
	}

	var ep store.Endpoint
	rr = e.do(t, http.MethodPost, "/v1/sellers/"+seller.ID+"/endpoints", map[string]any{
		"method": "get", "path": "/api/weather/:city", "price": "0.005",
	}, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create endpoint = %d: %s", rr.Code, rr.Body.String())
	}
	decodeData(t, rr, &ep)
	if ep.Method != "GET" || ep.Currency != "USDC" {
		t.Errorf("endpoint = %+v", ep)
	}

	rr = e.do(t, http.MethodPost, "/v1/tools", map[string]any{
		"endpointId": ep.ID, "slug": "Weather-Lookup", "name": "Weather Lookup",
		"description": "city forecasts", "category": "data",
	}, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register tool = %d: %s", rr.Code, rr.Body.String())
	}
	var tool store.Tool
	decodeData(t, rr, &tool)
	if tool.Slug != "weather-lookup" {
		t.Errorf("slug not lowercased: %s", tool.Slug)
	}

	// Public, unauthenticated discovery.
	rr = e.do(t, http.MethodGet, "/v1/tools/weather-lookup", nil, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("public get tool = %d", rr.Code)
	}
	rr = e.do(t, http.MethodGet, "/v1/tools/search?q=weather", nil, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("search = %d", rr.Code)
	}
	var found []store.Tool
	decodeData(t, rr, &found)
	if len(found) != 1 {
		t.Errorf("search hits = %d, want 1", len(found))
	}

	// Duplicate slug is a conflict.
	rr = e.do(t, http.MethodPost, "/v1/tools", map[string]any{
		"endpointId": ep.ID, "slug": "weather-lookup", "name": "Other",
	}, true)
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate slug = %d, want 409", rr.Code)
	}
}

func TestWebhookRegistration(t *testing.T) {
	e := newTestEnv(t, store.PlanFree)

	rr := e.do(t, http.MethodPost, "/v1/webhooks", map[string]any{
		"url": "http://example.com/hook", "events": []string{"payment.completed"},
	}, true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("plain http url = %d, want 400", rr.Code)
	}

	rr = e.do(t, http.MethodPost, "/v1/webhooks", map[string]any{
		"url": "https://example.com/hook", "events": []string{"no.such.event"},
	}, true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown event = %d, want 400", rr.Code)
	}

	rr = e.do(t, http.MethodPost, "/v1/webhooks", map[string]any{
		"url": "https://example.com/hook", "events": []string{"payment.completed", "test.ping"},
	}, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create webhook = %d: %s", rr.Code, rr.Body.String())
	}
	var created struct {
		Webhook store.Webhook `json:"webhook"`
		Secret  string        `json:"secret"`
	}
	decodeData(t, rr, &created)
	if created.Secret == "" {
		t.Fatal("secret must be returned on creation")
	}

	// The secret never appears in listings.
	rr = e.do(t, http.MethodGet, "/v1/webhooks", nil, true)
	if bytes.Contains(rr.Body.Bytes(), []byte(created.Secret)) {
		t.Error("listing leaks the signing secret")
	}

	rr = e.do(t, http.MethodPost, "/v1/webhooks/"+created.Webhook.ID+"/test", nil, true)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("test ping = %d", rr.Code)
	}
	deliveries, err := e.store.ListDeliveriesByWebhook(context.Background(), created.Webhook.ID, 10)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("deliveries = %d (%v), want 1", len(deliveries), err)
	}
	if deliveries[0].Event != store.EventTestPing {
		t.Errorf("event = %s", deliveries[0].Event)
	}
}

func TestIngestReportsCreatesTransactions(t *testing.T) {
	e := newTestEnv(t, store.PlanPro)

	reports := []gate.Report{
		{
			Endpoint: "/api/data/:id", Method: "GET", ResponseStatus: 200, LatencyMs: 42, Status: "settled",
			Receipt: x402.Receipt{
				TxHash: "0xaaa", Chain: x402.ChainBase, Network: "eip155:8453",
				Amount: "0.005", From: "0x3333333333333333333333333333333333333333",
				To: "0x1111111111111111111111111111111111111111", Timestamp: time.Now().UTC(),
			},
			FeeBreakdown: &x402.FeeBreakdown{TotalAmount: "5000", SellerAmount: "4875", PlatformFee: "125", FeeBps: 250},
		},
		{
			Endpoint: "/api/data/:id", Method: "GET", ResponseStatus: 500, Status: "failed",
			Receipt: x402.Receipt{
				TxHash: "0xbbb", Chain: x402.ChainBase, Network: "eip155:8453",
				Amount: "0.005", From: "0x3333333333333333333333333333333333333333",
				Timestamp: time.Now().UTC(),
			},
		},
	}
	rr := e.do(t, http.MethodPost, "/v1/analytics/reports", map[string]any{"reports": reports}, true)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("ingest = %d: %s", rr.Code, rr.Body.String())
	}
	var out map[string]int
	decodeData(t, rr, &out)
	if out["accepted"] != 2 {
		t.Errorf("accepted = %d, want 2", out["accepted"])
	}

	rr = e.do(t, http.MethodGet, "/v1/transactions?status=settled", nil, true)
	var txs []store.Transaction
	decodeData(t, rr, &txs)
	if len(txs) != 1 {
		t.Fatalf("settled transactions = %d, want 1", len(txs))
	}
	if txs[0].Amount != "5000" || txs[0].Split.PlatformFee != "125" || txs[0].LatencyMs != 42 {
		t.Errorf("transaction = %+v", txs[0])
	}
}

func TestIngestReportsPublishesPaymentEvents(t *testing.T) {
	e := newTestEnv(t, store.PlanPro)

	hook := &store.Webhook{
		OrgID:  e.org.ID,
		URL:    "https://hooks.example.com/payments",
		Events: []store.WebhookEvent{store.EventPaymentCompleted, store.EventPaymentFailed},
		Secret: "whsec_seed",
	}
	if err := e.store.CreateWebhook(context.Background(), hook); err != nil {
		t.Fatalf("CreateWebhook: %v", err)
	}

	reports := []gate.Report{
		{
			Endpoint: "/api/data/:id", Method: "GET", ResponseStatus: 200, Status: "settled",
			Receipt: x402.Receipt{
				TxHash: "0xccc", Chain: x402.ChainBase, Network: "eip155:8453",
				Amount: "0.005", From: "0x3333333333333333333333333333333333333333",
				Timestamp: time.Now().UTC(),
			},
		},
		{
			Endpoint: "/api/data/:id", Method: "GET", ResponseStatus: 502, Status: "failed",
			Receipt: x402.Receipt{
				TxHash: "0xddd", Chain: x402.ChainBase, Network: "eip155:8453",
				Amount: "0.005", From: "0x3333333333333333333333333333333333333333",
				Timestamp: time.Now().UTC(),
			},
		},
	}
	rr := e.do(t, http.MethodPost, "/v1/analytics/reports", map[string]any{"reports": reports}, true)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("ingest = %d: %s", rr.Code, rr.Body.String())
	}

	deliveries, err := e.store.ListDeliveriesByWebhook(context.Background(), hook.ID, 10)
	if err != nil {
		t.Fatalf("ListDeliveriesByWebhook: %v", err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("deliveries = %d, want one per finalized transaction", len(deliveries))
	}
	got := map[store.WebhookEvent]bool{}
	for _, d := range deliveries {
		got[d.Event] = true
	}
	if !got[store.EventPaymentCompleted] || !got[store.EventPaymentFailed] {
		t.Errorf("events = %v, want payment.completed and payment.failed", got)
	}
}

func TestRevenueSummaryClampsRetention(t *testing.T) {
	e := newTestEnv(t, store.PlanFree) // 7 day retention

	recent := &revenue.Entry{TransactionID: "tx-new", Chain: "base", Amount: 5000, PlatformFee: 125, SellerAmount: 4875}
	old := &revenue.Entry{TransactionID: "tx-old", Chain: "base", Amount: 9000, PlatformFee: 225, SellerAmount: 8775,
		CreatedAt: time.Now().Add(-30 * 24 * time.Hour)}
	for _, entry := range []*revenue.Entry{recent, old} {
		if err := e.revenue.Record(context.Background(), entry); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	rr := e.do(t, http.MethodGet, "/v1/analytics/revenue?since=2000-01-01T00:00:00Z", nil, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("revenue = %d: %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Summary revenue.Summary `json:"summary"`
	}
	decodeData(t, rr, &out)
	if out.Summary.Count != 1 || out.Summary.TotalAmount != 5000 {
		t.Errorf("summary = %+v, want only the entry inside retention", out.Summary)
	}
}

func TestDisputeLifecycle(t *testing.T) {
	e := newTestEnv(t, store.PlanFree)

	tx := &store.Transaction{
		AgentWallet: "0x3333333333333333333333333333333333333333",
		Path:        "/api/data", Method: "GET", Amount: "5000",
		Chain: x402.ChainBase, Status: store.TxSettled,
	}
	if err := e.store.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	rr := e.do(t, http.MethodPost, "/v1/disputes", map[string]any{
		"transactionId": "missing", "reason": "not delivered",
	}, true)
	if rr.Code != http.StatusNotFound {
		t.Errorf("dispute on unknown tx = %d, want 404", rr.Code)
	}

	rr = e.do(t, http.MethodPost, "/v1/disputes", map[string]any{
		"transactionId": tx.ID, "reason": "not delivered",
	}, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create dispute = %d: %s", rr.Code, rr.Body.String())
	}
	var d store.Dispute
	decodeData(t, rr, &d)

	rr = e.do(t, http.MethodPost, "/v1/disputes/"+d.ID+"/resolve", map[string]any{
		"status": "resolved", "resolution": "refunded",
	}, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve = %d: %s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, http.MethodPost, "/v1/disputes/"+d.ID+"/resolve", map[string]any{
		"status": "rejected",
	}, true)
	if rr.Code != http.StatusConflict {
		t.Errorf("double resolve = %d, want 409", rr.Code)
	}
}

func TestDepositCreation(t *testing.T) {
	e := newTestEnv(t, store.PlanFree)

	var agent store.Agent
	rr := e.do(t, http.MethodPost, "/v1/agents", map[string]any{
		"name": "a1", "wallet": "0x3333333333333333333333333333333333333333",
	}, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create agent = %d", rr.Code)
	}
	decodeData(t, rr, &agent)

	rr = e.do(t, http.MethodPost, "/v1/deposits", map[string]any{
		"agentId": agent.ID, "amountUsd": "25.00", "paymentIntentId": "pi_123",
	}, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create deposit = %d: %s", rr.Code, rr.Body.String())
	}
	var d store.Deposit
	decodeData(t, rr, &d)
	if d.Status != store.DepositPending {
		t.Errorf("status = %s, want pending", d.Status)
	}

	rr = e.do(t, http.MethodPost, "/v1/deposits", map[string]any{
		"agentId": agent.ID, "amountUsd": "-5",
	}, true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("negative deposit = %d, want 400", rr.Code)
	}
}

func TestMetricsEndpointAuth(t *testing.T) {
	e := newTestEnv(t, store.PlanFree)

	rr := e.do(t, http.MethodGet, "/metrics", nil, false)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("metrics without key = %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-API-Key", "admin-key")
	rec := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics with admin key = %d, want 200", rec.Code)
	}
}

func TestBillingUsageReflectsPlan(t *testing.T) {
	e := newTestEnv(t, store.PlanFree)

	rr := e.do(t, http.MethodGet, "/v1/billing/usage", nil, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("usage = %d: %s", rr.Code, rr.Body.String())
	}
	var out map[string]any
	decodeData(t, rr, &out)
	if out["plan"] != "free" {
		t.Errorf("plan = %v", out["plan"])
	}
	if fmt.Sprint(out["callsLimit"]) != "1000" {
		t.Errorf("callsLimit = %v", out["callsLimit"])
	}
	// The usage call itself was charged against the quota.
	if fmt.Sprint(out["callsUsed"]) != "1" {
		t.Errorf("callsUsed = %v", out["callsUsed"])
	}
}

func TestSecurityHeadersOnAPIResponses(t *testing.T) {
	e := newTestEnv(t, store.PlanFree)
	rr := e.do(t, http.MethodGet, "/health", nil, false)
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}
	if rr.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("missing frame options header")
	}
}

package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/tollgate/server/internal/chain"
	apperrors "github.com/tollgate/server/internal/errors"
	"github.com/tollgate/server/internal/facilitator"
	"github.com/tollgate/server/internal/policy"
	"github.com/tollgate/server/pkg/responders"
	"github.com/tollgate/server/pkg/x402"
)

const testKeyHex = "0x4c0883a69102937d6231471b5dbb6204fe512961708279feb1be6ae5538da033"

type staticPolicies struct {
	policies []policy.Attached
	usage    policy.Usage
}

func (s *staticPolicies) Policies(context.Context) ([]policy.Attached, error) {
	return s.policies, nil
}

func (s *staticPolicies) Usage(context.Context) (policy.Usage, error) {
	return s.usage, nil
}

func testRequirement() x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           "eip155:84532",
		MaxAmountRequired: "5000",
		PayTo:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Extra:             x402.RequirementExtra{Name: "USDC", Decimals: 6},
	}
}

// challengeOrigin returns 402 with requirements until paid is flipped.
func challengeOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		responders.JSON(w, http.StatusPaymentRequired, x402.PaymentRequiredResponse{
			Error:               "payment required",
			PaymentRequirements: []x402.PaymentRequirement{testRequirement()},
		})
	}))
}

// fakeFacilitator settles every order with the configured terminal status.
type fakeFacilitator struct {
	srv       *httptest.Server
	payCalls  atomic.Int64
	lastOrder x402.PayRequest
	terminal  string
	failError string
}

func newFakeFacilitator(t *testing.T, terminal string) *fakeFacilitator {
	t.Helper()
	f := &fakeFacilitator{terminal: terminal}
	r := chi.NewRouter()
	r.Post("/pay", func(w http.ResponseWriter, req *http.Request) {
		f.payCalls.Add(1)
		_ = json.NewDecoder(req.Body).Decode(&f.lastOrder)
		responders.JSON(w, http.StatusAccepted, x402.PayResponse{PaymentID: "pay-123", Status: "pending"})
	})
	r.Get("/pay/{id}", func(w http.ResponseWriter, req *http.Request) {
		responders.JSON(w, http.StatusOK, x402.PaymentStatusResponse{
			PaymentID: chi.URLParam(req, "id"),
			Status:    f.terminal,
			TxHash:    "0xpaid",
			Error:     f.failError,
		})
	})
	r.Post("/forward/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":"paid content"}`))
	})
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestClient(t *testing.T, facilitatorURL string, src PolicySource) *Client {
	t.Helper()
	key, err := chain.ParsePrivateKey(testKeyHex)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	c, err := NewClient(Config{
		FacilitatorURL: facilitatorURL,
		PrivateKey:     key,
		Policies:       src,
		PollInterval:   5 * time.Millisecond,
		PollTimeout:    2 * time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestDoPassesThroughNon402(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("free content"))
	}))
	defer origin.Close()
	fac := newFakeFacilitator(t, "completed")
	c := newTestClient(t, fac.srv.URL, nil)

	req, _ := http.NewRequest(http.MethodGet, origin.URL+"/free", nil)
	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if body, _ := io.ReadAll(resp.Body); string(body) != "free content" {
		t.Errorf("body = %s", body)
	}
	if fac.payCalls.Load() != 0 {
		t.Error("free request must not touch the facilitator")
	}
}

func TestDoPaysOn402(t *testing.T) {
	origin := challengeOrigin(t)
	defer origin.Close()
	fac := newFakeFacilitator(t, "completed")
	c := newTestClient(t, fac.srv.URL, nil)

	req, _ := http.NewRequest(http.MethodGet, origin.URL+"/api/data", nil)
	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if body, _ := io.ReadAll(resp.Body); string(body) != `{"data":"paid content"}` {
		t.Errorf("paid body = %s", body)
	}

	order := fac.lastOrder
	if order.AgentWallet != c.Address() {
		t.Errorf("agent wallet = %s, want %s", order.AgentWallet, c.Address())
	}
	want := facilitator.IdempotencyKey(c.Address(), origin.URL+"/api/data", "GET", nil, "5000")
	if order.IdempotencyKey != want {
		t.Errorf("idempotency key = %s, want %s", order.IdempotencyKey, want)
	}
	raw, _ := json.Marshal(order.AgentAuth.Payload)
	var evm x402.EVMPayload
	_ = json.Unmarshal(raw, &evm)
	if !strings.HasPrefix(evm.Signature, "0x") || evm.Authorization.Value != "5000" {
		t.Errorf("authorization = %+v", evm)
	}
	if !strings.EqualFold(evm.Authorization.From, c.Address()) {
		t.Errorf("from = %s, want %s", evm.Authorization.From, c.Address())
	}
}

func TestPolicyDenyMakesNoFacilitatorCalls(t *testing.T) {
	origin := challengeOrigin(t)
	defer origin.Close()
	fac := newFakeFacilitator(t, "completed")
	src := &staticPolicies{policies: []policy.Attached{{
		Type:  policy.TypeBudget,
		Rules: policy.Rules{Budget: &policy.BudgetRule{PerTransactionLimit: "0.001"}},
	}}}
	c := newTestClient(t, fac.srv.URL, src)

	req, _ := http.NewRequest(http.MethodGet, origin.URL+"/api/data", nil)
	_, err := c.Do(context.Background(), req)
	if apperrors.CodeOf(err) != apperrors.ErrCodePolicyDenied {
		t.Fatalf("error code = %s, want policy denied (%v)", apperrors.CodeOf(err), err)
	}
	if fac.payCalls.Load() != 0 {
		t.Errorf("denied payment reached the facilitator %d times", fac.payCalls.Load())
	}
}

func TestVendorBlockDenies(t *testing.T) {
	origin := challengeOrigin(t)
	defer origin.Close()
	fac := newFakeFacilitator(t, "completed")
	src := &staticPolicies{policies: []policy.Attached{{
		Type: policy.TypeVendorACL,
		Rules: policy.Rules{VendorACL: &policy.VendorACLRule{
			BlockedVendors: []string{"0x036CbD53842c5426634e7929541eC2318f3dCF7e"},
		}},
	}}}
	c := newTestClient(t, fac.srv.URL, src)

	req, _ := http.NewRequest(http.MethodGet, origin.URL+"/api/data", nil)
	_, err := c.Do(context.Background(), req)
	var e *apperrors.E
	if !errors.As(err, &e) || e.Code != apperrors.ErrCodePolicyDenied {
		t.Fatalf("err = %v", err)
	}
	if e.Details["reason"] != string(policy.ReasonVendorBlocked) {
		t.Errorf("reason = %v", e.Details["reason"])
	}
}

func TestFailedPaymentSurfacesError(t *testing.T) {
	origin := challengeOrigin(t)
	defer origin.Close()
	fac := newFakeFacilitator(t, "failed")
	fac.failError = "insufficient funds"
	c := newTestClient(t, fac.srv.URL, nil)

	req, _ := http.NewRequest(http.MethodGet, origin.URL+"/api/data", nil)
	_, err := c.Do(context.Background(), req)
	if apperrors.CodeOf(err) != apperrors.ErrCodePaymentInvalid {
		t.Fatalf("error code = %s (%v)", apperrors.CodeOf(err), err)
	}
	if !strings.Contains(err.Error(), "insufficient funds") {
		t.Errorf("error should carry the settlement failure: %v", err)
	}
}

func TestCancellationRecordsOrphan(t *testing.T) {
	origin := challengeOrigin(t)
	defer origin.Close()
	fac := newFakeFacilitator(t, "pending") // never terminal
	c := newTestClient(t, fac.srv.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequest(http.MethodGet, origin.URL+"/api/data", nil)
	_, err := c.Do(ctx, req)
	if err == nil {
		t.Fatal("expected error on cancellation")
	}
	orphans := c.OrphanedPayments()
	if len(orphans) != 1 || orphans[0] != "pay-123" {
		t.Errorf("orphans = %v, want [pay-123]", orphans)
	}
}

func TestSelectRequirementSkipsUnsignable(t *testing.T) {
	c := newTestClient(t, "http://203.0.113.10", nil)

	sol := testRequirement()
	sol.Network = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	evm := testRequirement()
	got, err := c.selectRequirement([]x402.PaymentRequirement{sol, evm})
	if err != nil {
		t.Fatalf("selectRequirement: %v", err)
	}
	if got.Network != "eip155:84532" {
		t.Errorf("chose %s, want the EVM network", got.Network)
	}

	if _, err := c.selectRequirement([]x402.PaymentRequirement{sol}); err == nil {
		t.Error("solana-only challenge must be unsignable")
	}
}

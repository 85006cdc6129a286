package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tollgate/server/internal/chain"
	"github.com/tollgate/server/internal/config"
	"github.com/tollgate/server/internal/gate"
	"github.com/tollgate/server/internal/revenue"
	"github.com/tollgate/server/internal/store"
	"github.com/tollgate/server/pkg/x402"
)

const testSecret = "facilitator-test-secret"

type fakeExecutor struct {
	mu        sync.Mutex
	transfers int
	err       error
	receipt   chain.Receipt
	confirmed bool
}

func (f *fakeExecutor) Transfer(_ context.Context, _ string, _ string) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers++
	if f.err != nil {
		return nil, f.err
	}
	r := f.receipt
	return &r, nil
}

func (f *fakeExecutor) Confirmed(_ context.Context, _ string) (*chain.Receipt, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.receipt
	return &r, f.confirmed, nil
}

func (f *fakeExecutor) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers
}

func newTestService(t *testing.T, exec chain.Executor) (*Service, store.Store, *revenue.MemoryRepository) {
	t.Helper()
	st := store.NewMemoryStore(testSecret, 0)
	t.Cleanup(func() { _ = st.Close() })
	rev := revenue.NewMemoryRepository()
	execs := map[x402.Chain]chain.Executor{}
	if exec != nil {
		execs[x402.ChainBase] = exec
	}
	svc := New(config.FacilitatorConfig{SharedSecret: testSecret}, st, execs, rev, nil, zerolog.Nop())
	return svc, st, rev
}

func baseRequirement() x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           "eip155:8453",
		MaxAmountRequired: "5000",
		Description:       "market data",
		PayTo:             "0x1111111111111111111111111111111111111111",
		Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Extra: x402.RequirementExtra{
			Name:     "USD Coin",
			Decimals: 6,
			PlatformFee: &x402.PlatformFee{
				FeeBps:         250,
				PlatformWallet: "0x2222222222222222222222222222222222222222",
				SellerAmount:   "4875",
				PlatformAmount: "125",
			},
		},
	}
}

func payRequest(idemKey string) x402.PayRequest {
	return x402.PayRequest{
		OriginalURL:     "http://203.0.113.10/api/data",
		OriginalMethod:  "GET",
		PaymentRequired: baseRequirement(),
		AgentWallet:     "0x3333333333333333333333333333333333333333",
		IdempotencyKey:  idemKey,
	}
}

func postPay(t *testing.T, svc *Service, req x402.PayRequest) x402.PayResponse {
	t.Helper()
	body, _ := json.Marshal(req)
	rr := httptest.NewRecorder()
	svc.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/pay", bytes.NewReader(body)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("POST /pay = %d: %s", rr.Code, rr.Body.String())
	}
	var out x402.PayResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode pay response: %v", err)
	}
	return out
}

func waitStatus(t *testing.T, st store.Store, id string, want store.PaymentStatus) *store.FacilitatorPayment {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		p, err := st.GetPayment(context.Background(), id)
		if err != nil {
			t.Fatalf("GetPayment: %v", err)
		}
		if p.Status == want {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	p, _ := st.GetPayment(context.Background(), id)
	t.Fatalf("payment %s never reached %s, now %s (%s)", id, want, p.Status, p.Error)
	return nil
}

func TestPaySettlesAndRecordsRevenue(t *testing.T) {
	exec := &fakeExecutor{receipt: chain.Receipt{TxHash: "0xfeed", BlockNumber: 42}}
	svc, st, rev := newTestService(t, exec)

	out := postPay(t, svc, payRequest("idem-1"))
	p := waitStatus(t, st, out.PaymentID, store.PaymentCompleted)

	if p.TxHash != "0xfeed" || p.BlockNumber != 42 || p.CompletedAt == nil {
		t.Errorf("completed payment = %+v", p)
	}
	if exec.transferCount() != 1 {
		t.Errorf("transfers = %d, want 1", exec.transferCount())
	}

	sum, err := rev.Aggregate(context.Background(), time.Time{}, time.Time{}, "base")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if sum.Count != 1 || sum.TotalAmount != 5000 || sum.PlatformFees != 125 || sum.SellerAmount != 4875 {
		t.Errorf("revenue summary = %+v", sum)
	}
}

func TestPayIdempotentReplay(t *testing.T) {
	exec := &fakeExecutor{receipt: chain.Receipt{TxHash: "0x1", BlockNumber: 1}}
	svc, st, _ := newTestService(t, exec)

	first := postPay(t, svc, payRequest("idem-dup"))
	waitStatus(t, st, first.PaymentID, store.PaymentCompleted)

	// Replay with the same key but a different URL: must return the
	// original record untouched and must not settle again.
	replay := payRequest("idem-dup")
	replay.OriginalURL = "http://203.0.113.99/other"
	second := postPay(t, svc, replay)

	if second.PaymentID != first.PaymentID {
		t.Fatalf("replay created new payment %s, want %s", second.PaymentID, first.PaymentID)
	}
	p, _ := st.GetPayment(context.Background(), first.PaymentID)
	if p.OriginalURL != "http://203.0.113.10/api/data" {
		t.Errorf("original url mutated to %s", p.OriginalURL)
	}
	if exec.transferCount() != 1 {
		t.Errorf("transfers = %d, replay must not settle again", exec.transferCount())
	}
}

func TestPayFailureIsTerminal(t *testing.T) {
	exec := &fakeExecutor{err: fmt.Errorf("execution reverted")}
	svc, st, rev := newTestService(t, exec)

	out := postPay(t, svc, payRequest("idem-fail"))
	p := waitStatus(t, st, out.PaymentID, store.PaymentFailed)
	if p.Error == "" {
		t.Error("failed payment missing error")
	}
	sum, _ := rev.Aggregate(context.Background(), time.Time{}, time.Time{}, "")
	if sum.Count != 0 {
		t.Error("failed payment must not record revenue")
	}
}

func TestPayRejectsPrivateOriginURL(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeExecutor{})
	for _, target := range []string{
		"http://127.0.0.1/steal",
		"http://10.0.0.5/internal",
		"http://169.254.169.254/latest/meta-data",
		"http://localhost:8080/x",
		"ftp://203.0.113.10/x",
	} {
		req := payRequest("")
		req.OriginalURL = target
		body, _ := json.Marshal(req)
		rr := httptest.NewRecorder()
		svc.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/pay", bytes.NewReader(body)))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("POST /pay with %s = %d, want 400", target, rr.Code)
		}
	}
}

func TestPayRejectsBadRequirement(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeExecutor{})

	req := payRequest("")
	req.PaymentRequired.PayTo = "0x0000000000000000000000000000000000000000"
	body, _ := json.Marshal(req)
	rr := httptest.NewRecorder()
	svc.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/pay", bytes.NewReader(body)))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("zero payTo accepted: %d", rr.Code)
	}

	req = payRequest("")
	req.PaymentRequired.MaxAmountRequired = "5000.5"
	body, _ = json.Marshal(req)
	rr = httptest.NewRecorder()
	svc.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/pay", bytes.NewReader(body)))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("fractional atomic amount accepted: %d", rr.Code)
	}
}

func TestVerifyOnly(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	req := baseRequirement()
	now := time.Now().Unix()

	goodAuth := func() x402.PaymentPayload {
		return x402.PaymentPayload{
			X402Version: 1,
			Scheme:      x402.SchemeExact,
			Network:     "eip155:8453",
			Payload: x402.EVMPayload{
				Signature: "0xsig",
				Authorization: x402.EVMAuthorization{
					From:        "0x3333333333333333333333333333333333333333",
					To:          req.PayTo,
					Value:       "5000",
					ValidAfter:  "0",
					ValidBefore: strconv.FormatInt(now+600, 10),
					Nonce:       "0x01",
				},
			},
		}
	}

	if v := svc.verifyOnly(goodAuth(), []x402.PaymentRequirement{req}); !v.Accepted() {
		t.Errorf("valid auth rejected: %s", v.Error)
	}

	wrongValue := goodAuth()
	wrongValue.Payload = x402.EVMPayload{
		Signature:     "0xsig",
		Authorization: x402.EVMAuthorization{To: req.PayTo, Value: "4999", ValidAfter: "0", ValidBefore: strconv.FormatInt(now+600, 10)},
	}
	if v := svc.verifyOnly(wrongValue, []x402.PaymentRequirement{req}); v.Accepted() {
		t.Error("wrong value accepted")
	}

	expired := goodAuth()
	expired.Payload = x402.EVMPayload{
		Signature:     "0xsig",
		Authorization: x402.EVMAuthorization{To: req.PayTo, Value: "5000", ValidAfter: "0", ValidBefore: strconv.FormatInt(now-60, 10)},
	}
	if v := svc.verifyOnly(expired, []x402.PaymentRequirement{req}); v.Accepted() {
		t.Error("expired auth accepted")
	}

	otherNet := goodAuth()
	otherNet.Network = "eip155:1"
	if v := svc.verifyOnly(otherNet, []x402.PaymentRequirement{req}); v.Accepted() {
		t.Error("unadvertised network accepted")
	}
}

func TestVerifyEndpoint(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	req := baseRequirement()
	body, _ := json.Marshal(x402.VerifyRequest{
		Payload: x402.PaymentPayload{
			Scheme:  x402.SchemeExact,
			Network: "eip155:8453",
			Payload: x402.EVMPayload{
				Signature: "0xsig",
				Authorization: x402.EVMAuthorization{
					To: req.PayTo, Value: "5000",
					ValidAfter: "0", ValidBefore: strconv.FormatInt(time.Now().Unix()+600, 10),
				},
			},
		},
		Requirements: []x402.PaymentRequirement{req},
	})
	rr := httptest.NewRecorder()
	svc.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /verify = %d", rr.Code)
	}
	var out x402.VerifyResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if !out.Accepted() {
		t.Errorf("verify response = %+v", out)
	}
}

func TestForwardReplaysWithReceipt(t *testing.T) {
	var gotReceipt string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReceipt = r.Header.Get(x402.ReceiptHeader)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":"paid content"}`))
	}))
	defer origin.Close()

	svc, st, _ := newTestService(t, nil)

	// Seeded directly: intake's SSRF guard would reject the loopback
	// origin the test server listens on.
	p := &store.FacilitatorPayment{
		PaymentID:      "pay-fwd",
		OriginalURL:    origin.URL + "/api/data",
		OriginalMethod: "GET",
		Requirement:    baseRequirement(),
		AgentWallet:    "0x3333333333333333333333333333333333333333",
		SellerAddress:  "0x1111111111111111111111111111111111111111",
		Status:         store.PaymentPending,
	}
	if _, _, err := st.UpsertPayment(context.Background(), testSecret, p); err != nil {
		t.Fatalf("UpsertPayment: %v", err)
	}
	now := time.Now().UTC()
	if err := st.TransitionPayment(context.Background(), testSecret, p.PaymentID,
		store.PaymentPending, store.PaymentProcessing, store.PaymentPatch{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.TransitionPayment(context.Background(), testSecret, p.PaymentID,
		store.PaymentProcessing, store.PaymentCompleted,
		store.PaymentPatch{TxHash: "0xaa", BlockNumber: 7, CompletedAt: &now}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	rr := httptest.NewRecorder()
	svc.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/forward/"+p.PaymentID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /forward = %d: %s", rr.Code, rr.Body.String())
	}
	if body, _ := io.ReadAll(rr.Body); string(body) != `{"data":"paid content"}` {
		t.Errorf("forwarded body = %s", body)
	}

	receipt, err := x402.DecodeReceipt(gotReceipt)
	if err != nil {
		t.Fatalf("origin got unparseable receipt: %v", err)
	}
	if receipt.TxHash != "0xaa" || receipt.Amount != "0.005" || receipt.Chain != x402.ChainBase {
		t.Errorf("receipt = %+v", receipt)
	}
	if receipt.PaymentID != p.PaymentID {
		t.Errorf("receipt paymentId = %q, want %q", receipt.PaymentID, p.PaymentID)
	}
}

func TestForwardThroughGateServesPaidContent(t *testing.T) {
	svc, st, _ := newTestService(t, nil)
	facSrv := httptest.NewServer(svc.Router())
	defer facSrv.Close()

	// The origin sits behind its own gate, which must accept the
	// forwarded receipt instead of issuing a fresh challenge.
	g := gate.New(gate.Config{FacilitatorURL: facSrv.URL, VerifyTimeout: 2 * time.Second},
		[]gate.Route{{
			Method:  http.MethodGet,
			Pattern: "/api/data/:id",
			Price:   "0.005",
			PayTo:   "0x1111111111111111111111111111111111111111",
			Chains:  []x402.Chain{x402.ChainBase},
		}}, nil, nil, nil, zerolog.Nop())
	origin := httptest.NewServer(g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := gate.PaymentFromContext(r.Context()); !ok {
			t.Error("origin handler ran without a payment context")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":"paid content"}`))
	})))
	defer origin.Close()

	p := &store.FacilitatorPayment{
		PaymentID:      "pay-gated",
		OriginalURL:    origin.URL + "/api/data/btc",
		OriginalMethod: "GET",
		Requirement:    baseRequirement(),
		AgentWallet:    "0x3333333333333333333333333333333333333333",
		SellerAddress:  "0x1111111111111111111111111111111111111111",
		Status:         store.PaymentPending,
	}
	if _, _, err := st.UpsertPayment(context.Background(), testSecret, p); err != nil {
		t.Fatalf("UpsertPayment: %v", err)
	}
	now := time.Now().UTC()
	if err := st.TransitionPayment(context.Background(), testSecret, p.PaymentID,
		store.PaymentPending, store.PaymentProcessing, store.PaymentPatch{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.TransitionPayment(context.Background(), testSecret, p.PaymentID,
		store.PaymentProcessing, store.PaymentCompleted,
		store.PaymentPatch{TxHash: "0xgated", BlockNumber: 11, CompletedAt: &now}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	rr := httptest.NewRecorder()
	svc.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/forward/"+p.PaymentID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /forward = %d: %s", rr.Code, rr.Body.String())
	}
	if body, _ := io.ReadAll(rr.Body); string(body) != `{"data":"paid content"}` {
		t.Errorf("forwarded body = %s, want the origin's paid response", body)
	}
}

func TestForwardRequiresCompleted(t *testing.T) {
	exec := &fakeExecutor{err: fmt.Errorf("execution reverted")}
	svc, st, _ := newTestService(t, exec)
	out := postPay(t, svc, payRequest("idem-409"))
	waitStatus(t, st, out.PaymentID, store.PaymentFailed)

	rr := httptest.NewRecorder()
	svc.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/forward/"+out.PaymentID, nil))
	if rr.Code != http.StatusConflict {
		t.Errorf("forward of failed payment = %d, want 409", rr.Code)
	}
}

func TestRecoverProcessingConfirms(t *testing.T) {
	exec := &fakeExecutor{receipt: chain.Receipt{TxHash: "0xrec", BlockNumber: 9}, confirmed: true}
	svc, st, rev := newTestService(t, exec)

	p := &store.FacilitatorPayment{
		PaymentID:      "pay-recover",
		OriginalURL:    "http://203.0.113.10/x",
		OriginalMethod: "GET",
		Requirement:    baseRequirement(),
		SellerAddress:  "0x1111111111111111111111111111111111111111",
		Status:         store.PaymentPending,
		TxHash:         "0xrec",
	}
	if _, _, err := st.UpsertPayment(context.Background(), testSecret, p); err != nil {
		t.Fatalf("UpsertPayment: %v", err)
	}
	if err := st.TransitionPayment(context.Background(), testSecret, p.PaymentID,
		store.PaymentPending, store.PaymentProcessing, store.PaymentPatch{TxHash: "0xrec"}); err != nil {
		t.Fatalf("TransitionPayment: %v", err)
	}

	if err := svc.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	got, _ := st.GetPayment(context.Background(), p.PaymentID)
	if got.Status != store.PaymentCompleted {
		t.Fatalf("recovered status = %s (%s)", got.Status, got.Error)
	}
	sum, _ := rev.Aggregate(context.Background(), time.Time{}, time.Time{}, "")
	if sum.Count != 1 {
		t.Error("recovered settlement must record revenue")
	}
}

func TestRecoverPendingSolanaFails(t *testing.T) {
	svc, st, _ := newTestService(t, nil)
	req := baseRequirement()
	req.Network = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	req.PayTo = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	p := &store.FacilitatorPayment{
		PaymentID:      "pay-sol",
		OriginalURL:    "http://203.0.113.10/x",
		OriginalMethod: "GET",
		Requirement:    req,
		Status:         store.PaymentPending,
	}
	if _, _, err := st.UpsertPayment(context.Background(), testSecret, p); err != nil {
		t.Fatalf("UpsertPayment: %v", err)
	}

	if err := svc.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	got, _ := st.GetPayment(context.Background(), p.PaymentID)
	if got.Status != store.PaymentFailed {
		t.Errorf("pending solana after recovery = %s, want failed", got.Status)
	}
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	k1 := IdempotencyKey("0xabc", "https://api.example.com/d", "GET", nil, "5000")
	k2 := IdempotencyKey("0xabc", "https://api.example.com/d", "get", nil, "5000")
	if k1 != k2 {
		t.Error("method case must not change the key")
	}
	if len(k1) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(k1))
	}
	if IdempotencyKey("0xabc", "https://api.example.com/d", "GET", nil, "5001") == k1 {
		t.Error("different amount must change the key")
	}
	if IdempotencyKey("0xabc", "https://api.example.com/d", "GET", []byte("x"), "5000") == k1 {
		t.Error("different body must change the key")
	}
}

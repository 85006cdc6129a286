package policy

import (
	"math/big"
	"testing"
	"time"

	"github.com/tollgate/server/pkg/x402"
)

func atomic(t *testing.T, human string) *big.Int {
	t.Helper()
	v, err := x402.ParseAmount(human)
	if err != nil {
		t.Fatalf("ParseAmount(%q): %v", human, err)
	}
	return v
}

func TestEvaluateNoPoliciesAllows(t *testing.T) {
	d := Evaluate(nil, Request{Amount: big.NewInt(100), Now: time.Now()}, Usage{})
	if !d.Allowed {
		t.Fatalf("expected allow, got deny: %s", d.Reason)
	}
}

func TestEvaluateZeroAmountDenied(t *testing.T) {
	d := Evaluate(nil, Request{Amount: big.NewInt(0)}, Usage{})
	if d.Allowed || d.Reason != ReasonBudgetExceeded {
		t.Fatalf("expected BudgetExceeded for zero amount, got %+v", d)
	}
}

func TestBudgetDailyWindow(t *testing.T) {
	// Settled 0.008 today against a 0.01 daily cap; a 0.005 attempt must be
	// denied without looking further.
	policies := []Attached{{
		Type:        TypeBudget,
		AgentScoped: true,
		Rules: Rules{Budget: &BudgetRule{
			DailyLimit:          "0.01",
			PerTransactionLimit: "0.01",
		}},
	}}
	req := Request{Amount: atomic(t, "0.005"), SellerWallet: "0xSeller", Now: time.Now()}
	usage := Usage{SettledToday: atomic(t, "0.008")}

	d := Evaluate(policies, req, usage)
	if d.Allowed {
		t.Fatal("expected deny")
	}
	if d.Reason != ReasonBudgetExceeded {
		t.Fatalf("reason = %s, want BudgetExceeded", d.Reason)
	}

	// A 0.002 attempt fits exactly: 0.008 + 0.002 == 0.01.
	req.Amount = atomic(t, "0.002")
	if d := Evaluate(policies, req, usage); !d.Allowed {
		t.Fatalf("expected allow at limit boundary, got %s", d.Reason)
	}
}

func TestBudgetPerTransactionCap(t *testing.T) {
	policies := []Attached{{
		Type:  TypeBudget,
		Rules: Rules{Budget: &BudgetRule{PerTransactionLimit: "0.001"}},
	}}
	d := Evaluate(policies, Request{Amount: atomic(t, "0.002")}, Usage{})
	if d.Allowed || d.Reason != ReasonBudgetExceeded {
		t.Fatalf("expected BudgetExceeded, got %+v", d)
	}
}

func TestVendorACL(t *testing.T) {
	policies := []Attached{{
		Type: TypeVendorACL,
		Rules: Rules{VendorACL: &VendorACLRule{
			AllowedVendors: []string{"0xGood", "0xAlsoGood"},
			BlockedVendors: []string{"0xGood"},
		}},
	}}
	amt := big.NewInt(1)

	// Blocklist wins even when the wallet is also allowlisted.
	d := Evaluate(policies, Request{Amount: amt, SellerWallet: "0xGood"}, Usage{})
	if d.Allowed || d.Reason != ReasonVendorBlocked {
		t.Fatalf("expected VendorBlocked, got %+v", d)
	}

	d = Evaluate(policies, Request{Amount: amt, SellerWallet: "0xAlsoGood"}, Usage{})
	if !d.Allowed {
		t.Fatalf("expected allow for allowlisted wallet, got %s", d.Reason)
	}

	d = Evaluate(policies, Request{Amount: amt, SellerWallet: "0xStranger"}, Usage{})
	if d.Allowed || d.Reason != ReasonNotInAllowlist {
		t.Fatalf("expected NotInAllowlist, got %+v", d)
	}
}

func TestRateLimitRule(t *testing.T) {
	policies := []Attached{{
		Type:  TypeRateLimit,
		Rules: Rules{RateLimit: &RateLimitRule{PerMinute: 5, PerHour: 100}},
	}}
	amt := big.NewInt(1)

	d := Evaluate(policies, Request{Amount: amt}, Usage{AttemptsLastMinute: 4})
	if !d.Allowed {
		t.Fatalf("expected allow below cap, got %s", d.Reason)
	}
	d = Evaluate(policies, Request{Amount: amt}, Usage{AttemptsLastMinute: 5})
	if d.Allowed || d.Reason != ReasonRateLimited {
		t.Fatalf("expected RateLimited, got %+v", d)
	}
	d = Evaluate(policies, Request{Amount: amt}, Usage{AttemptsLastHour: 100})
	if d.Allowed || d.Reason != ReasonRateLimited {
		t.Fatalf("expected RateLimited on hourly cap, got %+v", d)
	}
}

func TestAgentScopedRunsFirst(t *testing.T) {
	// Org-wide blocklist and agent-scoped allowlist both reject the wallet,
	// but the agent-scoped deny must be reported.
	policies := []Attached{
		{
			Type:        TypeVendorACL,
			AgentScoped: false,
			Rules:       Rules{VendorACL: &VendorACLRule{BlockedVendors: []string{"0xSeller"}}},
		},
		{
			Type:        TypeVendorACL,
			AgentScoped: true,
			Rules:       Rules{VendorACL: &VendorACLRule{AllowedVendors: []string{"0xOther"}}},
		},
	}
	d := Evaluate(policies, Request{Amount: big.NewInt(1), SellerWallet: "0xSeller"}, Usage{})
	if d.Allowed {
		t.Fatal("expected deny")
	}
	if d.Reason != ReasonNotInAllowlist {
		t.Fatalf("reason = %s, want NotInAllowlist from agent-scoped policy", d.Reason)
	}
}

func TestRulesValidate(t *testing.T) {
	if err := (Rules{Budget: &BudgetRule{DailyLimit: "0.01"}}).Validate(TypeBudget); err != nil {
		t.Errorf("valid budget rules rejected: %v", err)
	}
	if err := (Rules{}).Validate(TypeBudget); err == nil {
		t.Error("expected error for budget policy without rules")
	}
	if err := (Rules{Budget: &BudgetRule{DailyLimit: "abc"}}).Validate(TypeBudget); err == nil {
		t.Error("expected error for unparseable limit")
	}
	if err := (Rules{RateLimit: &RateLimitRule{PerMinute: -1}}).Validate(TypeRateLimit); err == nil {
		t.Error("expected error for negative rate limit")
	}
	if err := (Rules{}).Validate(RuleType("bogus")); err == nil {
		t.Error("expected error for unknown type")
	}
}

// Package policy implements buyer-side spend controls. Evaluation is pure:
// the caller supplies a snapshot of the agent's settled totals and attempt
// counts, and gets back an allow/deny decision before any signature is
// produced or network call is made.
package policy

import (
	"fmt"
	"math/big"
	"time"

	"github.com/tollgate/server/pkg/x402"
)

// RuleType tags the variant carried by a policy.
type RuleType string

const (
	TypeBudget    RuleType = "budget"
	TypeVendorACL RuleType = "vendor_acl"
	TypeRateLimit RuleType = "rate_limit"
)

// DenyReason explains why a payment was rejected.
type DenyReason string

const (
	ReasonBudgetExceeded DenyReason = "BudgetExceeded"
	ReasonVendorBlocked  DenyReason = "VendorBlocked"
	ReasonNotInAllowlist DenyReason = "NotInAllowlist"
	ReasonRateLimited    DenyReason = "RateLimited"
)

// BudgetRule caps spend. Limits are human-readable decimal amounts in the
// payment currency; empty means unlimited for that window.
type BudgetRule struct {
	DailyLimit          string `json:"dailyLimit,omitempty" bson:"dailyLimit,omitempty"`
	MonthlyLimit        string `json:"monthlyLimit,omitempty" bson:"monthlyLimit,omitempty"`
	PerTransactionLimit string `json:"perTransactionLimit,omitempty" bson:"perTransactionLimit,omitempty"`
}

// VendorACLRule restricts which seller wallets an agent may pay. A non-empty
// allowlist is exclusive; the blocklist always wins over the allowlist.
type VendorACLRule struct {
	AllowedVendors []string `json:"allowedVendors,omitempty" bson:"allowedVendors,omitempty"`
	BlockedVendors []string `json:"blockedVendors,omitempty" bson:"blockedVendors,omitempty"`
}

// RateLimitRule caps outbound payment attempts per rolling window.
type RateLimitRule struct {
	PerMinute int `json:"perMinute,omitempty" bson:"perMinute,omitempty"`
	PerHour   int `json:"perHour,omitempty" bson:"perHour,omitempty"`
}

// Rules holds exactly one populated variant, selected by the policy's type
// tag. Storing the variants side by side keeps the document shape typed
// end to end.
type Rules struct {
	Budget    *BudgetRule    `json:"budget,omitempty" bson:"budget,omitempty"`
	VendorACL *VendorACLRule `json:"vendorAcl,omitempty" bson:"vendorAcl,omitempty"`
	RateLimit *RateLimitRule `json:"rateLimit,omitempty" bson:"rateLimit,omitempty"`
}

// Validate checks that the type tag matches the populated variant and that
// any limit amounts parse.
func (r Rules) Validate(t RuleType) error {
	switch t {
	case TypeBudget:
		if r.Budget == nil {
			return fmt.Errorf("policy: budget policy missing budget rules")
		}
		for _, limit := range []string{r.Budget.DailyLimit, r.Budget.MonthlyLimit, r.Budget.PerTransactionLimit} {
			if limit == "" {
				continue
			}
			if _, err := x402.ParseAmount(limit); err != nil {
				return fmt.Errorf("policy: invalid budget limit %q: %w", limit, err)
			}
		}
	case TypeVendorACL:
		if r.VendorACL == nil {
			return fmt.Errorf("policy: vendor_acl policy missing acl rules")
		}
	case TypeRateLimit:
		if r.RateLimit == nil {
			return fmt.Errorf("policy: rate_limit policy missing rate rules")
		}
		if r.RateLimit.PerMinute < 0 || r.RateLimit.PerHour < 0 {
			return fmt.Errorf("policy: rate limits must be non-negative")
		}
	default:
		return fmt.Errorf("policy: unknown policy type %q", t)
	}
	return nil
}

// Attached is one active policy in evaluation order. AgentScoped policies
// are checked before org-wide ones.
type Attached struct {
	Type        RuleType
	Rules       Rules
	AgentScoped bool
}

// Request describes the proposed outbound payment.
type Request struct {
	SellerWallet string
	Amount       *big.Int
	Chain        x402.Chain
	Endpoint     string
	Now          time.Time
}

// Usage is the caller's snapshot of the agent's history, tallied in
// requestedAt order from settled transactions. Nil totals mean zero.
type Usage struct {
	SettledToday       *big.Int
	SettledThisMonth   *big.Int
	AttemptsLastMinute int
	AttemptsLastHour   int
}

// Decision is the evaluation result. Reason is set only on deny.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	Detail  string
}

// Allow is the decision for a payment no policy objects to.
var Allow = Decision{Allowed: true}

func deny(reason DenyReason, format string, args ...interface{}) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Evaluate runs every policy against the proposed payment. Agent-scoped
// policies run first, then org-wide; the first deny short-circuits. A zero
// or negative amount is always denied.
func Evaluate(policies []Attached, req Request, usage Usage) Decision {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return deny(ReasonBudgetExceeded, "amount must be positive")
	}

	for _, pass := range []bool{true, false} {
		for _, p := range policies {
			if p.AgentScoped != pass {
				continue
			}
			d := evaluateOne(p, req, usage)
			if !d.Allowed {
				return d
			}
		}
	}
	return Allow
}

func evaluateOne(p Attached, req Request, usage Usage) Decision {
	switch p.Type {
	case TypeBudget:
		if p.Rules.Budget != nil {
			return evaluateBudget(p.Rules.Budget, req, usage)
		}
	case TypeVendorACL:
		if p.Rules.VendorACL != nil {
			return evaluateVendorACL(p.Rules.VendorACL, req)
		}
	case TypeRateLimit:
		if p.Rules.RateLimit != nil {
			return evaluateRateLimit(p.Rules.RateLimit, usage)
		}
	}
	return Allow
}

func evaluateBudget(r *BudgetRule, req Request, usage Usage) Decision {
	if r.PerTransactionLimit != "" {
		limit, err := x402.ParseAmount(r.PerTransactionLimit)
		if err == nil && req.Amount.Cmp(limit) > 0 {
			return deny(ReasonBudgetExceeded, "amount exceeds per-transaction limit %s", r.PerTransactionLimit)
		}
	}
	if r.DailyLimit != "" {
		limit, err := x402.ParseAmount(r.DailyLimit)
		if err == nil && exceedsWindow(usage.SettledToday, req.Amount, limit) {
			return deny(ReasonBudgetExceeded, "daily budget %s exhausted", r.DailyLimit)
		}
	}
	if r.MonthlyLimit != "" {
		limit, err := x402.ParseAmount(r.MonthlyLimit)
		if err == nil && exceedsWindow(usage.SettledThisMonth, req.Amount, limit) {
			return deny(ReasonBudgetExceeded, "monthly budget %s exhausted", r.MonthlyLimit)
		}
	}
	return Allow
}

// exceedsWindow reports whether settled + amount > limit.
func exceedsWindow(settled, amount, limit *big.Int) bool {
	sum := new(big.Int)
	if settled != nil {
		sum.Set(settled)
	}
	sum.Add(sum, amount)
	return sum.Cmp(limit) > 0
}

func evaluateVendorACL(r *VendorACLRule, req Request) Decision {
	for _, blocked := range r.BlockedVendors {
		if blocked == req.SellerWallet {
			return deny(ReasonVendorBlocked, "seller %s is blocked", req.SellerWallet)
		}
	}
	if len(r.AllowedVendors) > 0 {
		for _, allowed := range r.AllowedVendors {
			if allowed == req.SellerWallet {
				return Allow
			}
		}
		return deny(ReasonNotInAllowlist, "seller %s not in allowlist", req.SellerWallet)
	}
	return Allow
}

func evaluateRateLimit(r *RateLimitRule, usage Usage) Decision {
	if r.PerMinute > 0 && usage.AttemptsLastMinute >= r.PerMinute {
		return deny(ReasonRateLimited, "agent exceeded %d payments per minute", r.PerMinute)
	}
	if r.PerHour > 0 && usage.AttemptsLastHour >= r.PerHour {
		return deny(ReasonRateLimited, "agent exceeded %d payments per hour", r.PerHour)
	}
	return Allow
}

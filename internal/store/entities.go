package store

import (
	"time"

	"github.com/tollgate/server/internal/policy"
	"github.com/tollgate/server/pkg/x402"
)

// Plan is an organization's billing tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Organization is the tenant. API keys are opaque bearer credentials;
// plan transitions happen only through billing reconciliation.
type Organization struct {
	ID               string     `json:"id" bson:"_id"`
	Name             string     `json:"name" bson:"name"`
	APIKey           string     `json:"apiKey" bson:"apiKey"`
	Plan             Plan       `json:"plan" bson:"plan"`
	StripeCustomerID string     `json:"stripeCustomerId,omitempty" bson:"stripeCustomerId,omitempty"`
	SubscriptionID   string     `json:"subscriptionId,omitempty" bson:"subscriptionId,omitempty"`
	PriceID          string     `json:"priceId,omitempty" bson:"priceId,omitempty"`
	BillingPeriodEnd int64      `json:"billingPeriodEnd,omitempty" bson:"billingPeriodEnd,omitempty"`
	OwnerIdentity    string     `json:"ownerIdentity,omitempty" bson:"ownerIdentity,omitempty"`
	DailyUsage       DailyUsage `json:"dailyUsage" bson:"dailyUsage"`
	CreatedAt        time.Time  `json:"createdAt" bson:"createdAt"`
}

// DailyUsage is the per-day request counter, keyed by UTC date "YYYY-MM-DD".
type DailyUsage struct {
	Date  string `json:"date" bson:"date"`
	Count int    `json:"count" bson:"count"`
}

// AgentStatus is an agent's lifecycle state.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentPaused   AgentStatus = "paused"
	AgentDepleted AgentStatus = "depleted"
)

// Agent is a buyer wallet owned by an organization.
type Agent struct {
	ID        string      `json:"id" bson:"_id"`
	OrgID     string      `json:"orgId" bson:"orgId"`
	Name      string      `json:"name" bson:"name"`
	Wallet    string      `json:"wallet" bson:"wallet"`
	Chain     x402.Chain  `json:"chain" bson:"chain"`
	Balance   string      `json:"balance,omitempty" bson:"balance,omitempty"`
	Status    AgentStatus `json:"status" bson:"status"`
	PolicyIDs []string    `json:"policyIds,omitempty" bson:"policyIds,omitempty"`
	CreatedAt time.Time   `json:"createdAt" bson:"createdAt"`
}

// Seller receives payments for its endpoints.
type Seller struct {
	ID        string    `json:"id" bson:"_id"`
	OrgID     string    `json:"orgId,omitempty" bson:"orgId,omitempty"`
	Name      string    `json:"name" bson:"name"`
	Wallet    string    `json:"wallet" bson:"wallet"`
	APIKey    string    `json:"apiKey" bson:"apiKey"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}

// Endpoint is one paid route. Price is a human-readable decimal amount in
// the endpoint's currency.
type Endpoint struct {
	ID           string       `json:"id" bson:"_id"`
	SellerID     string       `json:"sellerId" bson:"sellerId"`
	Method       string       `json:"method" bson:"method"`
	Path         string       `json:"path" bson:"path"`
	Price        string       `json:"price" bson:"price"`
	Currency     string       `json:"currency" bson:"currency"`
	Chains       []x402.Chain `json:"chains" bson:"chains"`
	InputSchema  string       `json:"inputSchema,omitempty" bson:"inputSchema,omitempty"`
	OutputSchema string       `json:"outputSchema,omitempty" bson:"outputSchema,omitempty"`
	Active       bool         `json:"active" bson:"active"`
	TotalCalls   int64        `json:"totalCalls" bson:"totalCalls"`
	TotalRevenue string       `json:"totalRevenue,omitempty" bson:"totalRevenue,omitempty"`
	CreatedAt    time.Time    `json:"createdAt" bson:"createdAt"`
}

// Tool is the discovery listing of an endpoint.
type Tool struct {
	ID           string    `json:"id" bson:"_id"`
	EndpointID   string    `json:"endpointId" bson:"endpointId"`
	Slug         string    `json:"slug" bson:"slug"`
	Name         string    `json:"name" bson:"name"`
	Description  string    `json:"description" bson:"description"`
	Category     string    `json:"category" bson:"category"`
	Tags         []string  `json:"tags,omitempty" bson:"tags,omitempty"`
	Verified     bool      `json:"verified" bson:"verified"`
	Featured     bool      `json:"featured" bson:"featured"`
	ListingTier  string    `json:"listingTier,omitempty" bson:"listingTier,omitempty"`
	BoostScore   float64   `json:"boostScore,omitempty" bson:"boostScore,omitempty"`
	RatingCount  int       `json:"ratingCount" bson:"ratingCount"`
	RatingAvg    float64   `json:"ratingAvg" bson:"ratingAvg"`
	Active       bool      `json:"active" bson:"active"`
	CreatedAt    time.Time `json:"createdAt" bson:"createdAt"`
	LastUpdated  time.Time `json:"lastUpdated" bson:"lastUpdated"`
}

// TransactionStatus progresses monotonically:
// pending -> {settled|failed} -> refunded.
type TransactionStatus string

const (
	TxPending  TransactionStatus = "pending"
	TxSettled  TransactionStatus = "settled"
	TxFailed   TransactionStatus = "failed"
	TxRefunded TransactionStatus = "refunded"
)

// validTxTransitions encodes the allowed status graph.
var validTxTransitions = map[TransactionStatus][]TransactionStatus{
	TxPending: {TxSettled, TxFailed},
	TxSettled: {TxRefunded},
	TxFailed:  {TxRefunded},
}

// CanTransition reports whether a transaction may move from s to next.
func (s TransactionStatus) CanTransition(next TransactionStatus) bool {
	for _, allowed := range validTxTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FeeSplit is the recorded revenue split, in token smallest units.
type FeeSplit struct {
	PlatformFee  string `json:"platformFee" bson:"platformFee"`
	SellerAmount string `json:"sellerAmount" bson:"sellerAmount"`
	FeeBps       int    `json:"feeBps" bson:"feeBps"`
}

// Transaction is one paid call attempt. Amount is in smallest units.
// Settled and failed transactions are immutable apart from refund.
type Transaction struct {
	ID             string            `json:"id" bson:"_id"`
	TxHash         string            `json:"txHash,omitempty" bson:"txHash,omitempty"`
	AgentWallet    string            `json:"agentWallet" bson:"agentWallet"`
	AgentID        string            `json:"agentId,omitempty" bson:"agentId,omitempty"`
	SellerID       string            `json:"sellerId,omitempty" bson:"sellerId,omitempty"`
	EndpointID     string            `json:"endpointId,omitempty" bson:"endpointId,omitempty"`
	Path           string            `json:"path" bson:"path"`
	Method         string            `json:"method" bson:"method"`
	Amount         string            `json:"amount" bson:"amount"`
	Chain          x402.Chain        `json:"chain" bson:"chain"`
	Status         TransactionStatus `json:"status" bson:"status"`
	ResponseStatus int               `json:"responseStatus,omitempty" bson:"responseStatus,omitempty"`
	LatencyMs      int64             `json:"latencyMs,omitempty" bson:"latencyMs,omitempty"`
	RequestedAt    time.Time         `json:"requestedAt" bson:"requestedAt"`
	SettledAt      *time.Time        `json:"settledAt,omitempty" bson:"settledAt,omitempty"`
	BlockNumber    uint64            `json:"blockNumber,omitempty" bson:"blockNumber,omitempty"`
	Split          FeeSplit          `json:"split" bson:"split"`
}

// PaymentStatus is a facilitator payment's lifecycle state:
// pending -> processing -> {completed|failed}. Terminal states never move.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
)

var validPaymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:    {PaymentProcessing, PaymentFailed},
	PaymentProcessing: {PaymentCompleted, PaymentFailed},
}

// CanTransition reports whether a payment may move from s to next.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	for _, allowed := range validPaymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// FacilitatorPayment is one relay through the facilitator, including the
// captured original request so it can be replayed after settlement.
type FacilitatorPayment struct {
	PaymentID       string                  `json:"paymentId" bson:"_id"`
	IdempotencyKey  string                  `json:"idempotencyKey,omitempty" bson:"idempotencyKey,omitempty"`
	OriginalURL     string                  `json:"originalUrl" bson:"originalUrl"`
	OriginalMethod  string                  `json:"originalMethod" bson:"originalMethod"`
	OriginalHeaders map[string]string       `json:"originalHeaders,omitempty" bson:"originalHeaders,omitempty"`
	OriginalBody    []byte                  `json:"originalBody,omitempty" bson:"originalBody,omitempty"`
	Requirement     x402.PaymentRequirement `json:"requirement" bson:"requirement"`
	AgentWallet     string                  `json:"agentWallet" bson:"agentWallet"`
	SellerAddress   string                  `json:"sellerAddress" bson:"sellerAddress"`
	Status          PaymentStatus           `json:"status" bson:"status"`
	TxHash          string                  `json:"txHash,omitempty" bson:"txHash,omitempty"`
	BlockNumber     uint64                  `json:"blockNumber,omitempty" bson:"blockNumber,omitempty"`
	Error           string                  `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt       time.Time               `json:"createdAt" bson:"createdAt"`
	CompletedAt     *time.Time              `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
}

// Policy attaches a typed spend rule to an org or a single agent. When
// AgentID is empty the policy is org-wide. The latest active policy per
// (scope, type) is the effective one.
type Policy struct {
	ID        string          `json:"id" bson:"_id"`
	OrgID     string          `json:"orgId" bson:"orgId"`
	AgentID   string          `json:"agentId,omitempty" bson:"agentId,omitempty"`
	Type      policy.RuleType `json:"type" bson:"type"`
	Rules     policy.Rules    `json:"rules" bson:"rules"`
	Active    bool            `json:"active" bson:"active"`
	CreatedAt time.Time       `json:"createdAt" bson:"createdAt"`
}

// WebhookEvent is the closed set of subscribable events.
type WebhookEvent string

const (
	EventPaymentCompleted WebhookEvent = "payment.completed"
	EventPaymentFailed    WebhookEvent = "payment.failed"
	EventDisputeOpened    WebhookEvent = "dispute.opened"
	EventDisputeResolved  WebhookEvent = "dispute.resolved"
	EventAgentDepleted    WebhookEvent = "agent.depleted"
	EventSellerPayout     WebhookEvent = "seller.payout"
	EventToolRegistered   WebhookEvent = "tool.registered"
	EventToolUpdated      WebhookEvent = "tool.updated"
	EventTestPing         WebhookEvent = "test.ping"
)

// KnownEvent reports whether e is in the subscribable set.
func KnownEvent(e WebhookEvent) bool {
	switch e {
	case EventPaymentCompleted, EventPaymentFailed, EventDisputeOpened,
		EventDisputeResolved, EventAgentDepleted, EventSellerPayout,
		EventToolRegistered, EventToolUpdated, EventTestPing:
		return true
	}
	return false
}

// WebhookState tracks endpoint health.
type WebhookState string

const (
	WebhookActive   WebhookState = "active"
	WebhookFailing  WebhookState = "failing"
	WebhookDisabled WebhookState = "disabled"
)

// Webhook is a seller-registered delivery endpoint.
type Webhook struct {
	ID           string         `json:"id" bson:"_id"`
	OrgID        string         `json:"orgId" bson:"orgId"`
	URL          string         `json:"url" bson:"url"`
	Events       []WebhookEvent `json:"events" bson:"events"`
	Secret       string         `json:"-" bson:"secret"`
	State        WebhookState   `json:"state" bson:"state"`
	FailureCount int            `json:"failureCount" bson:"failureCount"`
	CreatedAt    time.Time      `json:"createdAt" bson:"createdAt"`
}

// DeliveryStatus is one delivery attempt's lifecycle state.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryTerminal   DeliveryStatus = "terminal"
)

// WebhookDelivery is one queued event delivery to one webhook. Failed
// deliveries stay in the queue with a NextAttemptAt until terminal.
type WebhookDelivery struct {
	ID            string         `json:"id" bson:"_id"`
	WebhookID     string         `json:"webhookId" bson:"webhookId"`
	Event         WebhookEvent   `json:"event" bson:"event"`
	Payload       []byte         `json:"payload" bson:"payload"`
	Status        DeliveryStatus `json:"status" bson:"status"`
	Attempts      int            `json:"attempts" bson:"attempts"`
	LastError     string         `json:"lastError,omitempty" bson:"lastError,omitempty"`
	NextAttemptAt time.Time      `json:"nextAttemptAt" bson:"nextAttemptAt"`
	CreatedAt     time.Time      `json:"createdAt" bson:"createdAt"`
	DeliveredAt   *time.Time     `json:"deliveredAt,omitempty" bson:"deliveredAt,omitempty"`
}

// DisputeStatus tracks a dispute's resolution.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
	DisputeRejected DisputeStatus = "rejected"
)

// Dispute is a buyer complaint about a settled transaction.
type Dispute struct {
	ID            string        `json:"id" bson:"_id"`
	OrgID         string        `json:"orgId" bson:"orgId"`
	TransactionID string        `json:"transactionId" bson:"transactionId"`
	Reason        string        `json:"reason" bson:"reason"`
	Status        DisputeStatus `json:"status" bson:"status"`
	Resolution    string        `json:"resolution,omitempty" bson:"resolution,omitempty"`
	CreatedAt     time.Time     `json:"createdAt" bson:"createdAt"`
	ResolvedAt    *time.Time    `json:"resolvedAt,omitempty" bson:"resolvedAt,omitempty"`
}

// DepositStatus tracks a fiat-to-USDC top-up.
type DepositStatus string

const (
	DepositPending    DepositStatus = "pending"
	DepositProcessing DepositStatus = "processing"
	DepositCompleted  DepositStatus = "completed"
	DepositFailed     DepositStatus = "failed"
)

// Deposit is an agent top-up paid through Stripe.
type Deposit struct {
	ID              string        `json:"id" bson:"_id"`
	OrgID           string        `json:"orgId" bson:"orgId"`
	AgentID         string        `json:"agentId" bson:"agentId"`
	AmountUSD       string        `json:"amountUsd" bson:"amountUsd"`
	PaymentIntentID string        `json:"paymentIntentId,omitempty" bson:"paymentIntentId,omitempty"`
	Status          DepositStatus `json:"status" bson:"status"`
	TxHash          string        `json:"txHash,omitempty" bson:"txHash,omitempty"`
	CreatedAt       time.Time     `json:"createdAt" bson:"createdAt"`
}

// AlertRule notifies an org when a metric crosses a threshold.
type AlertRule struct {
	ID        string    `json:"id" bson:"_id"`
	OrgID     string    `json:"orgId" bson:"orgId"`
	Metric    string    `json:"metric" bson:"metric"`
	Threshold float64   `json:"threshold" bson:"threshold"`
	Channel   string    `json:"channel" bson:"channel"`
	Active    bool      `json:"active" bson:"active"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}

// RateLimitCounter is one fixed window's hit count for a limiter key.
type RateLimitCounter struct {
	Key         string    `json:"key" bson:"key"`
	WindowStart time.Time `json:"windowStart" bson:"windowStart"`
	Count       int       `json:"count" bson:"count"`
}

// Package store is the typed document store backing the gateway and the
// facilitator. It enforces unique secondary indexes, foreign-key existence
// on insert, and status-enum checks on patch, so callers never observe a
// record that violates the data model.
package store

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/tollgate/server/internal/config"
)

// ErrNotFound is returned when a requested entity is missing.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when an insert would violate a unique index
// (apiKey, slug, paymentId, idempotencyKey).
var ErrDuplicate = errors.New("store: duplicate key")

// ErrForeignKey is returned when an insert references a missing parent.
var ErrForeignKey = errors.New("store: referenced entity does not exist")

// ErrInvalidTransition is returned when a status patch would move an
// entity backward in its lifecycle.
var ErrInvalidTransition = errors.New("store: invalid status transition")

// ErrConflict is returned when a compare-and-set loses the race.
var ErrConflict = errors.New("store: concurrent modification")

// ErrUnauthorized is returned when a facilitator mutation carries the
// wrong shared secret.
var ErrUnauthorized = errors.New("store: unauthorized mutation")

// TransactionFilter narrows transaction listings. Zero-value fields are
// ignored.
type TransactionFilter struct {
	AgentWallet string
	SellerID    string
	Status      TransactionStatus
	Chain       string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// ToolFilter narrows discovery listings.
type ToolFilter struct {
	Category string
	Active   *bool
	Featured *bool
	Limit    int
}

// PaymentPatch carries the optional fields of a payment status transition.
type PaymentPatch struct {
	TxHash      string
	BlockNumber uint64
	Error       string
	CompletedAt *time.Time
}

// Store captures the persistence requirements of every component. All
// methods are safe for concurrent use.
type Store interface {
	// Organizations. APIKey is unique.
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	GetOrganizationByAPIKey(ctx context.Context, apiKey string) (*Organization, error)
	GetOrganizationByStripeCustomer(ctx context.Context, customerID string) (*Organization, error)
	UpdateOrganizationBilling(ctx context.Context, id string, plan Plan, subscriptionID, priceID string, billingPeriodEnd int64) error
	// IncrementUsage atomically advances the org's daily counter for the
	// given UTC date key. It returns the post-increment count and whether
	// the request is within limit; at the limit the counter is unchanged.
	IncrementUsage(ctx context.Context, orgID, date string, limit int) (count int, allowed bool, err error)
	CountAgents(ctx context.Context, orgID string) (int, error)
	CountSellers(ctx context.Context, orgID string) (int, error)

	// Agents.
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByWallet(ctx context.Context, wallet string) (*Agent, error)
	ListAgentsByOrg(ctx context.Context, orgID string) ([]*Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error

	// Sellers. APIKey is unique.
	CreateSeller(ctx context.Context, seller *Seller) error
	GetSeller(ctx context.Context, id string) (*Seller, error)
	GetSellerByAPIKey(ctx context.Context, apiKey string) (*Seller, error)
	ListSellersByOrg(ctx context.Context, orgID string) ([]*Seller, error)

	// Endpoints.
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	ListEndpointsBySeller(ctx context.Context, sellerID string) ([]*Endpoint, error)
	RecordEndpointCall(ctx context.Context, id string, amountAtomic string) error

	// Tools. Slug is unique; SearchTools is ranked and bounded.
	CreateTool(ctx context.Context, tool *Tool) error
	UpdateTool(ctx context.Context, tool *Tool) error
	GetTool(ctx context.Context, id string) (*Tool, error)
	GetToolBySlug(ctx context.Context, slug string) (*Tool, error)
	ListTools(ctx context.Context, filter ToolFilter) ([]*Tool, error)
	SearchTools(ctx context.Context, query string, filter ToolFilter) ([]*Tool, error)

	// Transactions. Status moves monotonically and settled/failed rows
	// are immutable apart from refund.
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransactionByHash(ctx context.Context, txHash string) (*Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, status TransactionStatus, responseStatus int, latencyMs int64) error
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)
	// SumSettledByAgent totals settled amounts (smallest units) for one
	// agent wallet in [since, until).
	SumSettledByAgent(ctx context.Context, wallet string, since, until time.Time) (*big.Int, error)
	CountAttemptsByAgent(ctx context.Context, wallet string, since time.Time) (int, error)

	// Facilitator payments. Every mutation requires the facilitator's
	// shared secret, compared in constant time. PaymentID and
	// IdempotencyKey are unique.
	UpsertPayment(ctx context.Context, secret string, p *FacilitatorPayment) (*FacilitatorPayment, bool, error)
	GetPayment(ctx context.Context, paymentID string) (*FacilitatorPayment, error)
	GetPaymentByIdempotencyKey(ctx context.Context, key string) (*FacilitatorPayment, error)
	// TransitionPayment is a compare-and-set on the prior status.
	TransitionPayment(ctx context.Context, secret, paymentID string, from, to PaymentStatus, patch PaymentPatch) error
	ListPaymentsByStatus(ctx context.Context, status PaymentStatus, limit int) ([]*FacilitatorPayment, error)

	// Policies. The latest active policy per (org, agent, type) wins.
	PutPolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListPoliciesForAgent(ctx context.Context, orgID, agentID string) ([]*Policy, error)
	ListPoliciesByOrg(ctx context.Context, orgID string) ([]*Policy, error)
	DeletePolicy(ctx context.Context, id string) error

	// Webhooks and their delivery queue.
	CreateWebhook(ctx context.Context, w *Webhook) error
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	ListWebhooksByOrg(ctx context.Context, orgID string) ([]*Webhook, error)
	ListWebhooksForEvent(ctx context.Context, orgID string, event WebhookEvent) ([]*Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error
	// RecordWebhookOutcome adjusts failureCount: success resets it, a
	// terminal delivery failure increments it, and three failures flag
	// the endpoint failing. Returns the new count.
	RecordWebhookOutcome(ctx context.Context, id string, delivered bool) (int, error)

	EnqueueDelivery(ctx context.Context, d *WebhookDelivery) error
	// DequeueDeliveries returns pending or retryable deliveries whose
	// NextAttemptAt has passed, oldest first.
	DequeueDeliveries(ctx context.Context, now time.Time, limit int) ([]*WebhookDelivery, error)
	MarkDeliveryProcessing(ctx context.Context, id string) error
	MarkDeliveryDelivered(ctx context.Context, id string) error
	MarkDeliveryFailed(ctx context.Context, id, errMsg string, nextAttempt time.Time, terminal bool) error
	ListDeliveriesByWebhook(ctx context.Context, webhookID string, limit int) ([]*WebhookDelivery, error)

	// Disputes.
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListDisputesByOrg(ctx context.Context, orgID string) ([]*Dispute, error)
	ResolveDispute(ctx context.Context, id string, status DisputeStatus, resolution string) error

	// Deposits.
	CreateDeposit(ctx context.Context, d *Deposit) error
	GetDeposit(ctx context.Context, id string) (*Deposit, error)
	GetDepositByPaymentIntent(ctx context.Context, paymentIntentID string) (*Deposit, error)
	UpdateDepositStatus(ctx context.Context, id string, status DepositStatus, txHash string) error
	ListDepositsByOrg(ctx context.Context, orgID string) ([]*Deposit, error)

	// Alert rules.
	CreateAlertRule(ctx context.Context, r *AlertRule) error
	ListAlertRulesByOrg(ctx context.Context, orgID string) ([]*AlertRule, error)
	DeleteAlertRule(ctx context.Context, id string) error

	// Rate-limit counters: atomic fixed-window increments, TTL-pruned.
	IncrRateCounter(ctx context.Context, key string, windowStart time.Time) (int, error)
	PruneRateCounters(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// New creates a Store from configuration. The mutation secret gates
// facilitator payment writes (§ constant-time compare in each backend).
func New(cfg config.StorageConfig, mutationSecret string) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(mutationSecret, cfg.CleanupInterval.Duration), nil
	case "mongodb":
		return NewMongoStore(cfg.MongoDBURL, cfg.MongoDBDatabase, mutationSecret)
	default:
		return nil, errors.New("store: unknown backend " + cfg.Backend)
	}
}

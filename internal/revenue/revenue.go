// Package revenue records the platform's fee per settled transaction and
// serves the earnings aggregates behind the analytics endpoints.
package revenue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate/server/internal/config"
	"github.com/tollgate/server/internal/store"
)

// Entry is one settled transaction's revenue split, in token smallest
// units. Rows are append-only.
type Entry struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	OrgID         string    `json:"orgId,omitempty"`
	Chain         string    `json:"chain"`
	Amount        int64     `json:"amount"`
	PlatformFee   int64     `json:"platformFee"`
	SellerAmount  int64     `json:"sellerAmount"`
	FeeBps        int       `json:"feeBps"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Summary aggregates entries over a range.
type Summary struct {
	Count        int64 `json:"count"`
	TotalAmount  int64 `json:"totalAmount"`
	PlatformFees int64 `json:"platformFees"`
	SellerAmount int64 `json:"sellerAmount"`
}

// Repository is the revenue ledger. Implementations must keep Record
// idempotent per TransactionID so a retried settlement never double-counts.
type Repository interface {
	Record(ctx context.Context, e *Entry) error
	Aggregate(ctx context.Context, since, until time.Time, chain string) (*Summary, error)
	List(ctx context.Context, since, until time.Time, chain string, limit int) ([]*Entry, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

// ErrDuplicate is returned when a transaction's revenue is already recorded.
var ErrDuplicate = errors.New("revenue: transaction already recorded")

// RetentionForPlan is how long an org's analytics history is kept.
func RetentionForPlan(plan store.Plan) time.Duration {
	switch plan {
	case store.PlanEnterprise:
		return 365 * 24 * time.Hour
	case store.PlanPro:
		return 90 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// New selects a ledger backend from configuration.
func New(cfg config.RevenueConfig) (Repository, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryRepository(), nil
	case "postgres":
		return NewPostgresRepository(cfg.PostgresURL)
	default:
		return nil, errors.New("revenue: unknown backend " + cfg.Backend)
	}
}

// MemoryRepository is the in-process ledger used for development and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries []*Entry
	byTx    map[string]bool
}

// NewMemoryRepository creates an empty ledger.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byTx: make(map[string]bool)}
}

func (r *MemoryRepository) Record(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.TransactionID != "" && r.byTx[e.TransactionID] {
		return ErrDuplicate
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	r.entries = append(r.entries, &cp)
	if e.TransactionID != "" {
		r.byTx[e.TransactionID] = true
	}
	return nil
}

func inRange(e *Entry, since, until time.Time, chain string) bool {
	if chain != "" && e.Chain != chain {
		return false
	}
	if !since.IsZero() && e.CreatedAt.Before(since) {
		return false
	}
	if !until.IsZero() && !e.CreatedAt.Before(until) {
		return false
	}
	return true
}

func (r *MemoryRepository) Aggregate(_ context.Context, since, until time.Time, chain string) (*Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := &Summary{}
	for _, e := range r.entries {
		if !inRange(e, since, until, chain) {
			continue
		}
		sum.Count++
		sum.TotalAmount += e.Amount
		sum.PlatformFees += e.PlatformFee
		sum.SellerAmount += e.SellerAmount
	}
	return sum, nil
}

func (r *MemoryRepository) List(_ context.Context, since, until time.Time, chain string, limit int) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, e := range r.entries {
		if inRange(e, since, until, chain) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	var pruned int64
	for _, e := range r.entries {
		if e.CreatedAt.Before(olderThan) {
			pruned++
			delete(r.byTx, e.TransactionID)
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	return pruned, nil
}

func (r *MemoryRepository) Close() error { return nil }

var _ Repository = (*MemoryRepository)(nil)

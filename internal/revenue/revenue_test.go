package revenue

import (
	"context"
	"testing"
	"time"

	"github.com/tollgate/server/internal/store"
)

func TestRecordIdempotentPerTransaction(t *testing.T) {
	r := NewMemoryRepository()
	e := &Entry{TransactionID: "tx-1", Chain: "base", Amount: 5000, PlatformFee: 125, SellerAmount: 4875, FeeBps: 250}
	if err := r.Record(context.Background(), e); err != nil {
		t.Fatalf("Record: %v", err)
	}
	err := r.Record(context.Background(), &Entry{TransactionID: "tx-1", Chain: "base", Amount: 5000})
	if err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate on retried settlement, got %v", err)
	}
}

func TestAggregateByRangeAndChain(t *testing.T) {
	r := NewMemoryRepository()
	base := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	entries := []*Entry{
		{TransactionID: "t1", Chain: "base", Amount: 1000, PlatformFee: 25, SellerAmount: 975, CreatedAt: base},
		{TransactionID: "t2", Chain: "base", Amount: 2000, PlatformFee: 50, SellerAmount: 1950, CreatedAt: base.Add(time.Hour)},
		{TransactionID: "t3", Chain: "solana", Amount: 4000, PlatformFee: 100, SellerAmount: 3900, CreatedAt: base.Add(time.Hour)},
		{TransactionID: "t4", Chain: "base", Amount: 8000, PlatformFee: 200, SellerAmount: 7800, CreatedAt: base.Add(48 * time.Hour)},
	}
	for _, e := range entries {
		if err := r.Record(context.Background(), e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := r.Aggregate(context.Background(), base, base.Add(24*time.Hour), "base")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if sum.Count != 2 || sum.TotalAmount != 3000 || sum.PlatformFees != 75 || sum.SellerAmount != 2925 {
		t.Errorf("summary = %+v", sum)
	}

	all, err := r.Aggregate(context.Background(), time.Time{}, time.Time{}, "")
	if err != nil {
		t.Fatalf("Aggregate all: %v", err)
	}
	if all.Count != 4 || all.TotalAmount != 15000 {
		t.Errorf("all-time summary = %+v", all)
	}
}

func TestPrune(t *testing.T) {
	r := NewMemoryRepository()
	old := &Entry{TransactionID: "t-old", Chain: "base", Amount: 100, CreatedAt: time.Now().Add(-10 * 24 * time.Hour)}
	fresh := &Entry{TransactionID: "t-new", Chain: "base", Amount: 200}
	_ = r.Record(context.Background(), old)
	_ = r.Record(context.Background(), fresh)

	n, err := r.Prune(context.Background(), time.Now().Add(-7*24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Prune: n=%d err=%v", n, err)
	}
	left, _ := r.List(context.Background(), time.Time{}, time.Time{}, "", 0)
	if len(left) != 1 || left[0].TransactionID != "t-new" {
		t.Errorf("remaining entries = %+v", left)
	}
}

func TestRetentionForPlan(t *testing.T) {
	if d := RetentionForPlan(store.PlanFree); d != 7*24*time.Hour {
		t.Errorf("free retention = %v", d)
	}
	if d := RetentionForPlan(store.PlanPro); d != 90*24*time.Hour {
		t.Errorf("pro retention = %v", d)
	}
	if d := RetentionForPlan(store.PlanEnterprise); d != 365*24*time.Hour {
		t.Errorf("enterprise retention = %v", d)
	}
}

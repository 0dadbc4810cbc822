package ratelimit

import (
	"testing"
	"time"
)

func newTestBudget(limits map[Category]CategoryLimit) (*Budget, *time.Time) {
	b := NewBudget(time.Minute, limits)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time { return now })

	return b, &now
}

func TestBudgetCeilingBlocksAndWindowFrees(t *testing.T) {
	b, now := newTestBudget(map[Category]CategoryLimit{
		CategoryPlaceOrder: {Weight: 1, Ceiling: 3},
	})

	for i := 0; i < 3; i++ {
		if ok, _ := b.CanAfford(CategoryPlaceOrder); !ok {
			t.Fatalf("call %d: expected capacity", i)
		}
		b.Commit(CategoryPlaceOrder)
	}
	if ok, _ := b.CanAfford(CategoryPlaceOrder); ok {
		t.Fatal("expected ceiling to block fourth call")
	}
	if got := b.Consumed(CategoryPlaceOrder); got != 3 {
		t.Fatalf("consumed = %d, want 3", got)
	}

	*now = now.Add(61 * time.Second)
	if ok, _ := b.CanAfford(CategoryPlaceOrder); !ok {
		t.Fatal("expected capacity after window rolled past")
	}
	if got := b.Consumed(CategoryPlaceOrder); got != 0 {
		t.Fatalf("consumed after expiry = %d, want 0", got)
	}
}

func TestBudgetCategoriesIndependent(t *testing.T) {
	b, _ := newTestBudget(map[Category]CategoryLimit{
		CategoryPlaceOrder: {Weight: 1, Ceiling: 1},
		CategoryPosition:   {Weight: 5, Ceiling: 10},
	})

	b.Commit(CategoryPlaceOrder)
	if ok, _ := b.CanAfford(CategoryPlaceOrder); ok {
		t.Fatal("place_order should be exhausted")
	}
	if ok, _ := b.CanAfford(CategoryPosition); !ok {
		t.Fatal("position must not be affected by place_order consumption")
	}
}

func TestBudgetHeavyWeight(t *testing.T) {
	b, _ := newTestBudget(map[Category]CategoryLimit{
		CategoryPosition: {Weight: 5, Ceiling: 12},
	})

	b.Commit(CategoryPosition)
	b.Commit(CategoryPosition)
	// 10 из 12 израсходовано, следующий вызов весом 5 не влезает
	if ok, _ := b.CanAfford(CategoryPosition); ok {
		t.Fatal("expected weight-aware refusal")
	}
}

func TestBudgetNextFreeAt(t *testing.T) {
	b, now := newTestBudget(map[Category]CategoryLimit{
		CategoryCancelOrder: {Weight: 1, Ceiling: 1},
	})

	if at := b.NextFreeAt(CategoryCancelOrder); !at.IsZero() {
		t.Fatalf("empty window: NextFreeAt = %v, want zero", at)
	}

	start := *now
	b.Commit(CategoryCancelOrder)
	at := b.NextFreeAt(CategoryCancelOrder)
	if want := start.Add(time.Minute); !at.Equal(want) {
		t.Fatalf("NextFreeAt = %v, want %v", at, want)
	}
}

func TestBudgetUnknownCategoryDenied(t *testing.T) {
	b, _ := newTestBudget(map[Category]CategoryLimit{})
	if ok, reason := b.CanAfford(Category("unknown")); ok || reason == "" {
		t.Fatal("category without a configured ceiling must be refused with a reason")
	}
}

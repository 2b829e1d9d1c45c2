package flowcontrol

import (
	"testing"
	"time"
)

func TestBudgetSpendAndRecharge(t *testing.T) {
	base := time.Unix(1000, 0)
	b := NewBudget(100, 10, base) // 10 units/sec recharge

	if !b.Spend(base, 60) {
		t.Fatal("expected spend of 60 to succeed from full 100 buffer")
	}
	if got := b.Current(); got != 40 {
		t.Fatalf("Current = %d, want 40", got)
	}

	later := base.Add(3 * time.Second) // +30 units
	if got := b.CanAfford(later, 65); !got {
		t.Errorf("CanAfford(65) after recharge should be true, got false")
	}
	if got := b.Current(); got != 70 {
		t.Fatalf("Current after recharge = %d, want 70", got)
	}
}

func TestBudgetNeverNegativeOrOverLimit(t *testing.T) {
	base := time.Unix(1000, 0)
	b := NewBudget(50, 5, base)

	if b.Spend(base, 1000) {
		t.Fatal("spend exceeding buffer must fail")
	}
	if got := b.Current(); got != 50 {
		t.Fatalf("Current after failed spend = %d, want unchanged 50", got)
	}

	far := base.Add(time.Hour)
	b.recharge(far)
	if got := b.Current(); got > b.Limit() {
		t.Errorf("Current = %d exceeds Limit = %d", got, b.Limit())
	}
}

func TestBudgetUpdateFromResponseClipsToLimit(t *testing.T) {
	base := time.Unix(1000, 0)
	b := NewBudget(100, 1, base)
	b.UpdateFromResponse(base, 9999)
	if got := b.Current(); got != 100 {
		t.Fatalf("Current after oversized BV update = %d, want clipped to 100", got)
	}
}

package engine

import (
	"testing"

	"github.com/pkg/errors"

	"futures_bot/internal/models"
)

var sizingMeta = models.SymbolMeta{Symbol: "XUSD", QtyPrecision: "0.001", TickSize: "0.01"}

func TestPositionSizeScoreTiers(t *testing.T) {
	limits := DefaultFundsLimits()
	cases := []struct {
		score   float64
		wantQty float64
	}{
		{4.5, 1.0}, // полный размер: 10% от 1000 по цене 100
		{3.2, 0.8}, // 80%
		{2.1, 0.5}, // 50%
		{1.0, 0.3}, // хвостовой множитель
	}
	for _, c := range cases {
		qty, err := positionSize(1000, 100, c.score, 0, 0, limits, sizingMeta)
		if err != nil {
			t.Fatalf("score %.1f: %v", c.score, err)
		}
		if qty != c.wantQty {
			t.Fatalf("score %.1f: qty = %v, want %v", c.score, qty, c.wantQty)
		}
	}
}

func TestPositionSizeRespectsRooms(t *testing.T) {
	limits := DefaultFundsLimits()

	// символ почти упёрся в свой лимит: остаток 20 из 150
	qty, err := positionSize(1000, 100, 5, 130, 130, limits, sizingMeta)
	if err != nil {
		t.Fatal(err)
	}
	if qty != 0.2 {
		t.Fatalf("qty = %v, want 0.2 clamped by symbol room", qty)
	}

	// общий лимит исчерпан полностью
	if _, err := positionSize(1000, 100, 5, 0, 500, limits, sizingMeta); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	// остаток есть, но ниже минимального notional
	if _, err := positionSize(1000, 100, 5, 140, 0, limits, sizingMeta); !errors.Is(err, ErrBelowMinNotional) {
		t.Fatalf("err = %v, want ErrBelowMinNotional", err)
	}

	// нулевой баланс
	if _, err := positionSize(0, 100, 5, 0, 0, limits, sizingMeta); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestEntryPriceNudgesTowardFill(t *testing.T) {
	if got := entryPrice(100, models.DirectionLong, sizingMeta); got != 100.01 {
		t.Fatalf("long entry = %v, want 100.01", got)
	}
	if got := entryPrice(100, models.DirectionShort, sizingMeta); got != 99.99 {
		t.Fatalf("short entry = %v, want 99.99", got)
	}
}

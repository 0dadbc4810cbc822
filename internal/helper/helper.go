package helper

import (
	"strings"

	"github.com/shopspring/decimal"

	"futures_bot/internal/models"
)

// AdjustQty обрезает количество вниз до шага инструмента.
// Некорректный шаг оставляет количество как есть.
func AdjustQty(qty float64, step string) float64 {
	s, err := decimal.NewFromString(step)
	if err != nil || s.IsZero() || s.IsNegative() {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	steps := q.Div(s).Floor()
	f, _ := steps.Mul(s).Float64()
	return f
}

// AdjustPrice rounds a price down to the instrument tick. A price below one
// tick collapses to the tick itself, never to zero.
func AdjustPrice(px float64, tick string) float64 {
	t, err := decimal.NewFromString(tick)
	if err != nil || t.IsZero() || t.IsNegative() {
		return px
	}
	p := decimal.NewFromFloat(px)
	if p.LessThan(t) {
		f, _ := t.Float64()
		return f
	}
	steps := p.Div(t).Floor()
	f, _ := steps.Mul(t).Float64()
	return f
}

// NudgeTicks shifts a price by n ticks (n may be negative) and rounds to tick.
func NudgeTicks(px float64, tick string, n int64) float64 {
	t, err := decimal.NewFromString(tick)
	if err != nil || t.IsZero() || t.IsNegative() {
		return px
	}
	p := decimal.NewFromFloat(px).Add(t.Mul(decimal.NewFromInt(n)))
	f, _ := p.Div(t).Floor().Mul(t).Float64()
	return f
}

// SideKey собирает ключ "symbol:direction" для shared-структур.
func SideKey(symbol string, direction models.Direction) string {
	return symbol + ":" + string(direction)
}

func SplitSideKey(key string) (symbol string, direction models.Direction, ok bool) {
	i := strings.LastIndexByte(key, ':')
	if i <= 0 || i >= len(key)-1 {
		return "", models.DirectionNone, false
	}
	symbol, direction = key[:i], models.Direction(key[i+1:])
	switch direction {
	case models.DirectionLong, models.DirectionShort:
	default:
		return "", models.DirectionNone, false
	}
	return symbol, direction, true
}

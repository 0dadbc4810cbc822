package engine

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"futures_bot/internal/helper"
	"futures_bot/internal/models"
)

// FundsLimits ограничивает экспозицию относительно баланса.
type FundsLimits struct {
	TotalFraction  float64 `yaml:"total_fraction"`  // вся открытая экспозиция
	SymbolFraction float64 `yaml:"symbol_fraction"` // notional одного символа
	TradeFraction  float64 `yaml:"trade_fraction"`  // одна сделка
	MinNotional    float64 `yaml:"min_notional"`
}

func DefaultFundsLimits() FundsLimits {
	return FundsLimits{
		TotalFraction:  0.50,
		SymbolFraction: 0.15,
		TradeFraction:  0.10,
		MinNotional:    15,
	}
}

var (
	ErrInsufficientFunds = errors.New("funds limit leaves no room for entry")
	ErrBelowMinNotional  = errors.New("sized trade below minimum notional")
)

// scoreMultiplier масштабирует размер по уверенности сигнала.
func scoreMultiplier(score float64) float64 {
	switch {
	case score >= 4:
		return 1.0
	case score >= 3:
		return 0.8
	case score >= 2:
		return 0.5
	}
	return 0.3
}

// positionSize считает количество для входа: доля баланса на сделку,
// умноженная на score-множитель, зажатая лимитами символа и общей
// экспозиции, приведённая к шагу количества инструмента.
func positionSize(balance, price, score, symbolNotional, grossNotional float64, limits FundsLimits, meta models.SymbolMeta) (float64, error) {
	if balance <= 0 || price <= 0 {
		return 0, errors.Wrap(ErrInsufficientFunds, "no balance or price")
	}

	notional := decimal.NewFromFloat(balance).
		Mul(decimal.NewFromFloat(limits.TradeFraction)).
		Mul(decimal.NewFromFloat(scoreMultiplier(score)))

	symbolRoom := decimal.NewFromFloat(balance*limits.SymbolFraction - symbolNotional)
	totalRoom := decimal.NewFromFloat(balance*limits.TotalFraction - grossNotional)
	if notional.GreaterThan(symbolRoom) {
		notional = symbolRoom
	}
	if notional.GreaterThan(totalRoom) {
		notional = totalRoom
	}
	if notional.LessThan(decimal.NewFromFloat(limits.MinNotional)) {
		if notional.Sign() <= 0 {
			return 0, errors.Wrapf(ErrInsufficientFunds,
				"symbol room %.2f, total room %.2f", symbolRoom.InexactFloat64(), totalRoom.InexactFloat64())
		}
		return 0, errors.Wrapf(ErrBelowMinNotional, "%.2f < %.2f", notional.InexactFloat64(), limits.MinNotional)
	}

	qty, _ := notional.Div(decimal.NewFromFloat(price)).Float64()
	qty = helper.AdjustQty(qty, meta.QtyPrecision)
	if qty <= 0 {
		return 0, errors.Wrap(ErrBelowMinNotional, "qty rounds to zero")
	}
	if qty*price < limits.MinNotional {
		return 0, errors.Wrapf(ErrBelowMinNotional, "%.2f after rounding", qty*price)
	}

	return qty, nil
}

// entryPrice сдвигает лимитную цену на один тик в сторону исполнения.
func entryPrice(price float64, direction models.Direction, meta models.SymbolMeta) float64 {
	ticks := int64(1)
	if direction == models.DirectionShort {
		ticks = -1
	}
	return helper.NudgeTicks(price, meta.TickSize, ticks)
}

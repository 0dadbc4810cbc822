package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"futures_bot/internal/helper"
	"futures_bot/internal/models"
	"futures_bot/internal/ratelimit"
	"futures_bot/pkg/logger"
)

// Уровни сопровождения позиции: тейк 3% от цены исполнения, стоп 0.5%
// против позиции. Оба квантуются вниз к тику инструмента.
const (
	takeProfitFraction = 0.03
	stopLossFraction   = 0.005
)

// exitPrices считает TP/SL от фактической цены исполнения входа.
// Decimal, как и в sizing: float-умножение теряет тики на границах.
func exitPrices(direction models.Direction, fillPrice float64, meta models.SymbolMeta) (tp, sl float64) {
	tpMul := decimal.NewFromFloat(1 + takeProfitFraction)
	slMul := decimal.NewFromFloat(1 - stopLossFraction)
	if direction == models.DirectionShort {
		tpMul = decimal.NewFromFloat(1 - takeProfitFraction)
		slMul = decimal.NewFromFloat(1 + stopLossFraction)
	}
	p := decimal.NewFromFloat(fillPrice)
	t, _ := p.Mul(tpMul).Float64()
	s, _ := p.Mul(slMul).Float64()
	return helper.AdjustPrice(t, meta.TickSize), helper.AdjustPrice(s, meta.TickSize)
}

// exitHit: цена дошла до тейка или пробила стоп конкретного ордера.
func exitHit(dir models.Direction, price float64, o models.Order) (bool, string) {
	if o.TakeProfit <= 0 || o.StopLoss <= 0 {
		return false, ""
	}
	if dir == models.DirectionShort {
		switch {
		case price <= o.TakeProfit:
			return true, "take-profit"
		case price >= o.StopLoss:
			return true, "stop-loss"
		}
		return false, ""
	}
	switch {
	case price >= o.TakeProfit:
		return true, "take-profit"
	case price <= o.StopLoss:
		return true, "stop-loss"
	}
	return false, ""
}

// checkExit закрывает сторону целиком, когда цена достигла TP или SL
// любого её открытого ордера. Выход идёт через тот же admission-путь,
// что и вход, но сразу маркетом и с высоким приоритетом.
func (e *Engine) checkExit(ctx context.Context, price float64) {
	symbol := e.cfg.Meta.Symbol
	for _, dir := range []models.Direction{models.DirectionLong, models.DirectionShort} {
		key := helper.SideKey(symbol, dir)
		qty := e.sh.Tracker.TotalQuantity(key)
		if qty <= 0 {
			continue
		}
		reason := ""
		for _, o := range e.sh.Tracker.OpenOrders(key) {
			if hit, why := exitHit(dir, price, o); hit {
				reason = why
				break
			}
		}
		if reason == "" {
			continue
		}
		e.closeSide(ctx, dir, qty, price, reason)
	}
}

// closeSide отправляет маркет на закрытие всей стороны и фиксирует
// результат по фактической средней цене исполнения. Отказ в слоте не
// фатален: уровни остаются, следующий тик попробует снова.
func (e *Engine) closeSide(ctx context.Context, dir models.Direction, qty, price float64, reason string) {
	symbol := e.cfg.Meta.Symbol
	key := helper.SideKey(symbol, dir)

	if !e.sh.Admission.WaitForSlot(ctx, ratelimit.CategoryPlaceOrder, ratelimit.PriorityHigh, e.cfg.AdmissionWait) {
		logger.Info("exit %s deferred: no place-order slot", key)
		return
	}
	fill, err := e.exchange.CloseMarket(ctx, symbol, dir, qty)
	e.sh.Admission.Record(ratelimit.CategoryPlaceOrder, venueResponded(err))
	if err != nil {
		logger.Error("exit %s failed: close market: %s", key, err)
		return
	}

	exitPrice := fill.AvgPrice
	if exitPrice <= 0 {
		exitPrice = price
	}
	logger.Info("exit %s: %s, closed %.6f at %.6f (order %s)", key, reason, qty, exitPrice, fill.OrderID)
	e.notify("выход %s: %s, %.6f по %.6f", key, reason, qty, exitPrice)
	e.settleClosedSide(ctx, symbol, dir, exitPrice, string(models.PurposeExit))
	e.persist()
}

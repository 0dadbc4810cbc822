package engine

import (
	"context"

	"futures_bot/internal/helper"
	"futures_bot/internal/models"
	"futures_bot/internal/ratelimit"
	"futures_bot/pkg/logger"
)

// drivePending сопровождает in-flight ордер: до дедлайна опрашивает статус,
// после — отменяет и эскалирует в маркет. Ордер всегда приходит ровно к
// одному терминальному исходу, в SUBMITTED он не зависает.
func (e *Engine) drivePending(ctx context.Context, price float64) {
	p := e.pending
	if e.now().Before(p.deadline) {
		switch e.pollStatus(ctx, p) {
		case ExchangeStatusFilled:
			e.settleFill(p, p.order.EntryPrice, models.StatusFilled)
		case ExchangeStatusCanceled, ExchangeStatusExpired, ExchangeStatusRejected:
			logger.Info("order %s on %s resolved externally, releasing", p.order.OrderID, p.order.Symbol)
			p.order.Status = models.StatusCancelled
			e.cancelReservation(p.token)
			e.pending = nil
		}
		return
	}
	e.escalate(ctx, p, price)
}

// pollStatus спрашивает биржу о судьбе ордера. Отказ в слоте или ошибка
// вызова трактуются как "ещё не исполнен" и переспрашиваются на следующем
// тике.
func (e *Engine) pollStatus(ctx context.Context, p *pendingOrder) string {
	if !e.sh.Admission.WaitForSlot(ctx, ratelimit.CategoryOrderStatus, ratelimit.PriorityMedium, e.cfg.AdmissionWait) {
		return ExchangeStatusNew
	}
	status, err := e.exchange.GetOrderStatus(ctx, p.order.Symbol, p.order.OrderID)
	e.sh.Admission.Record(ratelimit.CategoryOrderStatus, venueResponded(err))
	if err != nil {
		logger.Error("order %s status query failed: %s", p.order.OrderID, err)
		return ExchangeStatusNew
	}
	return status
}

// escalate: cancel + market. Отмена best-effort — биржа могла уже успеть
// исполнить лимитку, это не ошибка пути эскалации.
func (e *Engine) escalate(ctx context.Context, p *pendingOrder, price float64) {
	symbol := p.order.Symbol
	key := helper.SideKey(symbol, p.order.Direction)
	p.order.Status = models.StatusTimedOut
	logger.Info("order %s on %s timed out, escalating to market", p.order.OrderID, key)

	// финальная проверка перед отменой: лимитка могла исполниться
	if e.pollStatus(ctx, p) == ExchangeStatusFilled {
		e.settleFill(p, p.order.EntryPrice, models.StatusFilled)
		return
	}

	if e.sh.Admission.WaitForSlot(ctx, ratelimit.CategoryCancelOrder, ratelimit.PriorityHigh, e.cfg.AdmissionWait) {
		err := e.exchange.CancelOrder(ctx, symbol, p.order.OrderID)
		e.sh.Admission.Record(ratelimit.CategoryCancelOrder, venueResponded(err))
		if err != nil {
			// вероятно "already filled" — эскалация продолжается, сверимся статусом
			logger.Info("order %s cancel refused (%s), checking fill", p.order.OrderID, err)
			if e.pollStatus(ctx, p) == ExchangeStatusFilled {
				e.settleFill(p, p.order.EntryPrice, models.StatusFilled)
				return
			}
		}
	}

	// маркет-ордер обязан пройти: CRITICAL использует аварийный байпас
	if !e.sh.Admission.WaitForSlot(ctx, ratelimit.CategoryPlaceOrder, ratelimit.PriorityCritical, e.cfg.AdmissionWait) {
		e.rejectPending(p, "no slot even for CRITICAL market escalation")
		return
	}
	p.order.Status = models.StatusEscalated
	fill, err := e.exchange.PlaceMarketOrder(ctx, symbol, p.order.Direction, p.order.Qty)
	e.sh.Admission.Record(ratelimit.CategoryPlaceOrder, venueResponded(err))
	if err != nil || fill.OrderID == "" {
		e.rejectPending(p, "market escalation failed")
		return
	}

	// цена и id заменяются фактическим маркет-исполнением; средняя цена
	// отсутствует в ответе только у нулевого фила, тогда остаётся mark
	p.order.OrderID = fill.OrderID
	if fill.AvgPrice > 0 {
		price = fill.AvgPrice
	}
	e.settleFill(p, price, models.StatusFilled)
}

// settleFill переводит ордер в FILLED, кладёт его в ledger и подтверждает
// резервацию. Единственный путь, которым запись попадает в ledger.
// Здесь же от цены исполнения считаются уровни выхода.
func (e *Engine) settleFill(p *pendingOrder, fillPrice float64, status models.OrderStatus) {
	key := helper.SideKey(p.order.Symbol, p.order.Direction)
	p.order.Status = status
	p.order.EntryPrice = fillPrice
	p.order.TakeProfit, p.order.StopLoss = exitPrices(p.order.Direction, fillPrice, e.cfg.Meta)

	o := p.order
	e.sh.Tracker.AddOrder(key, &o)
	if err := e.sh.Book.Confirm(p.token); err != nil {
		logger.Error("engine %s: reservation confirm failed: %s", p.order.Symbol, err)
	}
	e.pending = nil
	e.persist()

	e.notify("вход %s: %.6f по %.6f (ордер %s)", key, o.Qty, o.EntryPrice, o.OrderID)
	logger.Info("order %s on %s filled: qty %.6f at %.6f", o.OrderID, key, o.Qty, o.EntryPrice)
}

func (e *Engine) rejectPending(p *pendingOrder, reason string) {
	p.order.Status = models.StatusRejected
	logger.Error("order %s on %s rejected: %s", p.order.OrderID, p.order.Symbol, reason)
	e.notify("ордер %s на %s отклонён: %s", p.order.OrderID, p.order.Symbol, reason)
	e.cancelReservation(p.token)
	e.pending = nil
}

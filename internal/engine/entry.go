package engine

import (
	"context"
	"time"

	"futures_bot/internal/cooldown"
	"futures_bot/internal/helper"
	"futures_bot/internal/models"
	"futures_bot/internal/ratelimit"
	"futures_bot/pkg/logger"
)

// tryEnter гонит сигнал через цепочку гардов и, если все пройдены,
// отправляет лимитный ордер. Любое вето логируется с причиной и не
// является ошибкой.
func (e *Engine) tryEnter(ctx context.Context, signal models.Signal) {
	symbol := e.cfg.Meta.Symbol
	dir := signal.Direction
	key := helper.SideKey(symbol, dir)

	// взаимоисключение направлений: проверяется до любого API-вызова
	opposite := helper.SideKey(symbol, dir.Opposite())
	if qty := e.sh.Tracker.TotalQuantity(opposite); qty > 0 {
		logger.Info("entry %s vetoed: opposite side holds %.6f", key, qty)
		return
	}

	// пауза после закрытия противоположной стороны
	if last, ok := e.lastClose[dir.Opposite()]; ok {
		if since := e.now().Sub(last); since < e.cfg.ReverseCloseWait {
			logger.Info("entry %s vetoed: reverse-close cool-off, %s remained",
				key, e.cfg.ReverseCloseWait-since)
			return
		}
	}

	// сторона уже в минусе — не доливаем
	if e.sh.Tracker.HasFloatingLoss(key) {
		logger.Info("entry %s vetoed: open orders at a floating loss", key)
		return
	}

	if !e.checkCooldown(symbol, dir, signal) {
		e.notifyThrottled("cooldown:"+key, "вход %s отклонён: cooldown после убытка", key)
		return
	}

	if !e.sh.Global.Allow(dir) {
		e.notifyThrottled("global-risk:"+string(dir),
			"вход %s отклонён: глобальный риск по направлению %s", key, dir)
		return
	}

	balance, ok := e.fetchBalance(ctx)
	if !ok {
		logger.Info("entry %s vetoed: balance unavailable and no usable cache", key)
		return
	}

	qty, err := positionSize(balance, signal.Price, signal.Score,
		e.sh.Tracker.TotalNotional(symbol), e.sh.Tracker.GrossNotional(), e.cfg.Funds, e.cfg.Meta)
	if err != nil {
		logger.Info("entry %s vetoed: %s", key, err)
		return
	}

	if e.sh.Tracker.RecentDuplicate(key, qty, e.cfg.DuplicateWindow, e.cfg.DuplicateTolerance) {
		logger.Info("entry %s vetoed: duplicate of a recent submission", key)
		return
	}

	token, err := e.sh.Book.Reserve(symbol, dir)
	if err != nil {
		logger.Info("entry %s vetoed: %s", key, err)
		return
	}

	e.submitEntry(ctx, signal, qty, token)
}

// checkCooldown применяет loss-cooldown с учётом override-условий.
func (e *Engine) checkCooldown(symbol string, dir models.Direction, signal models.Signal) bool {
	active, _, _ := e.sh.Guard.IsInCooldown(symbol, dir)
	if !active {
		return true
	}
	low, high := e.recentRange(symbol)
	override, reason := cooldown.OverrideAllowed(dir, signal.Score, signal.Price, low, high)
	return e.sh.Guard.CanOpen(symbol, dir, override, reason)
}

func (e *Engine) recentRange(symbol string) (low, high float64) {
	closes := e.prices.RecentCloses(symbol, 20)
	for _, c := range closes {
		if low == 0 || c < low {
			low = c
		}
		if c > high {
			high = c
		}
	}
	return low, high
}

// fetchBalance читает баланс через admission; при отказе в слоте
// используется кэш не старше sync-интервала.
func (e *Engine) fetchBalance(ctx context.Context) (float64, bool) {
	if e.sh.Admission.WaitForSlot(ctx, ratelimit.CategoryBalance, ratelimit.PriorityMedium, e.cfg.AdmissionWait) {
		balance, err := e.exchange.GetBalance(ctx, e.cfg.Asset)
		e.sh.Admission.Record(ratelimit.CategoryBalance, venueResponded(err))
		if err == nil {
			e.cachedBalance = balance
			e.cachedBalanceAt = e.now()
			return balance, true
		}
		logger.Error("engine %s: balance query failed: %s", e.cfg.Meta.Symbol, err)
	}
	if e.cachedBalance > 0 && e.now().Sub(e.cachedBalanceAt) < e.cfg.SyncInterval {
		return e.cachedBalance, true
	}
	return 0, false
}

// submitEntry отправляет лимитный ордер под уже взятой резервацией.
// Неудача любой стадии снимает резервацию, в ledger ничего не попадает.
func (e *Engine) submitEntry(ctx context.Context, signal models.Signal, qty float64, token string) {
	symbol := e.cfg.Meta.Symbol
	key := helper.SideKey(symbol, signal.Direction)

	if !e.sh.Admission.WaitForSlot(ctx, ratelimit.CategoryPlaceOrder, ratelimit.PriorityHigh, e.cfg.AdmissionWait) {
		logger.Info("entry %s aborted: no place-order slot", key)
		e.cancelReservation(token)
		return
	}

	price := entryPrice(signal.Price, signal.Direction, e.cfg.Meta)
	// RESERVED до подтверждения биржей; id и SUBMITTED появляются после
	order := models.Order{
		Symbol:      symbol,
		Direction:   signal.Direction,
		Qty:         qty,
		EntryPrice:  price,
		Status:      models.StatusReserved,
		Purpose:     models.PurposeEntry,
		SubmitTime:  e.now(),
		Reservation: token,
	}

	orderID, err := e.exchange.PlaceLimitOrder(ctx, symbol, signal.Direction, qty, price)
	e.sh.Admission.Record(ratelimit.CategoryPlaceOrder, venueResponded(err))
	if err != nil || orderID == "" {
		// слепой ретрай place-order опасен дублем, снимаем попытку целиком
		logger.Error("entry %s failed: place limit: %v", key, err)
		e.cancelReservation(token)
		return
	}

	order.OrderID = orderID
	order.Status = models.StatusSubmitted
	e.pending = &pendingOrder{
		order:    order,
		token:    token,
		deadline: e.now().Add(e.cfg.EntryTimeout),
	}
	logger.Info("entry %s: limit order %s submitted, qty %.6f at %.6f, score %.1f",
		key, orderID, qty, price, signal.Score)
}

func (e *Engine) cancelReservation(token string) {
	if err := e.sh.Book.Cancel(token); err != nil {
		logger.Error("engine %s: reservation release failed: %s", e.cfg.Meta.Symbol, err)
	}
}

// WaitDeadline — для health-снимка: когда истечёт текущий in-flight ордер.
func (e *Engine) WaitDeadline() (time.Time, bool) {
	if e.pending == nil {
		return time.Time{}, false
	}
	return e.pending.deadline, true
}

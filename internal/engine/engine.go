package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"futures_bot/internal/cooldown"
	"futures_bot/internal/helper"
	"futures_bot/internal/ledger"
	"futures_bot/internal/models"
	"futures_bot/internal/ratelimit"
	"futures_bot/pkg/logger"
)

// Config — параметры одного symbol-цикла.
type Config struct {
	Meta  models.SymbolMeta
	Asset string

	EvalInterval  time.Duration
	SyncInterval  time.Duration
	EntryTimeout  time.Duration
	AdmissionWait time.Duration
	QuietPeriod   time.Duration

	MissingDataLimit   int
	DuplicateWindow    time.Duration
	DuplicateTolerance float64
	ReverseCloseWait   time.Duration

	Funds FundsLimits
}

func (c *Config) withDefaults() {
	if c.EvalInterval <= 0 {
		c.EvalInterval = 5 * time.Second
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = time.Minute
	}
	if c.EntryTimeout <= 0 {
		c.EntryTimeout = 25 * time.Second
	}
	if c.AdmissionWait <= 0 {
		c.AdmissionWait = 10 * time.Second
	}
	if c.QuietPeriod < 0 {
		c.QuietPeriod = 0
	}
	if c.MissingDataLimit <= 0 {
		c.MissingDataLimit = 20
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 30 * time.Second
	}
	if c.DuplicateTolerance <= 0 {
		c.DuplicateTolerance = 0.001
	}
	if c.ReverseCloseWait <= 0 {
		c.ReverseCloseWait = 90 * time.Second
	}
	if c.Funds == (FundsLimits{}) {
		c.Funds = DefaultFundsLimits()
	}
	if c.Asset == "" {
		c.Asset = "USDT"
	}
}

// Shared — общее состояние всех symbol-циклов. Собирается один раз на
// старте и передаётся явно: никаких процессных синглтонов.
type Shared struct {
	Tracker   *ledger.Tracker
	Book      *ledger.ReservationBook
	Guard     *cooldown.Guard
	Global    *cooldown.GlobalRisk
	Admission *ratelimit.Admission
	Store     *ledger.Store
}

// pendingOrder — единственный in-flight ордер символа. Дедлайн проверяется
// на каждом тике цикла, без блокирующих sleep в пути решения.
type pendingOrder struct {
	order    models.Order
	token    string
	deadline time.Time
}

// Engine гоняет цикл одного символа: данные → гарды → вход → сопровождение
// ордера → реконсиляция.
type Engine struct {
	cfg      Config
	sh       *Shared
	exchange Exchange
	strategy Strategy
	prices   PriceSource
	notifier Notifier
	journal  TradeJournal

	startedAt time.Time
	lastSync  time.Time
	missed    int
	pending   *pendingOrder
	lastClose map[models.Direction]time.Time

	cachedBalance   float64
	cachedBalanceAt time.Time

	now func() time.Time
}

func New(cfg Config, sh *Shared, exchange Exchange, strategy Strategy, prices PriceSource, notifier Notifier, journal TradeJournal) *Engine {
	cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		sh:        sh,
		exchange:  exchange,
		strategy:  strategy,
		prices:    prices,
		notifier:  notifier,
		journal:   journal,
		lastClose: make(map[models.Direction]time.Time),
		now:       time.Now,
	}
}

// SetClock подменяет источник времени в тестах.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Run крутит цикл до отмены контекста. Возвращает ошибку только при
// невосстановимой проблеме (нет рыночных данных дольше лимита).
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = e.now()
	logger.Info("engine %s: loop started, eval every %s", e.cfg.Meta.Symbol, e.cfg.EvalInterval)

	ticker := time.NewTicker(e.cfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("engine %s: loop stopped", e.cfg.Meta.Symbol)
			return nil
		case <-ticker.C:
			if err := e.Cycle(ctx); err != nil {
				logger.Error("engine %s: terminating: %s", e.cfg.Meta.Symbol, err)
				return err
			}
		}
	}
}

// Cycle — один проход. Выделен для тестов.
func (e *Engine) Cycle(ctx context.Context) error {
	symbol := e.cfg.Meta.Symbol

	price, ok := e.prices.LastPrice(symbol)
	if !ok || price <= 0 {
		e.missed++
		if e.missed >= e.cfg.MissingDataLimit {
			return errors.Errorf("no market data for %d consecutive cycles", e.missed)
		}
		return nil
	}
	e.missed = 0

	e.refreshPnl(symbol, price)

	if e.pending != nil {
		e.drivePending(ctx, price)
		return nil
	}

	// сопровождение открытых сторон идёт и в quiet period: выход по
	// стопу важнее запрета на новые входы
	e.checkExit(ctx, price)

	if e.syncDue() {
		e.reconcile(ctx, price)
	}

	if e.inQuietPeriod() {
		return nil
	}

	closes := e.prices.RecentCloses(symbol, 20)
	signal, found := e.strategy.Evaluate(symbol, closes)
	if !found {
		return nil
	}
	signal.Price = price
	e.tryEnter(ctx, signal)

	return nil
}

func (e *Engine) inQuietPeriod() bool {
	return e.now().Sub(e.startedAt) < e.cfg.QuietPeriod
}

func (e *Engine) syncDue() bool {
	return e.now().Sub(e.lastSync) >= e.cfg.SyncInterval
}

// refreshPnl пересчитывает плавающий P&L открытых сторон и кормит
// глобальный риск-агрегатор.
func (e *Engine) refreshPnl(symbol string, price float64) {
	for _, dir := range []models.Direction{models.DirectionLong, models.DirectionShort} {
		key := helper.SideKey(symbol, dir)
		if e.sh.Tracker.TotalQuantity(key) <= 0 {
			e.sh.Global.Drop(key)
			continue
		}
		pnl := e.sh.Tracker.UpdateFloatingPnl(key, price)
		e.sh.Global.Observe(key, dir, pnl)
	}
}

// reconcile сверяет ledger с позициями биржи. Биржа права: расхождение
// решается очисткой стороны и повторным наполнением из её отчёта,
// частичного мержа нет. Отказ API оставляет прежнее состояние нетронутым.
func (e *Engine) reconcile(ctx context.Context, price float64) {
	symbol := e.cfg.Meta.Symbol
	if !e.sh.Admission.WaitForSlot(ctx, ratelimit.CategoryPosition, ratelimit.PriorityLow, e.cfg.AdmissionWait) {
		return // попробуем на следующем sync-интервале
	}
	positions, err := e.exchange.GetPositions(ctx, symbol)
	e.sh.Admission.Record(ratelimit.CategoryPosition, venueResponded(err))
	if err != nil {
		logger.Error("engine %s: position sync failed: %s", symbol, err)
		return
	}
	e.lastSync = e.now()

	byDir := make(map[models.Direction]models.ExchangePosition)
	for _, p := range positions {
		byDir[p.Direction] = p
	}

	for _, dir := range []models.Direction{models.DirectionLong, models.DirectionShort} {
		key := helper.SideKey(symbol, dir)
		local := e.sh.Tracker.TotalQuantity(key)
		remote := byDir[dir].Qty

		switch {
		case local > 0 && remote == 0:
			e.settleClosedSide(ctx, symbol, dir, price, closedByExchange)
		case remote > 0 && remote != local:
			logger.Info("engine %s: %s qty mismatch local=%.6f exchange=%.6f, rebuilding",
				symbol, dir, local, remote)
			e.sh.Tracker.CloseOrders(key)
			tp, sl := exitPrices(dir, byDir[dir].EntryPrice, e.cfg.Meta)
			e.sh.Tracker.AddOrder(key, &models.Order{
				OrderID:    fmt.Sprintf("recon-%s-%d", key, e.now().UnixNano()),
				Symbol:     symbol,
				Direction:  dir,
				Qty:        remote,
				EntryPrice: byDir[dir].EntryPrice,
				TakeProfit: tp,
				StopLoss:   sl,
				Status:     models.StatusFilled,
				Purpose:    models.PurposeEntry,
				SubmitTime: e.now(),
			})
		}
	}
	e.persist()
}

// Происхождение закрытия в журнале: собственный выход по уровням или
// позиция, исчезнувшая на бирже между sync-интервалами.
const closedByExchange = "EXCHANGE"

// settleClosedSide фиксирует закрытие стороны: убыток пишет
// cooldown-запись, любая сделка уходит в журнал, противоположная сторона
// получает reverse-close паузу.
func (e *Engine) settleClosedSide(ctx context.Context, symbol string, dir models.Direction, price float64, closedBy string) {
	key := helper.SideKey(symbol, dir)
	pnl := e.sh.Tracker.UpdateFloatingPnl(key, price)
	open := e.sh.Tracker.OpenOrders(key)
	e.sh.Tracker.CloseOrders(key)
	e.sh.Global.Drop(key)
	e.lastClose[dir] = e.now()

	if pnl < 0 {
		e.sh.Guard.RecordLoss(symbol, dir, pnl, fmt.Sprintf("closed at %.2f%% floating", pnl))
	}
	if e.journal != nil {
		for _, o := range open {
			if err := e.journal.RecordClosed(ctx, symbol, dir, o.Qty, o.EntryPrice, price, pnl, closedBy); err != nil {
				logger.Error("engine %s: trade journal write failed: %s", symbol, err)
			}
		}
	}
	logger.Info("engine %s: %s position closed (%s), pnl %.2f%%", symbol, dir, closedBy, pnl)
}

func (e *Engine) persist() {
	if e.sh.Store == nil {
		return
	}
	if err := e.sh.Store.SaveTracker(e.sh.Tracker); err != nil {
		logger.Error("engine %s: ledger snapshot failed: %s", e.cfg.Meta.Symbol, err)
	}
	data, err := e.sh.Guard.Snapshot()
	if err == nil {
		err = e.sh.Store.SaveCooldowns(data)
	}
	if err != nil {
		logger.Error("engine %s: cooldown snapshot failed: %s", e.cfg.Meta.Symbol, err)
	}
}

func (e *Engine) notify(format string, args ...interface{}) {
	if e.notifier != nil {
		e.notifier.Send(format, args...)
	}
}

func (e *Engine) notifyThrottled(reason, format string, args ...interface{}) {
	if e.notifier != nil {
		e.notifier.SendThrottled(reason, format, args...)
	}
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"futures_bot/internal/cooldown"
	"futures_bot/internal/helper"
	"futures_bot/internal/ledger"
	"futures_bot/internal/models"
	"futures_bot/internal/ratelimit"
	"futures_bot/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InfoLogger = zap.NewNop()
	logger.FatalLogger = zap.NewNop()
	m.Run()
}

type fakeExchange struct {
	mu sync.Mutex

	status            string
	statusAfterCancel string // подменяет status после первого cancel
	statusErr         error
	limitID           string
	limitErr          error
	marketID          string
	marketAvg         float64
	marketErr         error
	closeID           string
	closeAvg          float64
	closeErr          error
	cancelErr         error
	balance           float64
	positions         []models.ExchangePosition

	placeLimitCalls  int
	placeMarketCalls int
	closeMarketCalls int
	cancelCalls      int
	statusCalls      int
	balanceCalls     int
	positionCalls    int

	lastLimitPrice float64
	lastMarketQty  float64
	lastCloseQty   float64
	lastCloseDir   models.Direction
}

func (f *fakeExchange) PlaceLimitOrder(_ context.Context, _ string, _ models.Direction, _ float64, price float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeLimitCalls++
	f.lastLimitPrice = price
	return f.limitID, f.limitErr
}

func (f *fakeExchange) PlaceMarketOrder(_ context.Context, _ string, _ models.Direction, qty float64) (models.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeMarketCalls++
	f.lastMarketQty = qty
	return models.Fill{OrderID: f.marketID, AvgPrice: f.marketAvg}, f.marketErr
}

func (f *fakeExchange) CloseMarket(_ context.Context, _ string, direction models.Direction, qty float64) (models.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeMarketCalls++
	f.lastCloseQty = qty
	f.lastCloseDir = direction
	return models.Fill{OrderID: f.closeID, AvgPrice: f.closeAvg}, f.closeErr
}

func (f *fakeExchange) CancelOrder(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return f.cancelErr
}

func (f *fakeExchange) GetOrderStatus(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.cancelCalls > 0 && f.statusAfterCancel != "" {
		return f.statusAfterCancel, f.statusErr
	}
	return f.status, f.statusErr
}

func (f *fakeExchange) GetPositions(context.Context, string) ([]models.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionCalls++
	return f.positions, nil
}

func (f *fakeExchange) GetBalance(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	return f.balance, nil
}

func (f *fakeExchange) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placeLimitCalls + f.placeMarketCalls + f.closeMarketCalls +
		f.cancelCalls + f.statusCalls + f.balanceCalls + f.positionCalls
}

type fakeJournal struct {
	mu     sync.Mutex
	closed []string // "symbol:direction:closedBy"
}

func (f *fakeJournal) RecordClosed(_ context.Context, symbol string, direction models.Direction,
	_, _, _, _ float64, closedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, fmt.Sprintf("%s:%s:%s", symbol, direction, closedBy))
	return nil
}

func (f *fakeJournal) rows() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

type fakeNotifier struct {
	mu        sync.Mutex
	sent      []string
	throttled []string // reason каждого throttled-уведомления
}

func (f *fakeNotifier) Send(format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, fmt.Sprintf(format, args...))
}

func (f *fakeNotifier) SendThrottled(reason, format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.throttled = append(f.throttled, reason)
}

func (f *fakeNotifier) throttledReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.throttled...)
}

type fakePrices struct {
	price  float64
	ok     bool
	closes []float64
}

func (f *fakePrices) LastPrice(string) (float64, bool)   { return f.price, f.ok }
func (f *fakePrices) RecentCloses(string, int) []float64 { return f.closes }

type fakeStrategy struct {
	signal models.Signal
	found  bool
}

func (f *fakeStrategy) Evaluate(string, []float64) (models.Signal, bool) { return f.signal, f.found }

type testRig struct {
	engine   *Engine
	exchange *fakeExchange
	prices   *fakePrices
	strategy *fakeStrategy
	notifier *fakeNotifier
	journal  *fakeJournal
	shared   *Shared
	budget   *ratelimit.Budget
	now      time.Time
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	tracker := ledger.NewTracker()
	budget := ratelimit.NewBudget(time.Minute, ratelimit.DefaultLimits())
	sh := &Shared{
		Tracker:   tracker,
		Book:      ledger.NewReservationBook(tracker, time.Minute),
		Guard:     cooldown.NewGuard(3 * time.Hour),
		Global:    cooldown.NewGlobalRisk(),
		Admission: ratelimit.NewAdmission(budget, 3, nil),
	}
	ex := &fakeExchange{
		status:  ExchangeStatusNew,
		limitID: "limit-1",
		balance: 1000,
	}
	prices := &fakePrices{price: 100, ok: true, closes: []float64{95, 97, 99, 100, 101, 100}}
	strat := &fakeStrategy{}
	notif := &fakeNotifier{}
	journal := &fakeJournal{}

	cfg := Config{
		Meta:          models.SymbolMeta{Symbol: "XUSD", QtyPrecision: "0.001", TickSize: "0.01"},
		EntryTimeout:  25 * time.Second,
		AdmissionWait: 20 * time.Millisecond,
	}
	eng := New(cfg, sh, ex, strat, prices, notif, journal)

	rig := &testRig{engine: eng, exchange: ex, prices: prices, strategy: strat,
		notifier: notif, journal: journal, shared: sh, budget: budget}
	rig.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng.SetClock(func() time.Time { return rig.now })
	tracker.SetClock(func() time.Time { return rig.now })
	eng.lastSync = rig.now // реконсиляция в сценариях дёргается явно

	return rig
}

func (r *testRig) longSignal(score float64) models.Signal {
	return models.Signal{Symbol: "XUSD", Direction: models.DirectionLong, Price: r.prices.price, Score: score}
}

// Сценарий A: чистый вход — резервация, лимитка, исполнение в срок.
func TestEntryFillsWithinTimeout(t *testing.T) {
	rig := newRig(t)
	rig.engine.tryEnter(context.Background(), rig.longSignal(4.2))

	if rig.engine.pending == nil {
		t.Fatal("limit order must be in flight after tryEnter")
	}
	if rig.exchange.placeLimitCalls != 1 {
		t.Fatalf("placeLimitCalls = %d, want 1", rig.exchange.placeLimitCalls)
	}
	if !rig.shared.Book.Held("XUSD", models.DirectionLong) {
		t.Fatal("reservation must be outstanding while the order is in flight")
	}
	// цена сдвинута на тик к исполнению
	if rig.exchange.lastLimitPrice != 100.01 {
		t.Fatalf("limit price = %v, want 100.01", rig.exchange.lastLimitPrice)
	}

	rig.exchange.status = ExchangeStatusFilled
	rig.now = rig.now.Add(5 * time.Second)
	if err := rig.engine.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	key := helper.SideKey("XUSD", models.DirectionLong)
	if got := rig.shared.Tracker.TotalQuantity(key); got <= 0 {
		t.Fatalf("ledger quantity = %v, want the filled qty", got)
	}
	if rig.engine.pending != nil {
		t.Fatal("pending must clear after fill")
	}
	if rig.shared.Book.Held("XUSD", models.DirectionLong) {
		t.Fatal("reservation must be confirmed after fill")
	}
	if rig.exchange.placeMarketCalls != 0 {
		t.Fatal("no escalation expected for an in-time fill")
	}
}

// Сценарий B: активный SHORT блокирует LONG до единого API-вызова.
func TestOppositeDirectionRefusedBeforeAPI(t *testing.T) {
	rig := newRig(t)
	short := helper.SideKey("XUSD", models.DirectionShort)
	rig.shared.Tracker.AddOrder(short, &models.Order{
		OrderID: "s1", Symbol: "XUSD", Direction: models.DirectionShort,
		Qty: 10, EntryPrice: 100, Status: models.StatusFilled, SubmitTime: rig.now,
	})

	rig.engine.tryEnter(context.Background(), rig.longSignal(4.2))

	if n := rig.exchange.totalCalls(); n != 0 {
		t.Fatalf("exchange calls = %d, want 0: veto must precede any API use", n)
	}
	if rig.engine.pending != nil {
		t.Fatal("no order may be submitted")
	}
}

// Сценарий C: лимитка не исполнилась — cancel, маркет, цена из отчёта об
// исполнении, а не из кэша рыночных данных.
func TestTimeoutEscalatesToMarket(t *testing.T) {
	rig := newRig(t)
	rig.exchange.marketID = "market-1"
	rig.exchange.marketAvg = 100.62 // фактическая средняя исполнения
	rig.engine.tryEnter(context.Background(), rig.longSignal(4.2))
	if rig.engine.pending == nil {
		t.Fatal("expected in-flight order")
	}
	submittedQty := rig.engine.pending.order.Qty

	rig.now = rig.now.Add(26 * time.Second) // за дедлайном
	rig.prices.price = 100.5                // кэшированный mark отстаёт от фила
	if err := rig.engine.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if rig.exchange.cancelCalls != 1 {
		t.Fatalf("cancelCalls = %d, want 1", rig.exchange.cancelCalls)
	}
	if rig.exchange.placeMarketCalls != 1 {
		t.Fatalf("placeMarketCalls = %d, want 1", rig.exchange.placeMarketCalls)
	}
	if rig.exchange.lastMarketQty != submittedQty {
		t.Fatalf("market qty = %v, want %v", rig.exchange.lastMarketQty, submittedQty)
	}

	key := helper.SideKey("XUSD", models.DirectionLong)
	orders := rig.shared.Tracker.OpenOrders(key)
	if len(orders) != 1 {
		t.Fatalf("open orders = %d, want 1", len(orders))
	}
	if orders[0].EntryPrice != 100.62 {
		t.Fatalf("entry price = %v, want the reported avg fill 100.62", orders[0].EntryPrice)
	}
	if orders[0].OrderID != "market-1" {
		t.Fatalf("order id = %q, want the market order id", orders[0].OrderID)
	}
	if !orders[0].Status.Terminal() {
		t.Fatalf("settled order status %s must be terminal", orders[0].Status)
	}
	if rig.engine.pending != nil {
		t.Fatal("order must reach exactly one terminal resolution")
	}
}

// Эскалация терпит неуспешный cancel: биржа успела исполнить лимитку,
// ордер завершается как FILLED по лимитной цене, маркет не отправляется.
func TestEscalationToleratesCancelOfFilledOrder(t *testing.T) {
	rig := newRig(t)
	rig.engine.tryEnter(context.Background(), rig.longSignal(4.2))
	if rig.engine.pending == nil {
		t.Fatal("expected in-flight order")
	}
	limitPrice := rig.engine.pending.order.EntryPrice

	rig.exchange.cancelErr = context.DeadlineExceeded // "already filled"
	rig.exchange.statusAfterCancel = ExchangeStatusFilled

	rig.now = rig.now.Add(26 * time.Second)
	if err := rig.engine.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if rig.exchange.placeMarketCalls != 0 {
		t.Fatal("market order must not be placed when the cancel reveals a fill")
	}
	if rig.engine.pending != nil {
		t.Fatal("escalation path must terminate the order")
	}
	key := helper.SideKey("XUSD", models.DirectionLong)
	orders := rig.shared.Tracker.OpenOrders(key)
	if len(orders) != 1 || orders[0].EntryPrice != limitPrice {
		t.Fatalf("expected one order filled at the limit price %v, got %+v", limitPrice, orders)
	}
	if rig.shared.Book.Held("XUSD", models.DirectionLong) {
		t.Fatal("reservation must be confirmed")
	}
}

// Сценарий D: cooldown против низкого и высокого балла.
func TestCooldownRefusesLowScoreAllowsOverride(t *testing.T) {
	rig := newRig(t)
	rig.shared.Guard.SetClock(func() time.Time { return rig.now })
	rig.now = rig.now.Add(-time.Hour)
	rig.shared.Guard.RecordLoss("XUSD", models.DirectionShort, -2, "stop loss")
	rig.now = rig.now.Add(time.Hour)

	// цена посреди диапазона: зонального override нет, решает только балл
	rig.prices.closes = []float64{90, 95, 100, 105, 110}

	shortSignal := func(score float64) models.Signal {
		return models.Signal{Symbol: "XUSD", Direction: models.DirectionShort, Price: 100, Score: score}
	}

	rig.engine.tryEnter(context.Background(), shortSignal(2.0))
	if rig.exchange.placeLimitCalls != 0 {
		t.Fatal("score 2.0 must be refused by the cooldown")
	}

	rig.engine.tryEnter(context.Background(), shortSignal(4.6))
	if rig.exchange.placeLimitCalls != 1 {
		t.Fatal("score 4.6 must override the cooldown and submit")
	}
}

// Сценарий E: бюджет place-order исчерпан — CRITICAL эскалация проходит
// байпасом, MEDIUM статус-опрос получает отказ и живёт на кэше.
func TestCriticalEscalationBypassesExhaustedBudget(t *testing.T) {
	rig := newRig(t)
	rig.exchange.marketID = "market-1"
	rig.engine.tryEnter(context.Background(), rig.longSignal(4.2))
	if rig.engine.pending == nil {
		t.Fatal("expected in-flight order")
	}

	// выжечь бюджет place-order и order_status
	for i := 0; i < 400; i++ {
		rig.shared.Admission.Record(ratelimit.CategoryPlaceOrder, true)
	}
	for i := 0; i < 700; i++ {
		rig.shared.Admission.Record(ratelimit.CategoryOrderStatus, true)
	}
	statusCallsBefore := rig.exchange.statusCalls

	rig.now = rig.now.Add(26 * time.Second)
	if err := rig.engine.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if rig.exchange.statusCalls != statusCallsBefore {
		t.Fatal("status query must be denied on an exhausted budget")
	}
	if rig.exchange.placeMarketCalls != 1 {
		t.Fatal("CRITICAL market escalation must proceed via the bypass")
	}
	if rig.engine.pending != nil {
		t.Fatal("escalated order must settle")
	}
}

// Потеря рыночных данных на протяжении лимита циклов завершает цикл символа.
func TestMissingDataTerminatesLoop(t *testing.T) {
	rig := newRig(t)
	rig.engine.cfg.MissingDataLimit = 3
	rig.prices.ok = false

	for i := 0; i < 2; i++ {
		if err := rig.engine.Cycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: premature termination: %v", i, err)
		}
	}
	if err := rig.engine.Cycle(context.Background()); err == nil {
		t.Fatal("expected termination after the missing-data limit")
	}
}

// Дубликат недавней заявки с тем же количеством подавляется.
func TestDuplicateSubmissionSuppressed(t *testing.T) {
	rig := newRig(t)
	rig.engine.tryEnter(context.Background(), rig.longSignal(4.2))
	if rig.engine.pending == nil {
		t.Fatal("expected in-flight order")
	}

	// первый ордер исполняется и попадает в ledger
	rig.exchange.status = ExchangeStatusFilled
	rig.now = rig.now.Add(5 * time.Second)
	if err := rig.engine.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rig.exchange.placeLimitCalls != 1 {
		t.Fatalf("placeLimitCalls = %d, want 1", rig.exchange.placeLimitCalls)
	}

	// та же заявка через пару секунд — подавлена. Лимит символа поднят,
	// чтобы sizing дал то же количество и сработал именно дубль-фильтр.
	rig.engine.cfg.Funds.SymbolFraction = 1.0
	rig.now = rig.now.Add(2 * time.Second)
	rig.engine.tryEnter(context.Background(), rig.longSignal(4.2))
	if rig.exchange.placeLimitCalls != 1 {
		t.Fatal("duplicate submission within the window must be suppressed")
	}
	if rig.engine.pending != nil {
		t.Fatal("suppressed duplicate must not go in flight")
	}
}

// Реконсиляция: биржа сообщает ноль — сторона закрывается, убыток пишет
// cooldown-запись.
func TestReconcileClosesSideAndSetsCooldown(t *testing.T) {
	rig := newRig(t)
	rig.shared.Guard.SetClock(func() time.Time { return rig.now })
	key := helper.SideKey("XUSD", models.DirectionLong)
	rig.shared.Tracker.AddOrder(key, &models.Order{
		OrderID: "o1", Symbol: "XUSD", Direction: models.DirectionLong,
		Qty: 2, EntryPrice: 110, Status: models.StatusFilled, SubmitTime: rig.now,
	})
	rig.prices.price = 100 // плавающий минус

	rig.engine.reconcile(context.Background(), 100)

	if got := rig.shared.Tracker.TotalQuantity(key); got != 0 {
		t.Fatalf("quantity after reconcile = %v, want 0", got)
	}
	active, _, _ := rig.shared.Guard.IsInCooldown("XUSD", models.DirectionLong)
	if !active {
		t.Fatal("losing close must set a cooldown record")
	}
	rows := rig.journal.rows()
	if len(rows) != 1 || rows[0] != "XUSD:LONG:EXCHANGE" {
		t.Fatalf("journal rows = %v, want an exchange-observed close", rows)
	}
}

// Отказ биржи в теле ответа — потраченный weight; транспортный сбой до
// отправки бюджет не трогает.
func TestVenueRejectionConsumesBudget(t *testing.T) {
	rig := newRig(t)
	rig.exchange.limitID = ""
	rig.exchange.limitErr = errors.Wrap(
		&models.VenueError{HTTPStatus: 400, Code: -2019, Msg: "margin is insufficient"},
		"PlaceLimitOrder rejected")

	rig.engine.tryEnter(context.Background(), rig.longSignal(4.2))

	if rig.exchange.placeLimitCalls != 1 {
		t.Fatalf("placeLimitCalls = %d, want 1", rig.exchange.placeLimitCalls)
	}
	if got := rig.budget.Consumed(ratelimit.CategoryPlaceOrder); got == 0 {
		t.Fatal("a venue-side rejection reached the exchange and must consume budget")
	}
	if rig.engine.pending != nil {
		t.Fatal("rejected placement must not go in flight")
	}
	if rig.shared.Book.Held("XUSD", models.DirectionLong) {
		t.Fatal("reservation must be released after a rejected placement")
	}
}

func TestTransportFailureSparesBudget(t *testing.T) {
	rig := newRig(t)
	rig.exchange.limitID = ""
	rig.exchange.limitErr = errors.New("dial tcp: i/o timeout")

	rig.engine.tryEnter(context.Background(), rig.longSignal(4.2))

	if rig.exchange.placeLimitCalls != 1 {
		t.Fatalf("placeLimitCalls = %d, want 1", rig.exchange.placeLimitCalls)
	}
	if got := rig.budget.Consumed(ratelimit.CategoryPlaceOrder); got != 0 {
		t.Fatalf("place-order budget = %d, want 0: the request never reached the exchange", got)
	}
}

// Ордер, отменённый на стороне биржи, завершается как CANCELLED: резервация
// снимается, ledger остаётся пустым.
func TestExternallyCanceledOrderReleases(t *testing.T) {
	rig := newRig(t)
	rig.engine.tryEnter(context.Background(), rig.longSignal(4.2))
	if rig.engine.pending == nil {
		t.Fatal("expected in-flight order")
	}

	rig.exchange.status = ExchangeStatusCanceled
	rig.now = rig.now.Add(5 * time.Second)
	if err := rig.engine.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if rig.engine.pending != nil {
		t.Fatal("externally canceled order must clear pending")
	}
	if rig.shared.Book.Held("XUSD", models.DirectionLong) {
		t.Fatal("reservation must be released")
	}
	key := helper.SideKey("XUSD", models.DirectionLong)
	if got := rig.shared.Tracker.TotalQuantity(key); got != 0 {
		t.Fatalf("ledger quantity = %v, want 0", got)
	}
}

// Вето cooldown и глобального риска уходят в notifier с ключом повода —
// транспорт сам давит повторы внутри окна.
func TestVetoesNotifyWithThrottleReason(t *testing.T) {
	rig := newRig(t)
	rig.shared.Guard.SetClock(func() time.Time { return rig.now })
	rig.shared.Guard.RecordLoss("XUSD", models.DirectionLong, -2, "stop loss")
	rig.prices.closes = []float64{90, 95, 100, 105, 110}

	rig.engine.tryEnter(context.Background(), rig.longSignal(2.0))

	reasons := rig.notifier.throttledReasons()
	if len(reasons) != 1 || reasons[0] != "cooldown:XUSD:LONG" {
		t.Fatalf("throttled reasons = %v, want [cooldown:XUSD:LONG]", reasons)
	}

	// глобальное вето: направление тонет на достаточной выборке
	for i := 0; i < 7; i++ {
		rig.shared.Global.Observe(fmt.Sprintf("S%d:LONG", i), models.DirectionLong, -2)
	}
	rig.now = rig.now.Add(4 * time.Hour) // cooldown истёк, решает глобальный слой
	rig.engine.tryEnter(context.Background(), rig.longSignal(2.0))

	reasons = rig.notifier.throttledReasons()
	if len(reasons) != 2 || reasons[1] != "global-risk:LONG" {
		t.Fatalf("throttled reasons = %v, want a global-risk veto appended", reasons)
	}
	if rig.exchange.placeLimitCalls != 0 {
		t.Fatal("vetoed signals must not reach the exchange")
	}
}

package ledger

import (
	"sync"
	"time"

	"futures_bot/internal/models"
	"futures_bot/pkg/logger"
)

// Tracker хранит открытые ордера по ключу (symbol, direction).
// Агрегаты не хранятся отдельно: количество и notional всегда считаются
// из незакрытых ордеров, чтобы сумма не могла разойтись с записями.
type Tracker struct {
	mu     sync.RWMutex
	orders map[string][]*models.Order // ключ helper.SideKey(symbol, direction)
	seen   map[string]bool            // order id -> уже учтён
	now    func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		orders: make(map[string][]*models.Order),
		seen:   make(map[string]bool),
		now:    time.Now,
	}
}

// SetClock подменяет источник времени в тестах.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// AddOrder добавляет подтверждённый ордер. Повторный вызов с тем же
// order id — no-op.
func (t *Tracker) AddOrder(key string, o *models.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o.OrderID != "" && t.seen[o.OrderID] {
		logger.Info("ledger: duplicate order id %s on %s ignored", o.OrderID, key)
		return
	}
	if o.OrderID != "" {
		t.seen[o.OrderID] = true
	}
	t.orders[key] = append(t.orders[key], o)
}

// TotalQuantity — сумма незакрытых ордеров стороны.
func (t *Tracker) TotalQuantity(key string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total float64
	for _, o := range t.orders[key] {
		if !o.Closed {
			total += o.Qty
		}
	}
	return total
}

// TotalNotional — суммарный notional всех незакрытых ордеров символа,
// обе стороны.
func (t *Tracker) TotalNotional(symbol string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total float64
	for _, orders := range t.orders {
		for _, o := range orders {
			if !o.Closed && o.Symbol == symbol {
				total += o.Notional()
			}
		}
	}
	return total
}

// GrossNotional — notional всех незакрытых ордеров по всем символам.
func (t *Tracker) GrossNotional() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total float64
	for _, orders := range t.orders {
		for _, o := range orders {
			if !o.Closed {
				total += o.Notional()
			}
		}
	}
	return total
}

// UpdateFloatingPnl пересчитывает плавающий P&L (в процентах от входа)
// по текущей цене и возвращает агрегат стороны. Никогда не персистится:
// это чистая функция от цены входа и текущей цены.
func (t *Tracker) UpdateFloatingPnl(key string, currentPrice float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var aggregate float64
	var n int
	for _, o := range t.orders[key] {
		if o.Closed || o.EntryPrice == 0 {
			continue
		}
		pnl := (currentPrice - o.EntryPrice) / o.EntryPrice * 100
		if o.Direction == models.DirectionShort {
			pnl = -pnl
		}
		o.FloatingPnl = pnl
		aggregate += pnl
		n++
	}
	if n == 0 {
		return 0
	}
	return aggregate / float64(n)
}

// HasFloatingLoss reports whether any open order of the side is currently
// in the red.
func (t *Tracker) HasFloatingLoss(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, o := range t.orders[key] {
		if !o.Closed && o.FloatingPnl < 0 {
			return true
		}
	}
	return false
}

// OpenOrders возвращает копию незакрытых ордеров стороны.
func (t *Tracker) OpenOrders(key string) []models.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []models.Order
	for _, o := range t.orders[key] {
		if !o.Closed {
			out = append(out, *o)
		}
	}
	return out
}

// RecentDuplicate ищет незакрытый ордер стороны, отправленный не раньше
// чем window назад и совпадающий по количеству в пределах tolerance.
// Защита от повторного триггера из перекрывающихся циклов оценки.
func (t *Tracker) RecentDuplicate(key string, qty float64, window time.Duration, tolerance float64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cutoff := t.now().Add(-window)
	for _, o := range t.orders[key] {
		if o.Closed || o.SubmitTime.Before(cutoff) {
			continue
		}
		diff := o.Qty - qty
		if diff < 0 {
			diff = -diff
		}
		if diff <= tolerance {
			return true
		}
	}
	return false
}

// CloseOrders помечает все ордера стороны закрытыми. Вызывается, когда
// биржа подтвердила нулевой остаток позиции.
func (t *Tracker) CloseOrders(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for _, o := range t.orders[key] {
		if !o.Closed {
			o.Closed = true
			n++
		}
	}
	return n
}

// Reset полностью очищает ledger. Реконсиляция всегда идёт
// clear-then-repopulate: частичного мержа с данными биржи нет.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders = make(map[string][]*models.Order)
	t.seen = make(map[string]bool)
}

// Keys — все ключи с хотя бы одним незакрытым ордером.
func (t *Tracker) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var keys []string
	for k, orders := range t.orders {
		for _, o := range orders {
			if !o.Closed {
				keys = append(keys, k)
				break
			}
		}
	}
	return keys
}

func (t *Tracker) snapshot() map[string][]*models.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]*models.Order, len(t.orders))
	for k, orders := range t.orders {
		cp := make([]*models.Order, 0, len(orders))
		for _, o := range orders {
			c := *o
			cp = append(cp, &c)
		}
		out[k] = cp
	}
	return out
}

func (t *Tracker) restore(orders map[string][]*models.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders = orders
	t.seen = make(map[string]bool)
	for _, os := range orders {
		for _, o := range os {
			if o.OrderID != "" {
				t.seen[o.OrderID] = true
			}
		}
	}
}

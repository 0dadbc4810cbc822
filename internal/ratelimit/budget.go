package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Category классифицирует исходящий REST-вызов. Каждой категории назначен
// фиксированный вес и собственный потолок в скользящем окне.
type Category string

const (
	CategoryPlaceOrder  Category = "place_order"
	CategoryCancelOrder Category = "cancel_order"
	CategoryOrderStatus Category = "order_status"
	CategoryPosition    Category = "position"
	CategoryBalance     Category = "balance"
)

// CategoryLimit is the weight cost of one call and the per-window ceiling.
type CategoryLimit struct {
	Weight  int
	Ceiling int
}

// DefaultLimits отражают бюджет weight на минутное окно USD-M futures REST.
func DefaultLimits() map[Category]CategoryLimit {
	return map[Category]CategoryLimit{
		CategoryPlaceOrder:  {Weight: 1, Ceiling: 300},
		CategoryCancelOrder: {Weight: 1, Ceiling: 300},
		CategoryOrderStatus: {Weight: 1, Ceiling: 600},
		CategoryPosition:    {Weight: 5, Ceiling: 300},
		CategoryBalance:     {Weight: 5, Ceiling: 120},
	}
}

type consumption struct {
	at     time.Time
	weight int
}

// Budget — учёт потреблённого weight в скользящем окне. Чистая бухгалтерия,
// никакого I/O; сериализуется одним мьютексом, так как бюджет глобальный.
type Budget struct {
	mu      sync.Mutex
	window  time.Duration
	limits  map[Category]CategoryLimit
	entries map[Category][]consumption
	held    map[Category]int

	now func() time.Time // подменяется в тестах
}

func NewBudget(window time.Duration, limits map[Category]CategoryLimit) *Budget {
	if window <= 0 {
		window = time.Minute
	}
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Budget{
		window:  window,
		limits:  limits,
		entries: make(map[Category][]consumption),
		held:    make(map[Category]int),
		now:     time.Now,
	}
}

// SetClock заменяет источник времени (тесты).
func (b *Budget) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

func (b *Budget) pruneLocked(cat Category) {
	cutoff := b.now().Add(-b.window)
	es := b.entries[cat]
	i := 0
	for i < len(es) && !es[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		b.entries[cat] = append([]consumption(nil), es[i:]...)
	}
}

// Consumed returns the weight currently counted against a category.
func (b *Budget) Consumed(cat Category) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumedLocked(cat)
}

func (b *Budget) consumedLocked(cat Category) int {
	b.pruneLocked(cat)
	total := 0
	for _, e := range b.entries[cat] {
		total += e.weight
	}
	return total
}

// CanAfford reports whether one more call of the category fits the ceiling.
func (b *Budget) CanAfford(cat Category) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canAffordLocked(cat)
}

func (b *Budget) canAffordLocked(cat Category) (bool, string) {
	lim, ok := b.limits[cat]
	if !ok {
		return false, fmt.Sprintf("unknown category %q", cat)
	}
	used := b.consumedLocked(cat) + b.held[cat]
	if used+lim.Weight > lim.Ceiling {
		return false, fmt.Sprintf("%s budget exhausted: %d+%d > %d", cat, used, lim.Weight, lim.Ceiling)
	}
	return true, ""
}

// Hold резервирует вес на время между допуском и Record. Без резерва одно
// освободившееся место выпустило бы всю очередь: CanAfford оставался бы
// истинным, пока никто из выпущенных не закоммитил вес.
func (b *Budget) Hold(cat Category) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lim, ok := b.limits[cat]; ok {
		b.held[cat] += lim.Weight
	}
}

// ReleaseHold снимает резерв допущенного вызова: к этому моменту вес либо
// закоммичен, либо вызов не состоялся.
func (b *Budget) ReleaseHold(cat Category) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lim, ok := b.limits[cat]
	if !ok {
		return
	}
	if b.held[cat] -= lim.Weight; b.held[cat] < 0 {
		b.held[cat] = 0
	}
}

// Commit записывает вес совершённого вызова. Вызывается только после того,
// как запрос реально ушёл на биржу (см. Admission.Record).
func (b *Budget) Commit(cat Category) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lim, ok := b.limits[cat]
	if !ok {
		return
	}
	b.entries[cat] = append(b.entries[cat], consumption{at: b.now(), weight: lim.Weight})
}

// NextFreeAt returns the earliest moment the category may regain capacity.
// Zero time means capacity is available right now.
func (b *Budget) NextFreeAt(cat Category) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ok, _ := b.canAffordLocked(cat); ok {
		return time.Time{}
	}
	es := b.entries[cat]
	if len(es) == 0 {
		// ёмкость выбрана резервами in-flight вызовов; их Record и так
		// дёргает release, таймер здесь лишь страховка
		return b.now().Add(b.window)
	}
	return es[0].at.Add(b.window)
}

// Window exposes the rolling window length.
func (b *Budget) Window() time.Duration { return b.window }

package cooldown

import (
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"futures_bot/internal/helper"
	"futures_bot/internal/models"
	"futures_bot/pkg/logger"
)

// DefaultWindow — окно запрета на повторный вход после зафиксированного
// убытка на стороне.
const DefaultWindow = 3 * time.Hour

// Пороги форса входа поверх действующего cooldown. Для шорта порог выше:
// вход против падения прощает меньше ошибок.
const (
	OverrideScoreLong  = 4.0
	OverrideScoreShort = 4.5

	// благоприятная зона: лонг в нижних 30% диапазона, шорт в верхних 30%
	priceZoneFraction = 0.30
)

// Record отмечает последний реализованный убыток стороны.
type Record struct {
	Symbol    string           `json:"symbol"`
	Direction models.Direction `json:"direction"`
	Reason    string           `json:"reason"`
	Loss      float64          `json:"loss"`
	At        time.Time        `json:"at"`
}

// Guard хранит cooldown-записи по ключу (symbol, direction).
// Любая внутренняя ошибка оценки трактуется как запрет входа.
type Guard struct {
	mu      sync.RWMutex
	window  time.Duration
	records map[string]Record
	now     func() time.Time
}

func NewGuard(window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{
		window:  window,
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// SetClock подменяет источник времени в тестах.
func (g *Guard) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// RecordLoss пишет cooldown-запись для стороны.
func (g *Guard) RecordLoss(symbol string, direction models.Direction, loss float64, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := helper.SideKey(symbol, direction)
	g.records[key] = Record{
		Symbol:    symbol,
		Direction: direction,
		Reason:    reason,
		Loss:      loss,
		At:        g.now(),
	}
	logger.Info("cooldown set on %s for %s: %s", key, g.window, reason)
}

// IsInCooldown возвращает активную запись и остаток окна.
func (g *Guard) IsInCooldown(symbol string, direction models.Direction) (bool, Record, time.Duration) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[helper.SideKey(symbol, direction)]
	if !ok {
		return false, Record{}, 0
	}
	elapsed := g.now().Sub(rec.At)
	if elapsed >= g.window {
		return false, Record{}, 0
	}
	return true, rec, g.window - elapsed
}

// CanOpen решает, допустим ли вход. Активный cooldown пропускает только
// явно переданный override; при сомнении — запрет.
func (g *Guard) CanOpen(symbol string, direction models.Direction, override bool, overrideReason string) bool {
	active, rec, remaining := g.IsInCooldown(symbol, direction)
	if !active {
		return true
	}
	if override {
		logger.Info("cooldown on %s overridden (%s), %s remained, original loss: %s",
			helper.SideKey(symbol, direction), overrideReason, remaining, rec.Reason)
		return true
	}
	logger.Info("entry on %s refused: cooldown active for %s (%s)",
		helper.SideKey(symbol, direction), remaining, rec.Reason)

	return false
}

// OverrideAllowed проверяет условия форса: балл не ниже порога направления
// либо цена в благоприятной трети диапазона последних свечей.
// Некорректный диапазон — отказ (fail closed).
func OverrideAllowed(direction models.Direction, score, price, rangeLow, rangeHigh float64) (bool, string) {
	switch direction {
	case models.DirectionLong:
		if score >= OverrideScoreLong {
			return true, "high score"
		}
	case models.DirectionShort:
		if score >= OverrideScoreShort {
			return true, "high score"
		}
	default:
		return false, "unknown direction"
	}

	span := rangeHigh - rangeLow
	if span <= 0 || price <= 0 {
		return false, "invalid range"
	}
	pos := (price - rangeLow) / span
	if direction == models.DirectionLong && pos <= priceZoneFraction {
		return true, "price near range low"
	}
	if direction == models.DirectionShort && pos >= 1-priceZoneFraction {
		return true, "price near range high"
	}

	return false, "no override condition"
}

// Snapshot / Restore — сериализация записей для ledger.Store.

func (g *Guard) Snapshot() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sonic.Marshal(g.records)
}

func (g *Guard) Restore(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	records := make(map[string]Record)
	if err := sonic.Unmarshal(data, &records); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records = records

	return nil
}

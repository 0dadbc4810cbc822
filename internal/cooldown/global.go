package cooldown

import (
	"sync"

	"futures_bot/internal/models"
	"futures_bot/pkg/logger"
)

// Пороги глобального вето. Направление блокируется, когда выборка активных
// сторон достаточно велика, его средний плавающий P&L ощутимо отрицателен
// и заметно хуже противоположного.
const (
	globalMinSample    = 6
	globalAvgLoss      = -0.5 // percent
	globalDirectionGap = 0.2  // percent
)

// GlobalRisk агрегирует плавающий P&L по направлениям между символами.
// В отличие от loss-cooldown этот слой fail-open: сломавшийся агрегатор
// не должен останавливать всю торговлю.
type GlobalRisk struct {
	mu    sync.RWMutex
	sides map[string]sideState // ключ (symbol, direction)
}

type sideState struct {
	direction models.Direction
	pnl       float64
}

func NewGlobalRisk() *GlobalRisk {
	return &GlobalRisk{sides: make(map[string]sideState)}
}

// Observe обновляет P&L активной стороны.
func (r *GlobalRisk) Observe(key string, direction models.Direction, pnl float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sides[key] = sideState{direction: direction, pnl: pnl}
}

// Drop убирает сторону из выборки после закрытия позиции.
func (r *GlobalRisk) Drop(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sides, key)
}

// Allow решает, не заблокировано ли направление глобальной экспозицией.
// Недостаточная выборка или вырожденное состояние — разрешить.
func (r *GlobalRisk) Allow(direction models.Direction) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.sides) <= globalMinSample {
		return true
	}

	var sum, oppSum float64
	var n, oppN int
	for _, s := range r.sides {
		switch s.direction {
		case direction:
			sum += s.pnl
			n++
		case direction.Opposite():
			oppSum += s.pnl
			oppN++
		}
	}
	if n == 0 {
		return true
	}
	avg := sum / float64(n)
	if avg > globalAvgLoss {
		return true
	}
	if oppN > 0 {
		oppAvg := oppSum / float64(oppN)
		if oppAvg-avg < globalDirectionGap {
			// обе стороны тонут одинаково: это рынок, не направление
			return true
		}
	}
	logger.Info("global risk veto on %s: avg pnl %.2f%% across %d sides", direction, avg, n)

	return false
}

// ActiveSides — размер текущей выборки, для health-снимка.
func (r *GlobalRisk) ActiveSides() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sides)
}

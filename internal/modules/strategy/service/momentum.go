package service

import (
	"futures_bot/internal/models"
)

// Окна моментума в свечах и минимальный проходной балл.
const (
	shortWindow = 5
	midWindow   = 10
	longWindow  = 20

	minScore = 2.0
)

// Momentum — мультиоконный скорер: согласованное движение на трёх окнах
// плюс положение цены в диапазоне дают балл 0–6 и направление.
type Momentum struct{}

func NewMomentum() *Momentum { return &Momentum{} }

// Evaluate возвращает сигнал, если суммарный балл не ниже проходного.
// Недостаток истории — нет сигнала, не ошибка.
func (m *Momentum) Evaluate(symbol string, closes []float64) (models.Signal, bool) {
	if len(closes) < longWindow {
		return models.Signal{}, false
	}
	last := closes[len(closes)-1]
	if last <= 0 {
		return models.Signal{}, false
	}

	reasons := make(map[string]float64, 4)
	var bull, bear float64

	score := func(name string, change float64, weight float64) {
		if change > 0 {
			bull += weight
			reasons[name] = change
		} else if change < 0 {
			bear += weight
			reasons[name] = change
		}
	}

	score("momentum_short", pctChange(closes, shortWindow), 2)
	score("momentum_mid", pctChange(closes, midWindow), 1.5)
	score("momentum_long", pctChange(closes, longWindow), 1)

	// положение в диапазоне окна: края добавляют уверенности развороту тренда
	low, high := rangeOf(closes[len(closes)-longWindow:])
	if span := high - low; span > 0 {
		pos := (last - low) / span
		switch {
		case pos >= 0.8:
			bull += 1.5
			reasons["range_position"] = pos
		case pos <= 0.2:
			bear += 1.5
			reasons["range_position"] = pos
		}
	}

	direction := models.DirectionLong
	total := bull
	if bear > bull {
		direction = models.DirectionShort
		total = bear
	}
	if total < minScore {
		return models.Signal{}, false
	}

	return models.Signal{
		Symbol:    symbol,
		Direction: direction,
		Price:     last,
		Score:     total,
		Reasons:   reasons,
	}, true
}

// pctChange — изменение цены за window свечей, в процентах.
func pctChange(closes []float64, window int) float64 {
	base := closes[len(closes)-window]
	if base <= 0 {
		return 0
	}
	return (closes[len(closes)-1] - base) / base * 100
}

func rangeOf(closes []float64) (low, high float64) {
	low, high = closes[0], closes[0]
	for _, c := range closes[1:] {
		if c < low {
			low = c
		}
		if c > high {
			high = c
		}
	}
	return low, high
}

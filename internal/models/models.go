package models

import (
	"fmt"
	"time"
)

// Direction стороны позиции. На одном символе одновременно допускается
// только одно направление (см. ledger.ReservationBook).
type Direction string

const (
	DirectionNone  Direction = ""
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Opposite returns the conflicting direction.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	}
	return DirectionNone
}

// OrderSide is the exchange-facing BUY/SELL side.
func (d Direction) OrderSide() string {
	if d == DirectionShort {
		return "SELL"
	}
	return "BUY"
}

type OrderStatus string

const (
	StatusReserved  OrderStatus = "RESERVED"
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusFilled    OrderStatus = "FILLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusTimedOut  OrderStatus = "TIMED_OUT"
	StatusEscalated OrderStatus = "ESCALATED"
)

// Terminal reports whether the order can no longer change state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

type OrderPurpose string

const (
	PurposeEntry OrderPurpose = "ENTRY"
	PurposeExit  OrderPurpose = "EXIT"
)

// Order — одна запись в ledger. После подтверждения запись append-only,
// неудачная отправка в ledger не попадает вовсе.
type Order struct {
	OrderID     string       `json:"order_id"`
	Symbol      string       `json:"symbol"`
	Direction   Direction    `json:"direction"`
	Qty         float64      `json:"qty"`
	EntryPrice  float64      `json:"entry_price"`
	TakeProfit  float64      `json:"take_profit,omitempty"` // цена фиксации прибыли
	StopLoss    float64      `json:"stop_loss,omitempty"`   // цена аварийного выхода
	FloatingPnl float64      `json:"floating_pnl"`          // percent, recomputed on demand
	Status      OrderStatus  `json:"status"`
	Purpose     OrderPurpose `json:"purpose"`
	SubmitTime  time.Time    `json:"submit_time"`
	Closed      bool         `json:"closed"`
	Reservation string       `json:"reservation,omitempty"`
}

// Notional is qty * entry price.
func (o *Order) Notional() float64 { return o.Qty * o.EntryPrice }

// Fill — результат исполненного маркет-ордера.
type Fill struct {
	OrderID  string
	AvgPrice float64 // 0, если биржа не вернула среднюю цену
}

// Signal — выход стратегии для одного символа.
type Signal struct {
	Symbol    string
	Direction Direction
	Price     float64
	Score     float64
	Reasons   map[string]float64
}

// SymbolMeta carries the rounding parameters for one instrument.
type SymbolMeta struct {
	Symbol        string `yaml:"symbol"`
	QtyPrecision  string `yaml:"qty_precision"` // quantity step, e.g. "0.001"
	TickSize      string `yaml:"tick_size"`     // min price increment, e.g. "0.0001"
}

// ExchangePosition — позиция по версии биржи, используется при реконсиляции.
type ExchangePosition struct {
	Symbol     string
	Direction  Direction
	Qty        float64
	EntryPrice float64
}

// VenueError — биржа ответила отказом. Запрос до неё дошёл, значит weight
// на её стороне уже потрачен; admission учитывает такой вызов как
// состоявшийся, в отличие от транспортной ошибки.
type VenueError struct {
	HTTPStatus int
	Code       int
	Msg        string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue rejected: http=%d code=%d msg=%s", e.HTTPStatus, e.Code, e.Msg)
}

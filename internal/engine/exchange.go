package engine

import (
	"context"
	"errors"

	"futures_bot/internal/models"
)

// Статусы ордера по версии биржи.
const (
	ExchangeStatusNew      = "NEW"
	ExchangeStatusFilled   = "FILLED"
	ExchangeStatusCanceled = "CANCELED"
	ExchangeStatusExpired  = "EXPIRED"
	ExchangeStatusRejected = "REJECTED"
)

// Exchange — всё, что движку нужно от биржи. Каждый метод стоит ровно
// одну категорию admission-бюджета; вызывающий обязан пройти через
// Admission до вызова и вызвать Record после.
type Exchange interface {
	PlaceLimitOrder(ctx context.Context, symbol string, direction models.Direction, qty, price float64) (string, error)
	PlaceMarketOrder(ctx context.Context, symbol string, direction models.Direction, qty float64) (models.Fill, error)
	CloseMarket(ctx context.Context, symbol string, direction models.Direction, qty float64) (models.Fill, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (string, error)
	GetPositions(ctx context.Context, symbol string) ([]models.ExchangePosition, error)
	GetBalance(ctx context.Context, asset string) (float64, error)
}

// venueResponded: бюджет тратится на всё, что дошло до биржи. Отказ в теле
// ответа — потраченный weight, транспортный сбой до отправки — нет.
func venueResponded(err error) bool {
	if err == nil {
		return true
	}
	var ve *models.VenueError
	return errors.As(err, &ve)
}

// Strategy отдаёт направленный сигнал по свежим ценам закрытия.
// Отсутствие сигнала — не ошибка.
type Strategy interface {
	Evaluate(symbol string, closes []float64) (models.Signal, bool)
}

// PriceSource — кэш рыночных данных (websocket-стрим). Не ходит в REST,
// поэтому admission-бюджет не расходует; служит фолбэком при отказе в слоте.
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
	RecentCloses(symbol string, n int) []float64
}

// Notifier получает человекочитаемые события входов, выходов и вето.
// Вето шлются через SendThrottled: один повод — не чаще раза в окно.
type Notifier interface {
	Send(format string, args ...interface{})
	SendThrottled(reason, format string, args ...interface{})
}

// TradeJournal принимает закрытые сделки (реализация — postgres).
type TradeJournal interface {
	RecordClosed(ctx context.Context, symbol string, direction models.Direction, qty, entryPrice, exitPrice, pnl float64, closedBy string) error
}

package service

import (
	"context"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"futures_bot/internal/models"
)

// CloseMarket сокращает открытую сторону маркетом: side противоположен
// направлению позиции, positionSide остаётся её же (hedge mode).
func (c *Client) CloseMarket(ctx context.Context, symbol string, direction models.Direction, qty float64) (models.Fill, error) {
	if qty <= 0 {
		return models.Fill{}, errors.New("CloseMarket: qty <= 0")
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", direction.Opposite().OrderSide())
	params.Set("positionSide", string(direction))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	params.Set("newOrderRespType", "RESULT")

	return c.marketFill(ctx, params, "CloseMarket")
}

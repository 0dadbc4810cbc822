package service

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"futures_bot/internal/models"
)

// PlaceLimitOrder отправляет GTC-лимитку и возвращает id ордера.
func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, direction models.Direction, qty, price float64) (string, error) {
	if qty <= 0 {
		return "", errors.New("PlaceLimitOrder: qty <= 0")
	}
	if price <= 0 {
		return "", errors.New("PlaceLimitOrder: price <= 0")
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", direction.OrderSide())
	params.Set("positionSide", string(direction))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))

	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return "", errors.Wrap(err, "PlaceLimitOrder")
	}

	var r orderResponse
	if err := sonic.Unmarshal(body, &r); err != nil {
		return "", errors.Wrapf(err, "PlaceLimitOrder decode: %s", string(body))
	}
	if r.OrderID == 0 {
		var e apiError
		_ = sonic.Unmarshal(body, &e)
		return "", errors.Wrap(&models.VenueError{Code: e.Code, Msg: e.Msg}, "PlaceLimitOrder rejected")
	}

	return strconv.FormatInt(r.OrderID, 10), nil
}

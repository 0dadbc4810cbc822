package service

import (
	"context"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"futures_bot/internal/models"
)

// GetOrderStatus возвращает статус биржи как есть:
// NEW / PARTIALLY_FILLED / FILLED / CANCELED / EXPIRED / REJECTED.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return "", errors.Wrap(err, "GetOrderStatus")
	}

	var r orderResponse
	if err := sonic.Unmarshal(body, &r); err != nil {
		return "", errors.Wrapf(err, "GetOrderStatus decode: %s", string(body))
	}
	if r.Status == "" {
		var e apiError
		_ = sonic.Unmarshal(body, &e)
		return "", errors.Wrap(&models.VenueError{Code: e.Code, Msg: e.Msg}, "GetOrderStatus")
	}

	return r.Status, nil
}

package service

import (
	"context"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"futures_bot/internal/models"
)

// CancelOrder снимает ордер. Код -2011 (unknown order) возвращается как
// ошибка: вызывающий сам решает, значит ли это "уже исполнен".
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	body, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params)
	if err != nil {
		return errors.Wrap(err, "CancelOrder")
	}

	var r orderResponse
	if err := sonic.Unmarshal(body, &r); err != nil {
		return errors.Wrapf(err, "CancelOrder decode: %s", string(body))
	}
	if r.OrderID == 0 {
		var e apiError
		_ = sonic.Unmarshal(body, &e)
		return errors.Wrap(&models.VenueError{Code: e.Code, Msg: e.Msg}, "CancelOrder refused")
	}

	return nil
}

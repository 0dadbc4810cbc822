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

// PlaceMarketOrder — маркет на то же направление; используется эскалацией
// просроченных лимиток. respType=RESULT, чтобы биржа вернула среднюю цену
// исполнения сразу.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, direction models.Direction, qty float64) (models.Fill, error) {
	if qty <= 0 {
		return models.Fill{}, errors.New("PlaceMarketOrder: qty <= 0")
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", direction.OrderSide())
	params.Set("positionSide", string(direction))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	params.Set("newOrderRespType", "RESULT")

	return c.marketFill(ctx, params, "PlaceMarketOrder")
}

func (c *Client) marketFill(ctx context.Context, params url.Values, op string) (models.Fill, error) {
	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return models.Fill{}, errors.Wrap(err, op)
	}

	var r orderResponse
	if err := sonic.Unmarshal(body, &r); err != nil {
		return models.Fill{}, errors.Wrapf(err, "%s decode: %s", op, string(body))
	}
	if r.OrderID == 0 {
		var e apiError
		_ = sonic.Unmarshal(body, &e)
		return models.Fill{}, errors.Wrapf(&models.VenueError{Code: e.Code, Msg: e.Msg}, "%s rejected", op)
	}

	avg, _ := strconv.ParseFloat(r.AvgPrice, 64)
	return models.Fill{
		OrderID:  strconv.FormatInt(r.OrderID, 10),
		AvgPrice: avg,
	}, nil
}

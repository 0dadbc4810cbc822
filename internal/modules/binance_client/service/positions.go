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

// GetPositions — позиции символа по версии биржи (hedge mode: отдельные
// записи LONG и SHORT). Нулевые позиции отбрасываются.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]models.ExchangePosition, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, errors.Wrap(err, "GetPositions")
	}

	var rows []positionRisk
	if err := sonic.Unmarshal(body, &rows); err != nil {
		return nil, errors.Wrapf(err, "GetPositions decode: %s", string(body))
	}

	out := make([]models.ExchangePosition, 0, len(rows))
	for _, row := range rows {
		amt, err := strconv.ParseFloat(row.PositionAmt, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "GetPositions parse positionAmt %q", row.PositionAmt)
		}
		if amt < 0 {
			amt = -amt
		}
		if amt == 0 {
			continue
		}
		entry, err := strconv.ParseFloat(row.EntryPrice, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "GetPositions parse entryPrice %q", row.EntryPrice)
		}

		var dir models.Direction
		switch row.PositionSide {
		case "LONG":
			dir = models.DirectionLong
		case "SHORT":
			dir = models.DirectionShort
		default:
			return nil, errors.Wrap(&models.VenueError{Msg: "unexpected positionSide " + row.PositionSide}, "GetPositions")
		}

		out = append(out, models.ExchangePosition{
			Symbol:     row.Symbol,
			Direction:  dir,
			Qty:        amt,
			EntryPrice: entry,
		})
	}

	return out, nil
}

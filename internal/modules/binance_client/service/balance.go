package service

import (
	"context"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"futures_bot/internal/models"
)

// GetBalance — доступный остаток по активу.
func (c *Client) GetBalance(ctx context.Context, asset string) (float64, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return 0, errors.Wrap(err, "GetBalance")
	}

	var rows []balanceEntry
	if err := sonic.Unmarshal(body, &rows); err != nil {
		return 0, errors.Wrapf(err, "GetBalance decode: %s", string(body))
	}

	for _, row := range rows {
		if row.Asset != asset {
			continue
		}
		v, err := strconv.ParseFloat(row.AvailableBalance, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "GetBalance parse %q", row.AvailableBalance)
		}
		return v, nil
	}

	return 0, errors.Wrap(&models.VenueError{Msg: "asset " + asset + " not in response"}, "GetBalance")
}

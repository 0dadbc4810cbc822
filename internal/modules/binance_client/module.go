package binance_client

import (
	"go.uber.org/fx"

	"futures_bot/internal/engine"
	"futures_bot/internal/modules/binance_client/service"
)

// Module отдаёт REST-клиент биржи как engine.Exchange.
func Module() fx.Option {
	return fx.Module("binance_client",
		fx.Provide(
			service.NewClient,
			func(c *service.Client) engine.Exchange { return c },
		),
	)
}

package marketdata

import (
	"context"

	"go.uber.org/fx"

	"futures_bot/internal/engine"
	"futures_bot/internal/modules/marketdata/service"
)

// Module поднимает websocket-кэш рыночных данных.
func Module() fx.Option {
	return fx.Module("marketdata",
		fx.Provide(
			service.NewCache,
			service.NewStream,
			func(c *service.Cache) engine.PriceSource { return c },
		),
		fx.Invoke(func(lc fx.Lifecycle, s *service.Stream) {
			runCtx, cancel := context.WithCancel(context.Background())
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					go s.Run(runCtx)
					return nil
				},
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
		}),
	)
}

package strategy

import (
	"go.uber.org/fx"

	"futures_bot/internal/engine"
	"futures_bot/internal/modules/strategy/service"
)

// Module отдаёт дефолтный скорер как engine.Strategy.
func Module() fx.Option {
	return fx.Module("strategy",
		fx.Provide(
			service.NewMomentum,
			func(m *service.Momentum) engine.Strategy { return m },
		),
	)
}

package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"futures_bot/internal/modules/binance_client"
	"futures_bot/internal/modules/config"
	"futures_bot/internal/modules/health"
	"futures_bot/internal/modules/marketdata"
	"futures_bot/internal/modules/postgres"
	"futures_bot/internal/modules/strategy"
	"futures_bot/internal/modules/trading"
	"futures_bot/pkg/logger"
	"futures_bot/pkg/tracing"
)

const serviceName = "futures_bot"

func main() {
	_ = godotenv.Load()

	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	logger.InfoLogger = zl
	logger.FatalLogger = zl
	logger.SetServiceName(serviceName)
	tracing.SetServiceName(serviceName)

	app := fx.New(
		fx.Provide(
			func() context.Context {
				return context.Background()
			},
		),
		config.Module(),
		postgres.Module(),
		binance_client.Module(),
		marketdata.Module(),
		strategy.Module(),
		health.Module(),
		trading.Module(),
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config) error {
			if cfg.Jaeger.Host == "" {
				return nil
			}
			_, closeTracer, err := tracing.InitTracer(tracing.Config{
				Host: cfg.Jaeger.Host,
				Port: cfg.Jaeger.Port,
			})
			if err != nil {
				return err
			}
			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					closeTracer()
					return nil
				},
			})
			return nil
		}),
	)
	app.Run()
}

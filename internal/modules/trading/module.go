package trading

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"futures_bot/internal/cooldown"
	"futures_bot/internal/engine"
	"futures_bot/internal/ledger"
	"futures_bot/internal/models"
	"futures_bot/internal/modules/config"
	"futures_bot/internal/notify"
	"futures_bot/internal/ratelimit"
	"futures_bot/internal/tradelog"
	"futures_bot/pkg/logger"
)

const (
	defaultStorePath  = "data/ledger.db"
	criticalBypassCap = 3
)

// NewShared собирает общее состояние циклов и поднимает снапшоты ДО того,
// как любой движок примет первое решение о входе.
func NewShared(cfg *config.Config) (*engine.Shared, error) {
	path := os.Getenv("LEDGER_PATH")
	if path == "" {
		path = defaultStorePath
	}
	store, err := ledger.NewStore(path)
	if err != nil {
		return nil, err
	}

	tracker := ledger.NewTracker()
	if err := store.LoadTracker(tracker); err != nil {
		return nil, err
	}

	guard := cooldown.NewGuard(cooldown.DefaultWindow)
	raw, err := store.LoadCooldowns()
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := guard.Restore(raw); err != nil {
			logger.Error("cooldown snapshot unreadable, starting clean: %s", err)
		}
	}

	budget := ratelimit.NewBudget(time.Minute, ratelimit.DefaultLimits())
	metrics := ratelimit.NewMetrics(prometheus.DefaultRegisterer)
	admission := ratelimit.NewAdmission(budget, criticalBypassCap, metrics)

	return &engine.Shared{
		Tracker:   tracker,
		Book:      ledger.NewReservationBook(tracker, ledger.DefaultReservationTTL),
		Guard:     guard,
		Global:    cooldown.NewGlobalRisk(),
		Admission: admission,
		Store:     store,
	}, nil
}

// NewNotifier отдаёт телеграм, если задан токен, иначе пишет в лог.
func NewNotifier(cfg *config.Config, sh *engine.Shared, journal *tradelog.Journal) notify.Notifier {
	if cfg.Telegram.Token == "" {
		return notify.Stdout{}
	}
	t, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, sh.Tracker, journal)
	if err != nil {
		logger.Error("telegram init failed, falling back to stdout: %s", err)
		return notify.Stdout{}
	}
	return t
}

func engineConfig(cfg *config.Config, meta models.SymbolMeta) engine.Config {
	return engine.Config{
		Meta:          meta,
		Asset:         cfg.Asset,
		EvalInterval:  cfg.EvalInterval,
		SyncInterval:  cfg.SyncInterval,
		EntryTimeout:  cfg.EntryTimeout,
		AdmissionWait: cfg.AdmissionWait,
		QuietPeriod:   cfg.QuietPeriod,
		Funds:         cfg.Funds,
	}
}

// Run поднимает по движку на символ. Падение одного цикла не роняет
// остальные, но логируется как фатальная для символа ситуация.
func Run(
	lc fx.Lifecycle,
	cfg *config.Config,
	sh *engine.Shared,
	exchange engine.Exchange,
	strategy engine.Strategy,
	prices engine.PriceSource,
	notifier notify.Notifier,
	journal *tradelog.Journal,
) {
	runCtx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := journal.EnsureSchema(ctx); err != nil {
				return err
			}

			if t, ok := notifier.(*notify.Telegram); ok {
				go t.Start(stop)
			}

			for _, meta := range cfg.Symbols {
				eng := engine.New(engineConfig(cfg, meta), sh, exchange, strategy, prices, notifier, journal)
				go func(sym string) {
					if err := eng.Run(runCtx); err != nil {
						logger.Error("engine %s stopped: %s", sym, err)
						notifier.Send("цикл %s остановлен: %s", sym, err)
					}
				}(meta.Symbol)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			close(stop)
			return sh.Store.Close()
		},
	})
}

func Module() fx.Option {
	return fx.Module("trading",
		fx.Provide(
			NewShared,
			NewNotifier,
			tradelog.NewJournal,
		),
		fx.Invoke(Run),
	)
}

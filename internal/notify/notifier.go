package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"futures_bot/internal/helper"
	"futures_bot/internal/ledger"
	"futures_bot/internal/tradelog"
	"futures_bot/pkg/logger"
)

// throttleWindow: один и тот же повод не шлётся чаще раза в полчаса.
const throttleWindow = 30 * time.Minute

type Notifier interface {
	Send(format string, args ...interface{})
	SendThrottled(reason, format string, args ...interface{})
}

// Telegram — пассивный нотифайер + команда /positions поверх ledger.
type Telegram struct {
	bot     *tgbot.BotAPI
	chatID  int64
	tracker *ledger.Tracker
	journal *tradelog.Journal

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewTelegram(token string, chatID int64, tracker *ledger.Tracker, journal *tradelog.Journal) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:      b,
		chatID:   chatID,
		tracker:  tracker,
		journal:  journal,
		lastSent: make(map[string]time.Time),
	}, nil
}

func (t *Telegram) Send(format string, args ...interface{}) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}
	if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, fmt.Sprintf(format, args...))); err != nil {
		logger.Error("telegram send failed: %s", err)
	}
}

// SendThrottled подавляет повторы одного повода внутри throttleWindow.
func (t *Telegram) SendThrottled(reason, format string, args ...interface{}) {
	if !t.canSend(reason, throttleWindow) {
		return
	}
	t.Send(format, args...)
}

func (t *Telegram) canSend(key string, window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.lastSent[key]; ok && time.Since(last) < window {
		return false
	}
	t.lastSent[key] = time.Now()
	return true
}

// Start крутит long-poll обновлений до отмены. Команды: /positions —
// снимок открытых сторон из ledger, /trades — последние закрытые сделки.
func (t *Telegram) Start(stop <-chan struct{}) {
	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)
	for {
		select {
		case <-stop:
			t.bot.StopReceivingUpdates()
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if upd.Message == nil || !upd.Message.IsCommand() {
				continue
			}
			switch upd.Message.Command() {
			case "positions":
				t.Send("%s", t.positionsText())
			case "trades":
				t.Send("%s", t.tradesText())
			}
		}
	}
}

func (t *Telegram) positionsText() string {
	keys := t.tracker.Keys()
	if len(keys) == 0 {
		return "Открытых позиций нет"
	}
	var b strings.Builder
	b.WriteString("Открытые позиции:\n")
	for _, key := range keys {
		symbol, dir, ok := helper.SplitSideKey(key)
		if !ok {
			continue
		}
		var qty, notional, pnl float64
		orders := t.tracker.OpenOrders(key)
		for _, o := range orders {
			qty += o.Qty
			notional += o.Notional()
			pnl += o.FloatingPnl
		}
		if len(orders) > 0 {
			pnl /= float64(len(orders))
		}
		fmt.Fprintf(&b, "• %s %s: qty %.6f, notional %.2f, pnl %.2f%%\n",
			symbol, dir, qty, notional, pnl)
	}
	return b.String()
}

func (t *Telegram) tradesText() string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	trades, err := t.journal.Recent(ctx, 10)
	if err != nil {
		logger.Error("telegram: trades query failed: %s", err)
		return "История недоступна"
	}
	if len(trades) == 0 {
		return "Закрытых сделок нет"
	}
	var b strings.Builder
	b.WriteString("Последние сделки:\n")
	for _, tr := range trades {
		fmt.Fprintf(&b, "• %s %s %s: qty %.6f, %.2f → %.2f, pnl %.2f%% (%s)\n",
			tr.ClosedAt.Format("01-02 15:04"), tr.Symbol, tr.Direction,
			tr.Qty, tr.EntryPrice, tr.ExitPrice, tr.PnlPct, tr.ClosedBy)
	}
	return b.String()
}

// Stdout — фолбэк без телеграм-токена, пишет в лог.
type Stdout struct{}

func (Stdout) Send(format string, args ...interface{}) {
	logger.Info("notify: "+format, args...)
}

func (Stdout) SendThrottled(_, format string, args ...interface{}) {
	logger.Info("notify: "+format, args...)
}

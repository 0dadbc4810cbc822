package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"futures_bot/internal/modules/config"
	healthsvc "futures_bot/internal/modules/health/service"
	"futures_bot/pkg/logger"
)

const wsBase = "wss://fstream.binance.com/stream?streams="

// Stream держит одно websocket-соединение на все символы: markPrice для
// последней цены и kline_1m для окна закрытий. Переподключается сам.
type Stream struct {
	cache   *Cache
	state   *healthsvc.State
	dialer  *websocket.Dialer
	symbols []string
}

func NewStream(cfg *config.Config, cache *Cache, state *healthsvc.State) *Stream {
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols = append(symbols, s.Symbol)
	}
	return &Stream{
		cache:   cache,
		state:   state,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		symbols: symbols,
	}
}

func (s *Stream) url() string {
	parts := make([]string, 0, len(s.symbols)*2)
	for _, sym := range s.symbols {
		low := strings.ToLower(sym)
		parts = append(parts, low+"@markPrice@1s", low+"@kline_1m")
	}
	return wsBase + strings.Join(parts, "/")
}

// Run блокирует до отмены контекста.
func (s *Stream) Run(ctx context.Context) {
	retry := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := s.dialer.DialContext(ctx, s.url(), nil)
		if err != nil {
			retry++
			logger.Error("marketdata: dial failed (attempt %d): %s", retry, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(min(retry, 10)) * time.Second):
			}
			continue
		}
		retry = 0
		logger.Info("marketdata: stream connected, %d symbols", len(s.symbols))
		s.state.SetWSConnected(true)
		s.readLoop(ctx, conn)
		s.state.SetWSConnected(false)
		_ = conn.Close()
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("marketdata: read failed, reconnecting: %s", err)
			}
			return
		}
		s.handle(msg)
	}
}

type streamFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		MarkPrice string `json:"p"`
		Kline     struct {
			Close  string `json:"c"`
			Closed bool   `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

func (s *Stream) handle(msg []byte) {
	var frame streamFrame
	if err := sonic.Unmarshal(msg, &frame); err != nil {
		return
	}
	switch frame.Data.EventType {
	case "markPriceUpdate":
		if p, err := strconv.ParseFloat(frame.Data.MarkPrice, 64); err == nil {
			s.cache.SetPrice(frame.Data.Symbol, p)
			s.state.TouchTick(time.Now())
		}
	case "kline":
		if !frame.Data.Kline.Closed {
			return
		}
		if p, err := strconv.ParseFloat(frame.Data.Kline.Close, 64); err == nil {
			s.cache.AddClose(frame.Data.Symbol, p)
		}
	}
}

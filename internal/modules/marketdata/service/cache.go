package service

import (
	"strings"
	"sync"
	"time"
)

// staleAfter: цена старше этого возраста не считается рабочей —
// лучше пропустить цикл, чем решать по мёртвым данным.
const staleAfter = 30 * time.Second

const maxCloses = 120

// Cache — последняя цена и скользящее окно цен закрытия по символам.
// Пишет websocket-стрим, читают symbol-циклы; REST не трогается вовсе.
type Cache struct {
	mu     sync.RWMutex
	last   map[string]pricePoint
	closes map[string][]float64
	now    func() time.Time
}

type pricePoint struct {
	price float64
	at    time.Time
}

func NewCache() *Cache {
	return &Cache{
		last:   make(map[string]pricePoint),
		closes: make(map[string][]float64),
		now:    time.Now,
	}
}

// SetClock подменяет источник времени в тестах.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Cache) SetPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[strings.ToUpper(symbol)] = pricePoint{price: price, at: c.now()}
}

func (c *Cache) AddClose(symbol string, price float64) {
	if price <= 0 {
		return
	}
	symbol = strings.ToUpper(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	closes := append(c.closes[symbol], price)
	if len(closes) > maxCloses {
		closes = closes[len(closes)-maxCloses:]
	}
	c.closes[symbol] = closes
}

// LastPrice отдаёт цену, если она достаточно свежая.
func (c *Cache) LastPrice(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.last[strings.ToUpper(symbol)]
	if !ok || c.now().Sub(p.at) > staleAfter {
		return 0, false
	}
	return p.price, true
}

// RecentCloses — последние n цен закрытия, старые вперёд.
func (c *Cache) RecentCloses(symbol string, n int) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	closes := c.closes[strings.ToUpper(symbol)]
	if n <= 0 || n > len(closes) {
		n = len(closes)
	}
	out := make([]float64, n)
	copy(out, closes[len(closes)-n:])
	return out
}

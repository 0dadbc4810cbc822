package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"futures_bot/internal/helper"
	"futures_bot/internal/models"
	"futures_bot/pkg/logger"
)

// DefaultReservationTTL — сколько живёт невостребованная резервация.
// Покрывает падение или отказ между Reserve и отправкой ордера.
const DefaultReservationTTL = 30 * time.Second

var (
	ErrDirectionConflict  = errors.New("opposite direction holds quantity on this symbol")
	ErrReservationHeld    = errors.New("reservation already outstanding for this side")
	ErrReservationUnknown = errors.New("reservation token unknown or expired")
)

type reservation struct {
	token     string
	key       string
	createdAt time.Time
}

// ReservationBook выдаёт pre-submission claim на (symbol, direction).
// Инварианты: не больше одной невостребованной резервации на сторону;
// сторона с ненулевым количеством у противоположного направления
// резервацию не получает.
type ReservationBook struct {
	mu      sync.Mutex
	tracker *Tracker
	ttl     time.Duration
	byToken map[string]*reservation
	byKey   map[string]*reservation
	seq     uint64
}

func NewReservationBook(tracker *Tracker, ttl time.Duration) *ReservationBook {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &ReservationBook{
		tracker: tracker,
		ttl:     ttl,
		byToken: make(map[string]*reservation),
		byKey:   make(map[string]*reservation),
	}
}

// Reserve claims the side. The token must later be confirmed or cancelled.
func (b *ReservationBook) Reserve(symbol string, direction models.Direction) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()

	opposite := helper.SideKey(symbol, direction.Opposite())
	if qty := b.tracker.TotalQuantity(opposite); qty > 0 {
		return "", errors.Wrapf(ErrDirectionConflict, "%s holds %.6f", opposite, qty)
	}
	if _, held := b.byKey[opposite]; held {
		return "", errors.Wrap(ErrDirectionConflict, opposite)
	}

	key := helper.SideKey(symbol, direction)
	if _, held := b.byKey[key]; held {
		return "", errors.Wrap(ErrReservationHeld, key)
	}

	b.seq++
	r := &reservation{
		token:     fmt.Sprintf("%s#%d", key, b.seq),
		key:       key,
		createdAt: time.Now(),
	}
	b.byToken[r.token] = r
	b.byKey[key] = r

	return r.token, nil
}

// Confirm освобождает резервацию после того, как ордер принят биржей
// и записан в ledger.
func (b *ReservationBook) Confirm(token string) error {
	return b.release(token, "confirm")
}

// Cancel releases the claim after a failed or vetoed submission.
func (b *ReservationBook) Cancel(token string) error {
	return b.release(token, "cancel")
}

func (b *ReservationBook) release(token, action string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	r, ok := b.byToken[token]
	if !ok {
		return errors.Wrapf(ErrReservationUnknown, "%s %q", action, token)
	}
	delete(b.byToken, token)
	delete(b.byKey, r.key)

	return nil
}

// Held reports whether the side currently has an outstanding reservation.
func (b *ReservationBook) Held(symbol string, direction models.Direction) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	_, ok := b.byKey[helper.SideKey(symbol, direction)]

	return ok
}

func (b *ReservationBook) expireLocked() {
	cutoff := time.Now().Add(-b.ttl)
	for token, r := range b.byToken {
		if r.createdAt.Before(cutoff) {
			logger.Info("reservation %s expired without submission", r.key)
			delete(b.byToken, token)
			delete(b.byKey, r.key)
		}
	}
}

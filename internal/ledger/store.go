package ledger

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"futures_bot/internal/models"
)

const (
	bucketLedger    = "ledger"
	bucketCooldowns = "cooldowns"

	keySnapshot = "snapshot"
)

// Store — durable снимки ledger и cooldown-записей. Снимок пишется целиком:
// загрузка после рестарта обязана предшествовать любому торговому решению.
type Store struct {
	db *bolt.DB
}

func NewStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open ledger db")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketLedger)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(bucketCooldowns))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ensure buckets")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTracker сериализует все ордера в один снимок.
func (s *Store) SaveTracker(t *Tracker) error {
	data, err := sonic.Marshal(t.snapshot())
	if err != nil {
		return errors.Wrap(err, "marshal ledger snapshot")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLedger)).Put([]byte(keySnapshot), data)
	})
}

// LoadTracker восстанавливает ордера из снимка. Отсутствие снимка —
// не ошибка: ledger остаётся пустым.
func (s *Store) LoadTracker(t *Tracker) error {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketLedger)).Get([]byte(keySnapshot))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "read ledger snapshot")
	}
	if data == nil {
		return nil
	}
	orders := make(map[string][]*models.Order)
	if err := sonic.Unmarshal(data, &orders); err != nil {
		return errors.Wrap(err, "unmarshal ledger snapshot")
	}
	t.restore(orders)

	return nil
}

// SaveCooldowns / LoadCooldowns хранят записи cooldown-гарда тем же снимком.
// Значение непрозрачно для store: кодирует internal/cooldown.

func (s *Store) SaveCooldowns(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCooldowns)).Put([]byte(keySnapshot), data)
	})
}

func (s *Store) LoadCooldowns() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketCooldowns)).Get([]byte(keySnapshot))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "read cooldown snapshot")
	}

	return data, nil
}

package tradelog

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"futures_bot/internal/models"
	"futures_bot/pkg/db"
)

// Journal — журнал закрытых сделок в Postgres. Источник истории для
// разбора полётов; cooldown-гард получает убытки синхронно, журнал
// ведётся параллельно.
type Journal struct {
	tm *db.PgTxManager
}

func NewJournal(tm *db.PgTxManager) *Journal {
	return &Journal{tm: tm}
}

const schema = `
CREATE TABLE IF NOT EXISTS closed_trades (
	id          BIGSERIAL PRIMARY KEY,
	symbol      TEXT             NOT NULL,
	direction   TEXT             NOT NULL,
	qty         DOUBLE PRECISION NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	exit_price  DOUBLE PRECISION NOT NULL,
	pnl_pct     DOUBLE PRECISION NOT NULL,
	closed_by   TEXT             NOT NULL DEFAULT 'EXCHANGE',
	closed_at   TIMESTAMPTZ      NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS closed_trades_symbol_idx ON closed_trades (symbol, closed_at DESC);
`

func (j *Journal) EnsureSchema(ctx context.Context) error {
	return j.tm.RunMaster(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, schema)
		return errors.Wrap(err, "ensure closed_trades")
	})
}

// RecordClosed пишет одну закрытую сделку. closedBy различает выход по
// уровням (EXIT) и закрытие, замеченное реконсиляцией (EXCHANGE).
func (j *Journal) RecordClosed(ctx context.Context, symbol string, direction models.Direction, qty, entryPrice, exitPrice, pnl float64, closedBy string) error {
	return j.tm.RunMaster(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO closed_trades (symbol, direction, qty, entry_price, exit_price, pnl_pct, closed_by)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			symbol, string(direction), qty, entryPrice, exitPrice, pnl, closedBy)
		return errors.Wrap(err, "insert closed trade")
	})
}

// ClosedTrade — строка журнала.
type ClosedTrade struct {
	Symbol     string
	Direction  models.Direction
	Qty        float64
	EntryPrice float64
	ExitPrice  float64
	PnlPct     float64
	ClosedBy   string
	ClosedAt   time.Time
}

// Recent — последние закрытые сделки, свежие вперёд.
func (j *Journal) Recent(ctx context.Context, limit int) ([]ClosedTrade, error) {
	var out []ClosedTrade
	err := j.tm.RunMaster(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT symbol, direction, qty, entry_price, exit_price, pnl_pct, closed_by, closed_at
			 FROM closed_trades
			 ORDER BY closed_at DESC
			 LIMIT $1`,
			limit)
		if err != nil {
			return errors.Wrap(err, "query recent trades")
		}
		defer rows.Close()
		for rows.Next() {
			var t ClosedTrade
			var dir string
			if err := rows.Scan(&t.Symbol, &dir, &t.Qty, &t.EntryPrice, &t.ExitPrice, &t.PnlPct, &t.ClosedBy, &t.ClosedAt); err != nil {
				return errors.Wrap(err, "scan closed trade")
			}
			t.Direction = models.Direction(dir)
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

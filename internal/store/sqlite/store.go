// Package sqlite persists klines, trades, positions, and bot state in a
// single SQLite database. All mutations are funneled through a FIFO write
// queue (queue.go) so one transaction is in flight at a time; reads go
// straight to the database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"squeezebotv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// RetentionCaps is the per-interval kline retention limit, finest granularity
// keeping the most history.
var RetentionCaps = map[string]int{
	model.Interval1m:  1000,
	model.Interval5m:  500,
	model.Interval15m: 400,
	model.Interval1h:  300,
	model.Interval4h:  200,
	model.Interval1d:  100,
}

const defaultKlineLimit = 201

// Config configures the SQLite store.
type Config struct {
	Path        string // database file, e.g. "data/klines.sqlite"
	QueueBuffer int
}

// Store is the durable backing store with a single-writer queue.
type Store struct {
	db    *sql.DB
	queue *Queue

	// OnCommit, when set, observes write transaction durations.
	OnCommit func(d time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Queue returns the write queue, for wiring the depth gauge.
func (s *Store) Queue() *Queue { return s.queue }

// New opens the database in WAL mode, creates the schema, and starts the
// write queue.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single connection: the write queue is the only writer and SQLite
	// serializes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.Path)
	return &Store{db: db, queue: NewQueue(cfg.QueueBuffer)}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS klines (
			symbol     TEXT    NOT NULL,
			interval   TEXT    NOT NULL,
			open_time  INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL    NOT NULL,
			close_time INTEGER NOT NULL,
			PRIMARY KEY (symbol, interval, open_time)
		);

		CREATE TABLE IF NOT EXISTS trade_history (
			id               INTEGER PRIMARY KEY,
			mode             TEXT NOT NULL,
			symbol           TEXT NOT NULL,
			side             TEXT NOT NULL,
			entry_price      REAL NOT NULL,
			exit_price       REAL,
			quantity         REAL NOT NULL,
			initial_quantity REAL NOT NULL,
			stop_loss        REAL NOT NULL,
			take_profit      REAL NOT NULL,
			entry_time       TEXT NOT NULL,
			exit_time        TEXT,
			pnl              REAL,
			pnl_pct          REAL,
			status           TEXT NOT NULL,
			strategy         TEXT,
			entry_snapshot   TEXT
		);

		CREATE TABLE IF NOT EXISTS active_positions (
			id   INTEGER PRIMARY KEY,
			data TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS bot_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

// Close drains the write queue and closes the database.
func (s *Store) Close() error {
	s.queue.Close()
	return s.db.Close()
}

// ── Klines ──

// SaveKlines upserts candles for (symbol, interval) and prunes rows past the
// interval's retention cap, all inside one queued transaction. Readers never
// observe a partial bulk insert; on failure the transaction rolls back.
func (s *Store) SaveKlines(ctx context.Context, symbol, interval string, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	return s.queue.Do(ctx, "save_klines", func() error {
		start := time.Now()
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}

		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO klines (symbol, interval, open_time, open, high, low, close, volume, close_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			tx.Rollback()
			return err
		}
		defer stmt.Close()

		for _, c := range candles {
			if _, err := stmt.Exec(symbol, interval, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.CloseTime); err != nil {
				tx.Rollback()
				return fmt.Errorf("kline insert %s %s: %w", symbol, interval, err)
			}
		}

		if cap, ok := RetentionCaps[interval]; ok {
			_, err = tx.Exec(`
				DELETE FROM klines
				WHERE rowid IN (
					SELECT rowid FROM klines
					WHERE symbol = ? AND interval = ?
					ORDER BY open_time DESC
					LIMIT -1 OFFSET ?
				)
			`, symbol, interval, cap)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("kline prune %s %s: %w", symbol, interval, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		if s.OnCommit != nil {
			s.OnCommit(time.Since(start))
		}
		return nil
	})
}

// GetKlines returns the most recent limit candles in ascending open-time
// order. limit <= 0 selects the interval's retention cap.
func (s *Store) GetKlines(symbol, interval string, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		if cap, ok := RetentionCaps[interval]; ok {
			limit = cap
		} else {
			limit = defaultKlineLimit
		}
	}

	rows, err := s.db.Query(`
		SELECT open_time, open, high, low, close, volume, close_time
		FROM klines
		WHERE symbol = ? AND interval = ?
		ORDER BY open_time DESC
		LIMIT ?
	`, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.CloseTime); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first; callers want oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LatestKlineTime returns the newest stored open time for (symbol, interval),
// 0 if no candles exist.
func (s *Store) LatestKlineTime(symbol, interval string) (int64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(open_time) FROM klines WHERE symbol = ? AND interval = ?`,
		symbol, interval,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// ── Trade history ──

// SaveTrade upserts one closed trade record.
func (s *Store) SaveTrade(ctx context.Context, trade model.Position) error {
	return s.queue.Do(ctx, "save_trade", func() error {
		var snapshot []byte
		if trade.EntrySnapshot != nil {
			snapshot, _ = json.Marshal(trade.EntrySnapshot)
		}
		_, err := s.db.Exec(`
			INSERT OR REPLACE INTO trade_history (
				id, mode, symbol, side, entry_price, exit_price, quantity, initial_quantity,
				stop_loss, take_profit, entry_time, exit_time, pnl, pnl_pct, status, strategy, entry_snapshot
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, trade.ID, trade.Mode, trade.Symbol, trade.Side, trade.EntryPrice, trade.ExitPrice,
			trade.Quantity, trade.InitialQuantity, trade.StopLoss, trade.TakeProfit, trade.EntryTime,
			trade.ExitTime, trade.PnL, trade.PnLPct, trade.Status, trade.Strategy, string(snapshot))
		return err
	})
}

// TradeHistory returns all closed trades, newest entry first.
func (s *Store) TradeHistory() ([]model.Position, error) {
	rows, err := s.db.Query(`
		SELECT id, mode, symbol, side, entry_price, COALESCE(exit_price, 0), quantity, initial_quantity,
		       stop_loss, take_profit, entry_time, COALESCE(exit_time, ''), COALESCE(pnl, 0),
		       COALESCE(pnl_pct, 0), status, COALESCE(strategy, ''), COALESCE(entry_snapshot, '')
		FROM trade_history ORDER BY entry_time DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var t model.Position
		var snapshot string
		if err := rows.Scan(&t.ID, &t.Mode, &t.Symbol, &t.Side, &t.EntryPrice, &t.ExitPrice,
			&t.Quantity, &t.InitialQuantity, &t.StopLoss, &t.TakeProfit, &t.EntryTime,
			&t.ExitTime, &t.PnL, &t.PnLPct, &t.Status, &t.Strategy, &snapshot); err != nil {
			return nil, err
		}
		if snapshot != "" {
			var p model.ScannedPair
			if json.Unmarshal([]byte(snapshot), &p) == nil {
				t.EntrySnapshot = &p
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClearTradeHistory deletes all closed trades.
func (s *Store) ClearTradeHistory(ctx context.Context) error {
	return s.queue.Do(ctx, "clear_trade_history", func() error {
		_, err := s.db.Exec(`DELETE FROM trade_history`)
		return err
	})
}

// ── Active positions ──

// SaveActivePositions replaces the open-position snapshot atomically.
func (s *Store) SaveActivePositions(ctx context.Context, positions []model.Position) error {
	return s.queue.Do(ctx, "save_positions", func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM active_positions`); err != nil {
			tx.Rollback()
			return err
		}
		stmt, err := tx.Prepare(`INSERT INTO active_positions (id, data) VALUES (?, ?)`)
		if err != nil {
			tx.Rollback()
			return err
		}
		defer stmt.Close()
		for _, pos := range positions {
			data, err := json.Marshal(pos)
			if err != nil {
				tx.Rollback()
				return err
			}
			if _, err := stmt.Exec(pos.ID, string(data)); err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

// LoadActivePositions returns the persisted open positions.
func (s *Store) LoadActivePositions() ([]model.Position, error) {
	rows, err := s.db.Query(`SELECT data FROM active_positions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var pos model.Position
		if err := json.Unmarshal([]byte(data), &pos); err != nil {
			log.Printf("[sqlite] skipping corrupt position row: %v", err)
			continue
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// ClearActivePositions deletes the open-position snapshot.
func (s *Store) ClearActivePositions(ctx context.Context) error {
	return s.queue.Do(ctx, "clear_positions", func() error {
		_, err := s.db.Exec(`DELETE FROM active_positions`)
		return err
	})
}

// ── Bot state ──

// SaveBotState upserts key-value bot state entries.
func (s *Store) SaveBotState(ctx context.Context, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	return s.queue.Do(ctx, "save_bot_state", func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		stmt, err := tx.Prepare(`INSERT OR REPLACE INTO bot_state (key, value) VALUES (?, ?)`)
		if err != nil {
			tx.Rollback()
			return err
		}
		defer stmt.Close()
		for k, v := range kv {
			if _, err := stmt.Exec(k, v); err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

// LoadBotState returns all persisted bot state entries.
func (s *Store) LoadBotState() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM bot_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

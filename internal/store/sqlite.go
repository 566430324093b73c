package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"divetrader/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ LedgerStore = (*SQLiteStore)(nil)
var _ EventStore = (*SQLiteStore)(nil)
var _ domain.EventSink = (*SQLiteStore)(nil)

// SQLiteStore implements LedgerStore and EventStore backed by a SQLite
// database. It is also an EventSink, so the pipeline can write decision
// events straight into it.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id           TEXT PRIMARY KEY,
		strategy_id  TEXT NOT NULL,
		position_id  TEXT NOT NULL,
		symbol       TEXT NOT NULL,
		side         TEXT NOT NULL,
		qty          REAL NOT NULL,
		price        REAL NOT NULL,
		fee          REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		opened_at    TEXT NOT NULL,
		closed_at    TEXT NOT NULL,
		reason       TEXT NOT NULL,
		seq          INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS trades_strategy ON trades (strategy_id, seq)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id                TEXT PRIMARY KEY,
		strategy_id       TEXT NOT NULL,
		symbol            TEXT NOT NULL,
		entry_price       REAL NOT NULL,
		qty               REAL NOT NULL,
		entry_fee         REAL NOT NULL,
		opened_at         TEXT NOT NULL,
		take_profit_price REAL NOT NULL,
		stop_loss_price   REAL NOT NULL,
		status            TEXT NOT NULL,
		exit_reason       TEXT NOT NULL DEFAULT '',
		exit_price        REAL NOT NULL DEFAULT 0,
		closed_at         TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS positions_strategy ON positions (strategy_id, status)`,
	`CREATE TABLE IF NOT EXISTS equity (
		strategy_id    TEXT NOT NULL,
		ts             TEXT NOT NULL,
		cash           REAL NOT NULL,
		holdings_value REAL NOT NULL,
		total_value    REAL NOT NULL,
		PRIMARY KEY (strategy_id, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ts          TEXT NOT NULL,
		level       TEXT NOT NULL,
		type        TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		message     TEXT NOT NULL,
		fields      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_strategy ON events (strategy_id, id)`,
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// tables and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
		}
	}
	return &SQLiteStore{
		db:  db,
		log: slog.Default().With("component", "sqlite"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// ---------------------------------------------------------------------------
// LedgerStore implementation
// ---------------------------------------------------------------------------

// SaveTrade inserts a ledger trade, replacing one with the same ID.
func (s *SQLiteStore) SaveTrade(ctx context.Context, t domain.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trades
			(id, strategy_id, position_id, symbol, side, qty, price, fee, realized_pnl, opened_at, closed_at, reason, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM trades))`,
		t.ID, t.StrategyID, t.PositionID, t.Symbol, string(t.Side), t.Qty, t.Price, t.Fee,
		t.RealizedPnL, formatTime(t.OpenedAt), formatTime(t.ClosedAt), string(t.Reason))
	if err != nil {
		return fmt.Errorf("saving trade %s: %w", t.ID, err)
	}
	return nil
}

// ListTrades returns a strategy's ledger in insertion order.
func (s *SQLiteStore) ListTrades(ctx context.Context, strategyID string) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, position_id, symbol, side, qty, price, fee, realized_pnl, opened_at, closed_at, reason
		FROM trades WHERE strategy_id = ? ORDER BY seq`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("listing trades: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var (
			t              domain.Trade
			side, reason   string
			opened, closed string
		)
		if err := rows.Scan(&t.ID, &t.StrategyID, &t.PositionID, &t.Symbol, &side, &t.Qty, &t.Price,
			&t.Fee, &t.RealizedPnL, &opened, &closed, &reason); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		t.Side = domain.Side(side)
		t.Reason = domain.TradeReason(reason)
		if t.OpenedAt, err = parseTime(opened); err != nil {
			return nil, err
		}
		if t.ClosedAt, err = parseTime(closed); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SavePosition inserts or updates a position by ID.
func (s *SQLiteStore) SavePosition(ctx context.Context, p domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO positions
			(id, strategy_id, symbol, entry_price, qty, entry_fee, opened_at, take_profit_price,
			 stop_loss_price, status, exit_reason, exit_price, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.StrategyID, p.Symbol, p.EntryPrice, p.Qty, p.EntryFee, formatTime(p.OpenedAt),
		p.TakeProfitPrice, p.StopLossPrice, string(p.Status), string(p.ExitReason), p.ExitPrice,
		formatTime(p.ClosedAt))
	if err != nil {
		return fmt.Errorf("saving position %s: %w", p.ID, err)
	}
	return nil
}

// ListPositions returns a strategy's positions ordered by open time.
func (s *SQLiteStore) ListPositions(ctx context.Context, strategyID string, status domain.PositionStatus) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, symbol, entry_price, qty, entry_fee, opened_at, take_profit_price,
		       stop_loss_price, status, exit_reason, exit_price, closed_at
		FROM positions
		WHERE strategy_id = ? AND (? = '' OR status = ?)
		ORDER BY opened_at, id`, strategyID, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var (
			p              domain.Position
			status, reason string
			opened, closed string
		)
		if err := rows.Scan(&p.ID, &p.StrategyID, &p.Symbol, &p.EntryPrice, &p.Qty, &p.EntryFee, &opened,
			&p.TakeProfitPrice, &p.StopLossPrice, &status, &reason, &p.ExitPrice, &closed); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		p.Status = domain.PositionStatus(status)
		p.ExitReason = domain.TradeReason(reason)
		if p.OpenedAt, err = parseTime(opened); err != nil {
			return nil, err
		}
		if p.ClosedAt, err = parseTime(closed); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveEquityPoint records one valuation. A second point at the same
// timestamp replaces the first.
func (s *SQLiteStore) SaveEquityPoint(ctx context.Context, strategyID string, p domain.EquityPoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO equity (strategy_id, ts, cash, holdings_value, total_value)
		VALUES (?, ?, ?, ?, ?)`,
		strategyID, formatTime(p.Timestamp), p.Cash, p.HoldingsValue, p.TotalValue)
	if err != nil {
		return fmt.Errorf("saving equity point: %w", err)
	}
	return nil
}

// ListEquity returns a strategy's equity curve in time order.
func (s *SQLiteStore) ListEquity(ctx context.Context, strategyID string) ([]domain.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, cash, holdings_value, total_value
		FROM equity WHERE strategy_id = ? ORDER BY ts`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("listing equity: %w", err)
	}
	defer rows.Close()

	var out []domain.EquityPoint
	for rows.Next() {
		var (
			p  domain.EquityPoint
			ts string
		)
		if err := rows.Scan(&ts, &p.Cash, &p.HoldingsValue, &p.TotalValue); err != nil {
			return nil, fmt.Errorf("scanning equity point: %w", err)
		}
		if p.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// EventStore implementation
// ---------------------------------------------------------------------------

// SaveEvent inserts a decision event.
func (s *SQLiteStore) SaveEvent(ctx context.Context, ev domain.Event) error {
	fields, err := json.Marshal(ev.Fields)
	if err != nil {
		return fmt.Errorf("encoding event fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (ts, level, type, strategy_id, symbol, message, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(ev.Timestamp), string(ev.Level), ev.Type, ev.StrategyID, ev.Symbol, ev.Message, string(fields))
	if err != nil {
		return fmt.Errorf("saving %s event: %w", ev.Type, err)
	}
	return nil
}

// ListEvents returns the most recent events for a strategy, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, strategyID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, level, type, strategy_id, symbol, message, fields
		FROM events WHERE strategy_id = ? ORDER BY id DESC LIMIT ?`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			ev        domain.Event
			ts, level string
			fields    string
		)
		if err := rows.Scan(&ts, &level, &ev.Type, &ev.StrategyID, &ev.Symbol, &ev.Message, &fields); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Level = domain.EventLevel(level)
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if fields != "" && fields != "null" {
			if err := json.Unmarshal([]byte(fields), &ev.Fields); err != nil {
				return nil, fmt.Errorf("decoding event fields: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Emit saves ev, logging instead of failing when the write does not succeed.
func (s *SQLiteStore) Emit(ctx context.Context, ev domain.Event) {
	if err := s.SaveEvent(ctx, ev); err != nil {
		s.log.Error("dropping event", "type", ev.Type, "error", err)
	}
}

// Package store defines storage interfaces for persisting and retrieving
// domain objects: historical bars, the trade ledger, positions, equity
// curves and decision events.
package store

import (
	"context"
	"time"

	"divetrader/internal/domain"
)

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars of one interval under market.
	WriteBars(ctx context.Context, market domain.Market, interval time.Duration, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol, market and interval within
	// [start, end].
	ReadBars(ctx context.Context, symbol string, market domain.Market, interval time.Duration, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market
	// and interval.
	ListSymbols(ctx context.Context, market domain.Market, interval time.Duration) ([]string, error)
}

// LedgerStore persists the output of a strategy instance.
type LedgerStore interface {
	// SaveTrade appends a ledger trade. Saving the same ID twice replaces it.
	SaveTrade(ctx context.Context, t domain.Trade) error

	// SavePosition inserts or updates a position by ID.
	SavePosition(ctx context.Context, p domain.Position) error

	// SaveEquityPoint appends one valuation of a strategy.
	SaveEquityPoint(ctx context.Context, strategyID string, p domain.EquityPoint) error

	// ListTrades returns a strategy's ledger in insertion order.
	ListTrades(ctx context.Context, strategyID string) ([]domain.Trade, error)

	// ListPositions returns a strategy's positions with the given status, or
	// all of them when status is empty.
	ListPositions(ctx context.Context, strategyID string, status domain.PositionStatus) ([]domain.Position, error)

	// ListEquity returns a strategy's equity curve in time order.
	ListEquity(ctx context.Context, strategyID string) ([]domain.EquityPoint, error)
}

// EventStore persists decision events.
type EventStore interface {
	// SaveEvent inserts an event.
	SaveEvent(ctx context.Context, ev domain.Event) error

	// ListEvents returns the most recent events for a strategy, newest
	// first, up to limit.
	ListEvents(ctx context.Context, strategyID string, limit int) ([]domain.Event, error)
}

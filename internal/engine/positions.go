package engine

import (
	"fmt"
	"math"
	"time"

	"divetrader/internal/domain"
)

const qtyEpsilon = 1e-9

// BookConfig configures a PositionBook. TakeProfitPct and StopLossPct are
// fractions (0.002 is 0.2%); zero disables that exit.
type BookConfig struct {
	MaxPositions  int
	TakeProfitPct float64
	StopLossPct   float64
	// Accumulate adds buys on an already-held symbol to its open position
	// instead of opening another one.
	Accumulate bool
}

// Validate checks the book limits.
func (c BookConfig) Validate() error {
	if c.MaxPositions < 1 {
		return fmt.Errorf("%w: max positions %d must be >= 1", domain.ErrInvalidConfig, c.MaxPositions)
	}
	if c.TakeProfitPct < 0 || c.TakeProfitPct >= 1 || c.StopLossPct < 0 || c.StopLossPct >= 1 {
		return fmt.Errorf("%w: take-profit and stop-loss must be fractions in [0,1)", domain.ErrInvalidConfig)
	}
	return nil
}

// ExitIntent is a pending close decided by CheckExits.
type ExitIntent struct {
	PositionID string
	Symbol     string
	Qty        float64
	Price      float64
	Reason     domain.TradeReason
}

// PositionBook owns the open and closed positions of one strategy instance.
// It is the only code that mutates a Position and enforces the open-position
// limit. Not safe for concurrent use; the owning Instance serializes access.
type PositionBook struct {
	cfg        BookConfig
	strategyID string
	ids        IDGenerator

	open   []*domain.Position
	closed []domain.Position
}

// NewPositionBook validates cfg and returns an empty book.
func NewPositionBook(strategyID string, cfg BookConfig, ids IDGenerator) (*PositionBook, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ids == nil {
		ids = UUIDs{}
	}
	return &PositionBook{cfg: cfg, strategyID: strategyID, ids: ids}, nil
}

// OpenCount returns the number of open positions.
func (b *PositionBook) OpenCount() int {
	return len(b.open)
}

// MaxPositions returns the open-position limit.
func (b *PositionBook) MaxPositions() int {
	return b.cfg.MaxPositions
}

// CanOpen reports whether a buy on symbol would be admitted.
func (b *PositionBook) CanOpen(symbol string) bool {
	if b.cfg.Accumulate && b.find(symbol) != nil {
		return true
	}
	return len(b.open) < b.cfg.MaxPositions
}

// Open records a filled buy. In accumulate mode a buy on a held symbol is
// merged into the open position at a quantity-weighted entry price.
// It returns ErrMaxPositions when the limit is reached.
func (b *PositionBook) Open(symbol string, price, qty, fee float64, at time.Time) (domain.Position, error) {
	if qty <= 0 || price <= 0 {
		return domain.Position{}, fmt.Errorf("open %s: %w: qty %v price %v", symbol, domain.ErrOrderRejected, qty, price)
	}
	if b.cfg.Accumulate {
		if p := b.find(symbol); p != nil {
			total := p.Qty + qty
			p.EntryPrice = (p.EntryPrice*p.Qty + price*qty) / total
			p.Qty = total
			p.EntryFee += fee
			b.setExits(p)
			return *p, nil
		}
	}
	if len(b.open) >= b.cfg.MaxPositions {
		return domain.Position{}, fmt.Errorf("open %s: %w (%d)", symbol, domain.ErrMaxPositions, b.cfg.MaxPositions)
	}
	p := &domain.Position{
		ID:         b.ids.NewID("pos"),
		StrategyID: b.strategyID,
		Symbol:     symbol,
		EntryPrice: price,
		Qty:        qty,
		EntryFee:   fee,
		OpenedAt:   at,
		Status:     domain.PositionOpen,
	}
	b.setExits(p)
	b.open = append(b.open, p)
	return *p, nil
}

// ExitLevels returns the take-profit and stop-loss prices for an entry at
// price. Disabled exits are zero.
func (b *PositionBook) ExitLevels(price float64) (tp, sl float64) {
	if b.cfg.TakeProfitPct > 0 {
		tp = price * (1 + b.cfg.TakeProfitPct)
	}
	if b.cfg.StopLossPct > 0 {
		sl = price * (1 - b.cfg.StopLossPct)
	}
	return tp, sl
}

func (b *PositionBook) setExits(p *domain.Position) {
	p.TakeProfitPrice, p.StopLossPrice = b.ExitLevels(p.EntryPrice)
}

// CheckExits returns the exits triggered by bar, in the order the positions
// were opened. Stop-loss is tested before take-profit, so a bar whose range
// crosses both closes at the stop. A bar that gaps through a level fills at
// its open.
func (b *PositionBook) CheckExits(bar domain.Bar) []ExitIntent {
	var out []ExitIntent
	for _, p := range b.open {
		if p.Symbol != bar.Symbol {
			continue
		}
		switch {
		case p.StopLossPrice > 0 && bar.Low <= p.StopLossPrice:
			out = append(out, ExitIntent{
				PositionID: p.ID,
				Symbol:     p.Symbol,
				Qty:        p.Qty,
				Price:      math.Min(bar.Open, p.StopLossPrice),
				Reason:     domain.ReasonStopLoss,
			})
		case p.TakeProfitPrice > 0 && bar.High >= p.TakeProfitPrice:
			out = append(out, ExitIntent{
				PositionID: p.ID,
				Symbol:     p.Symbol,
				Qty:        p.Qty,
				Price:      math.Max(bar.Open, p.TakeProfitPrice),
				Reason:     domain.ReasonTakeProfit,
			})
		}
	}
	return out
}

// ManualExits returns a manual exit for every open position at its mark, or
// at its entry price when the symbol has no mark.
func (b *PositionBook) ManualExits(marks map[string]float64) []ExitIntent {
	out := make([]ExitIntent, 0, len(b.open))
	for _, p := range b.open {
		price, ok := marks[p.Symbol]
		if !ok || price <= 0 {
			price = p.EntryPrice
		}
		out = append(out, ExitIntent{
			PositionID: p.ID,
			Symbol:     p.Symbol,
			Qty:        p.Qty,
			Price:      price,
			Reason:     domain.ReasonManual,
		})
	}
	return out
}

// SymbolExits returns manual exits for the open positions on symbol.
func (b *PositionBook) SymbolExits(symbol string, price float64) []ExitIntent {
	var out []ExitIntent
	for _, p := range b.open {
		if p.Symbol == symbol {
			out = append(out, ExitIntent{
				PositionID: p.ID,
				Symbol:     symbol,
				Qty:        p.Qty,
				Price:      price,
				Reason:     domain.ReasonManual,
			})
		}
	}
	return out
}

// Close closes position id at price and returns its single ledger trade.
func (b *PositionBook) Close(id string, price, fee float64, reason domain.TradeReason, at time.Time) (domain.Trade, error) {
	idx := b.index(id)
	if idx < 0 {
		return domain.Trade{}, fmt.Errorf("close %s: %w", id, domain.ErrPositionNotOpen)
	}
	p := b.open[idx]
	trade := domain.Trade{
		ID:          b.ids.NewID("trade"),
		StrategyID:  b.strategyID,
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Side:        domain.SideSell,
		Qty:         p.Qty,
		Price:       price,
		Fee:         fee,
		RealizedPnL: (price-p.EntryPrice)*p.Qty - p.EntryFee - fee,
		OpenedAt:    p.OpenedAt,
		ClosedAt:    at,
		Reason:      reason,
	}

	p.Status = domain.PositionClosed
	p.ExitReason = reason
	p.ExitPrice = price
	p.ClosedAt = at
	b.closed = append(b.closed, *p)
	b.open = append(b.open[:idx], b.open[idx+1:]...)
	return trade, nil
}

// Reduce sells qty of symbol across its open positions, oldest first. Each
// touched position yields one trade carrying its prorated entry fee; a
// position reduced to zero is closed. The quantity actually sold may be less
// than qty when less is held.
func (b *PositionBook) Reduce(symbol string, qty, price, fee float64, reason domain.TradeReason, at time.Time) ([]domain.Trade, error) {
	held := b.Qty(symbol)
	if held <= qtyEpsilon {
		return nil, fmt.Errorf("reduce %s: %w", symbol, domain.ErrPositionNotOpen)
	}
	if qty > held {
		qty = held
	}
	remaining := qty
	var trades []domain.Trade
	for i := 0; i < len(b.open) && remaining > qtyEpsilon; {
		p := b.open[i]
		if p.Symbol != symbol {
			i++
			continue
		}
		part := math.Min(remaining, p.Qty)
		partFee := fee * part / qty
		if part >= p.Qty-qtyEpsilon {
			t, err := b.Close(p.ID, price, partFee, reason, at)
			if err != nil {
				return trades, err
			}
			trades = append(trades, t)
			remaining -= part
			continue
		}
		entryFee := p.EntryFee * part / p.Qty
		trades = append(trades, domain.Trade{
			ID:          b.ids.NewID("trade"),
			StrategyID:  b.strategyID,
			PositionID:  p.ID,
			Symbol:      symbol,
			Side:        domain.SideSell,
			Qty:         part,
			Price:       price,
			Fee:         partFee,
			RealizedPnL: (price-p.EntryPrice)*part - entryFee - partFee,
			OpenedAt:    p.OpenedAt,
			ClosedAt:    at,
			Reason:      reason,
		})
		p.Qty -= part
		p.EntryFee -= entryFee
		remaining -= part
		i++
	}
	return trades, nil
}

// Get returns a copy of the open position with id.
func (b *PositionBook) Get(id string) (domain.Position, bool) {
	if i := b.index(id); i >= 0 {
		return *b.open[i], true
	}
	return domain.Position{}, false
}

// HasOpen reports whether symbol has an open position.
func (b *PositionBook) HasOpen(symbol string) bool {
	return b.find(symbol) != nil
}

// Qty returns the total open quantity on symbol.
func (b *PositionBook) Qty(symbol string) float64 {
	var q float64
	for _, p := range b.open {
		if p.Symbol == symbol {
			q += p.Qty
		}
	}
	return q
}

// OpenPositions returns copies of the open positions in the order they were
// opened.
func (b *PositionBook) OpenPositions() []domain.Position {
	out := make([]domain.Position, len(b.open))
	for i, p := range b.open {
		out[i] = *p
	}
	return out
}

// Closed returns the closed positions in the order they closed.
func (b *PositionBook) Closed() []domain.Position {
	return append([]domain.Position(nil), b.closed...)
}

// Holdings maps each held symbol to its market value at marks. Symbols
// without a mark are valued at entry.
func (b *PositionBook) Holdings(marks map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	for _, p := range b.open {
		price, ok := marks[p.Symbol]
		if !ok || price <= 0 {
			price = p.EntryPrice
		}
		out[p.Symbol] += p.MarketValue(price)
	}
	return out
}

// MarketValue is the total value of open positions at marks. Positions are
// summed in open order so the result is reproducible.
func (b *PositionBook) MarketValue(marks map[string]float64) float64 {
	var total float64
	for _, p := range b.open {
		price, ok := marks[p.Symbol]
		if !ok || price <= 0 {
			price = p.EntryPrice
		}
		total += p.MarketValue(price)
	}
	return total
}

func (b *PositionBook) find(symbol string) *domain.Position {
	for _, p := range b.open {
		if p.Symbol == symbol {
			return p
		}
	}
	return nil
}

func (b *PositionBook) index(id string) int {
	for i, p := range b.open {
		if p.ID == id {
			return i
		}
	}
	return -1
}

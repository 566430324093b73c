package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"divetrader/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorOptions configures simulated execution costs.
type SimulatorOptions struct {
	FeeBps      float64
	SlippageBps float64
	Cash        float64
}

// SimulatorBroker implements the Broker interface for paper trading and
// backtesting. Orders fill instantly at their reference price adjusted for
// slippage, and positions are tracked in memory. It never reads the wall
// clock, so identical order streams produce identical fills.
type SimulatorBroker struct {
	mu        sync.Mutex
	opts      SimulatorOptions
	cash      float64
	positions map[string]*domain.Position
	marks     map[string]float64
	orders    map[string]*domain.Order
}

// NewSimulatorBroker creates a SimulatorBroker with empty position and order
// maps.
func NewSimulatorBroker(opts SimulatorOptions) *SimulatorBroker {
	return &SimulatorBroker{
		opts:      opts,
		cash:      opts.Cash,
		positions: make(map[string]*domain.Position),
		marks:     make(map[string]float64),
		orders:    make(map[string]*domain.Order),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// FillPrice returns the slippage-adjusted execution price for side at ref.
func (b *SimulatorBroker) FillPrice(side domain.Side, ref float64) float64 {
	slip := b.opts.SlippageBps / 10_000
	if side == domain.SideBuy {
		return ref * (1 + slip)
	}
	return ref * (1 - slip)
}

// Fee returns the commission charged on notional.
func (b *SimulatorBroker) Fee(notional float64) float64 {
	return notional * b.opts.FeeBps / 10_000
}

// SubmitOrder fills the order at once. Limit orders that the reference price
// does not reach stay accepted and unfilled.
func (b *SimulatorBroker) SubmitOrder(_ context.Context, order *domain.Order) (*domain.Order, error) {
	if order.RefPrice <= 0 && order.LimitPrice <= 0 {
		return nil, fmt.Errorf("%w: %s order for %s has no reference price", domain.ErrOrderRejected, order.Side, order.Symbol)
	}
	if order.Qty <= 0 && order.Notional <= 0 {
		return nil, fmt.Errorf("%w: %s order for %s has no quantity", domain.ErrOrderRejected, order.Side, order.Symbol)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	filled := *order
	filled.UpdatedAt = order.CreatedAt

	ref := order.RefPrice
	if ref <= 0 {
		ref = order.LimitPrice
	}
	price := b.FillPrice(order.Side, ref)
	if order.Type == domain.OrderTypeLimit && order.LimitPrice > 0 {
		crossed := (order.Side == domain.SideBuy && price <= order.LimitPrice) ||
			(order.Side == domain.SideSell && price >= order.LimitPrice)
		if !crossed {
			filled.Status = domain.OrderStatusAccepted
			b.orders[filled.ID] = &filled
			out := filled
			return &out, nil
		}
	}

	qty := order.Qty
	if qty <= 0 {
		qty = order.Notional / price
	}
	if order.Side == domain.SideSell {
		held := 0.0
		if p, ok := b.positions[order.Symbol]; ok {
			held = p.Qty
		}
		if qty > held+1e-9 {
			return nil, fmt.Errorf("%w: sell %v %s exceeds held %v", domain.ErrOrderRejected, qty, order.Symbol, held)
		}
	}

	fee := b.Fee(qty * price)
	filled.Status = domain.OrderStatusFilled
	filled.FilledQty = qty
	filled.FilledAvgPrice = price
	filled.Fee = fee

	b.apply(order.Symbol, order.Side, qty, price, fee)
	b.orders[filled.ID] = &filled

	out := filled
	return &out, nil
}

func (b *SimulatorBroker) apply(symbol string, side domain.Side, qty, price, fee float64) {
	b.marks[symbol] = price
	p, ok := b.positions[symbol]
	switch side {
	case domain.SideBuy:
		b.cash -= qty*price + fee
		if !ok {
			b.positions[symbol] = &domain.Position{
				Symbol:     symbol,
				EntryPrice: price,
				Qty:        qty,
				Status:     domain.PositionOpen,
			}
			return
		}
		total := p.Qty + qty
		p.EntryPrice = (p.EntryPrice*p.Qty + price*qty) / total
		p.Qty = total
	case domain.SideSell:
		b.cash += qty*price - fee
		if ok {
			p.Qty -= qty
			if p.Qty <= 1e-9 {
				delete(b.positions, symbol)
			}
		}
	}
}

// CancelOrder marks the specified order as cancelled if it has not filled.
func (b *SimulatorBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", orderID, domain.ErrNotFound)
	}
	if o.Status == domain.OrderStatusFilled {
		return fmt.Errorf("cancel %s: %w: already filled", orderID, domain.ErrOrderRejected)
	}
	o.Status = domain.OrderStatusCancelled
	return nil
}

// GetPositions returns all simulated positions sorted by symbol.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	positions := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// GetAccount returns simulated balances with holdings marked at the last fill
// price per symbol.
func (b *SimulatorBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.cash
	for sym, p := range b.positions {
		equity += p.Qty * b.marks[sym]
	}
	return &domain.AccountInfo{
		Cash:           b.cash,
		Equity:         equity,
		BuyingPower:    b.cash,
		PortfolioValue: equity,
	}, nil
}

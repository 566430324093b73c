// Package domain defines the core value types shared by every divetrader
// component: bars, signals, positions, ledger trades, orders and equity points.
package domain

import "time"

// Market identifies the venue a symbol trades on. It selects the trading
// calendar and the market-data endpoint.
type Market string

const (
	MarketUS     Market = "us"
	MarketCrypto Market = "crypto"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is a fixed-interval OHLCV price summary. Bars are immutable once
// produced and are consumed in timestamp order.
type Bar struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	TradeCount int64     `json:"trade_count,omitempty"`
	VWAP       float64   `json:"vwap,omitempty"`
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// Direction is the action a signal asks for.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
	DirectionHold Direction = "hold"
)

// SignalSource records which input produced a signal.
type SignalSource string

const (
	SourceTechnical SignalSource = "technical"
	SourceAdvisory  SignalSource = "advisory"
	SourceCombined  SignalSource = "combined"
)

// Intent tells the pipeline how an accepted signal changes the position set.
// The zero value derives the intent from the direction: buy opens a new
// position, sell closes every open position on the symbol.
type Intent string

const (
	IntentEntry        Intent = "entry"
	IntentExit         Intent = "exit"
	IntentContribution Intent = "contribution"
	IntentRebalance    Intent = "rebalance"
)

// Signal is a single trade decision produced for one symbol at one bar.
// Qty and Notional are optional sizing hints; when both are zero the
// pipeline sizes the trade from its configuration.
type Signal struct {
	Symbol     string       `json:"symbol"`
	Direction  Direction    `json:"direction"`
	Confidence float64      `json:"confidence"`
	Source     SignalSource `json:"source"`
	Intent     Intent       `json:"intent,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Price      float64      `json:"price"`
	Qty        float64      `json:"qty,omitempty"`
	Notional   float64      `json:"notional,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Hold returns a hold signal for symbol at ts.
func Hold(symbol string, ts time.Time, source SignalSource, reason string) Signal {
	return Signal{
		Symbol:    symbol,
		Direction: DirectionHold,
		Source:    source,
		Reason:    reason,
		Timestamp: ts,
	}
}

// EffectiveIntent resolves the zero intent from the direction.
func (s Signal) EffectiveIntent() Intent {
	if s.Intent != "" {
		return s.Intent
	}
	if s.Direction == DirectionSell {
		return IntentExit
	}
	return IntentEntry
}

// ---------------------------------------------------------------------------
// Positions and ledger
// ---------------------------------------------------------------------------

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// TradeReason explains why a ledger trade was written. The first three are
// the only exit reasons a position can close with.
type TradeReason string

const (
	ReasonTakeProfit   TradeReason = "take_profit"
	ReasonStopLoss     TradeReason = "stop_loss"
	ReasonManual       TradeReason = "manual"
	ReasonContribution TradeReason = "contribution"
	ReasonRebalance    TradeReason = "rebalance"
)

// Position is a long holding opened by an accepted buy. Only the position
// book mutates it.
type Position struct {
	ID              string         `json:"id"`
	StrategyID      string         `json:"strategy_id"`
	Symbol          string         `json:"symbol"`
	EntryPrice      float64        `json:"entry_price"`
	Qty             float64        `json:"qty"`
	EntryFee        float64        `json:"entry_fee"`
	OpenedAt        time.Time      `json:"opened_at"`
	TakeProfitPrice float64        `json:"take_profit_price"`
	StopLossPrice   float64        `json:"stop_loss_price"`
	Status          PositionStatus `json:"status"`
	ExitReason      TradeReason    `json:"exit_reason,omitempty"`
	ExitPrice       float64        `json:"exit_price,omitempty"`
	ClosedAt        time.Time      `json:"closed_at,omitempty"`
}

// MarketValue is the position marked at price.
func (p Position) MarketValue(price float64) float64 {
	return p.Qty * price
}

// Side is the direction of an order or ledger trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is an append-only ledger record. A sell trade is written for every
// closing transition; a buy trade is written for scheduled contributions and
// rebalancing purchases.
type Trade struct {
	ID          string      `json:"id"`
	StrategyID  string      `json:"strategy_id"`
	PositionID  string      `json:"position_id"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Qty         float64     `json:"qty"`
	Price       float64     `json:"price"`
	Fee         float64     `json:"fee"`
	RealizedPnL float64     `json:"realized_pnl"`
	OpenedAt    time.Time   `json:"opened_at"`
	ClosedAt    time.Time   `json:"closed_at"`
	Reason      TradeReason `json:"reason"`
}

// Closing reports whether the trade realized P&L by reducing a position.
func (t Trade) Closing() bool {
	return t.Side == SideSell
}

// EquityPoint is one valuation of a strategy instance: one per simulation
// step or live valuation tick.
type EquityPoint struct {
	Timestamp     time.Time `json:"timestamp"`
	Cash          float64   `json:"cash"`
	HoldingsValue float64   `json:"holdings_value"`
	TotalValue    float64   `json:"total_value"`
}

// ---------------------------------------------------------------------------
// Orders and account
// ---------------------------------------------------------------------------

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus mirrors the brokerage order states the pipeline cares about.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Order is a request to the execution collaborator. RefPrice is the price the
// pipeline decided at; the simulator fills against it, a real brokerage
// ignores it for market orders.
type Order struct {
	ID             string      `json:"id"`
	ClientOrderID  string      `json:"client_order_id,omitempty"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Type           OrderType   `json:"type"`
	Qty            float64     `json:"qty,omitempty"`
	Notional       float64     `json:"notional,omitempty"`
	LimitPrice     float64     `json:"limit_price,omitempty"`
	RefPrice       float64     `json:"ref_price,omitempty"`
	Status         OrderStatus `json:"status"`
	FilledQty      float64     `json:"filled_qty"`
	FilledAvgPrice float64     `json:"filled_avg_price"`
	Fee            float64     `json:"fee"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Filled reports whether any quantity was executed.
func (o *Order) Filled() bool {
	return o.FilledQty > 0 && (o.Status == OrderStatusFilled || o.Status == OrderStatusPartiallyFilled)
}

// AccountInfo is a snapshot of brokerage account balances.
type AccountInfo struct {
	Cash           float64 `json:"cash"`
	Equity         float64 `json:"equity"`
	BuyingPower    float64 `json:"buying_power"`
	PortfolioValue float64 `json:"portfolio_value"`
}

// Package broker defines the Broker interface and provides implementations
// for executing orders: a deterministic simulated fill for backtests and the
// Alpaca brokerage for live trading.
package broker

import (
	"context"

	"divetrader/internal/domain"
)

// Broker abstracts brokerage operations for order execution and account
// state. SubmitOrder returns the order as executed; an order that comes back
// without fills was not executed.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitOrder sends an order to the brokerage for execution.
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)

	// CancelOrder requests cancellation of an open order by its ID.
	CancelOrder(ctx context.Context, orderID string) error

	// GetPositions returns all current positions held at the brokerage.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"divetrader/internal/domain"
	"divetrader/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements the Broker interface using the Alpaca brokerage API.
// Submissions are retried with backoff; market orders are polled until they
// fill or FillTimeout elapses.
type AlpacaBroker struct {
	client       *alpaca.Client
	maxAttempts  int
	retryDelay   time.Duration
	pollInterval time.Duration
	fillTimeout  time.Duration
	log          *slog.Logger
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		maxAttempts:  3,
		retryDelay:   500 * time.Millisecond,
		pollInterval: 500 * time.Millisecond,
		fillTimeout:  15 * time.Second,
		log:          slog.Default().With("broker", "alpaca"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// SubmitOrder places the order and waits for it to reach a terminal or
// filled state.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	req, err := placeOrderRequest(order)
	if err != nil {
		return nil, err
	}

	var placed *alpaca.Order
	err = util.Retry(ctx, b.maxAttempts, b.retryDelay, func() error {
		o, perr := b.client.PlaceOrder(req)
		if perr != nil {
			if isPermanent(perr) {
				return util.Permanent(perr)
			}
			b.log.Warn("place order failed, retrying", "symbol", order.Symbol, "error", perr)
			return perr
		}
		placed = o
		return nil
	})
	if err != nil {
		if insufficientFunds(err) {
			return nil, fmt.Errorf("placing %s order for %s: %w: %w", order.Side, order.Symbol, domain.ErrInsufficientCash, err)
		}
		return nil, fmt.Errorf("placing %s order for %s: %w", order.Side, order.Symbol, err)
	}

	final, err := b.awaitFill(ctx, placed)
	if err != nil {
		return nil, err
	}
	out := fromAlpacaOrder(final)
	out.ID = order.ID
	out.RefPrice = order.RefPrice
	return out, nil
}

// awaitFill polls the order until it is filled, terminal, or the fill
// timeout passes. A timed-out order is cancelled and returned as is.
func (b *AlpacaBroker) awaitFill(ctx context.Context, o *alpaca.Order) (*alpaca.Order, error) {
	deadline := time.Now().Add(b.fillTimeout)
	for !terminal(o.Status) {
		if time.Now().After(deadline) {
			if err := b.client.CancelOrder(o.ID); err != nil {
				b.log.Warn("cancelling unfilled order", "order_id", o.ID, "error", err)
			}
			return o, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.pollInterval):
		}
		latest, err := b.client.GetOrder(o.ID)
		if err != nil {
			return nil, fmt.Errorf("polling order %s: %w", o.ID, err)
		}
		o = latest
	}
	return o, nil
}

// CancelOrder requests cancellation of an open order via the Alpaca API.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	return util.Retry(ctx, b.maxAttempts, b.retryDelay, func() error {
		if err := b.client.CancelOrder(orderID); err != nil {
			if isPermanent(err) {
				return util.Permanent(fmt.Errorf("cancel %s: %w", orderID, err))
			}
			return err
		}
		return nil
	})
}

// GetPositions returns all current positions from the Alpaca account.
func (b *AlpacaBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("GetPositions: %w", err)
	}
	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, domain.Position{
			Symbol:     p.Symbol,
			Qty:        p.Qty.InexactFloat64(),
			EntryPrice: p.AvgEntryPrice.InexactFloat64(),
			Status:     domain.PositionOpen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetAccount returns the current account information from the Alpaca API.
func (b *AlpacaBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("GetAccount: %w", err)
	}
	equity := acct.Equity.InexactFloat64()
	return &domain.AccountInfo{
		Cash:           acct.Cash.InexactFloat64(),
		Equity:         equity,
		BuyingPower:    acct.BuyingPower.InexactFloat64(),
		PortfolioValue: equity,
	}, nil
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func placeOrderRequest(o *domain.Order) (alpaca.PlaceOrderRequest, error) {
	req := alpaca.PlaceOrderRequest{
		Symbol:        o.Symbol,
		ClientOrderID: o.ClientOrderID,
		TimeInForce:   alpaca.Day,
	}
	if isCrypto(o.Symbol) {
		req.TimeInForce = alpaca.GTC
	}

	switch o.Side {
	case domain.SideBuy:
		req.Side = alpaca.Buy
	case domain.SideSell:
		req.Side = alpaca.Sell
	default:
		return req, fmt.Errorf("%w: unknown side %q", domain.ErrOrderRejected, o.Side)
	}

	switch {
	case o.Qty > 0:
		q := decimal.NewFromFloat(o.Qty)
		req.Qty = &q
	case o.Notional > 0:
		n := decimal.NewFromFloat(o.Notional).Round(2)
		req.Notional = &n
	default:
		return req, fmt.Errorf("%w: order for %s has no quantity", domain.ErrOrderRejected, o.Symbol)
	}

	switch o.Type {
	case domain.OrderTypeLimit:
		if o.LimitPrice <= 0 {
			return req, fmt.Errorf("%w: limit order without limit price", domain.ErrOrderRejected)
		}
		req.Type = alpaca.Limit
		lp := decimal.NewFromFloat(o.LimitPrice)
		req.LimitPrice = &lp
	default:
		req.Type = alpaca.Market
	}
	return req, nil
}

func fromAlpacaOrder(o *alpaca.Order) *domain.Order {
	out := &domain.Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.Side(o.Side),
		Type:          domain.OrderType(o.Type),
		Status:        domain.OrderStatus(o.Status),
		FilledQty:     o.FilledQty.InexactFloat64(),
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.Qty != nil {
		out.Qty = o.Qty.InexactFloat64()
	}
	if o.Notional != nil {
		out.Notional = o.Notional.InexactFloat64()
	}
	if o.LimitPrice != nil {
		out.LimitPrice = o.LimitPrice.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return out
}

func terminal(status string) bool {
	switch domain.OrderStatus(status) {
	case domain.OrderStatusFilled, domain.OrderStatusCancelled,
		domain.OrderStatusRejected, domain.OrderStatusExpired:
		return true
	}
	return false
}

// isPermanent reports whether the API rejected the request itself rather
// than failing transiently.
func isPermanent(err error) bool {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// insufficientFunds reports whether Alpaca refused the order for lack of
// buying power.
func insufficientFunds(err error) bool {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "insufficient")
}

func isCrypto(symbol string) bool {
	return strings.Contains(symbol, "/")
}

// Package divetrader is a Go client for the divetrader backtest service.
package divetrader

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	runMethod            = "/divetrader.v1.BacktestService/Run"
	listStrategiesMethod = "/divetrader.v1.BacktestService/ListStrategies"
)

// RunRequest describes one backtest. Strategy is encoded to JSON and must
// carry the keys of a strategy block in the YAML config (id, kind, symbols,
// indicator, ...); a map[string]any works. Zero fields take server defaults.
type RunRequest struct {
	Strategy       any
	Start          time.Time
	End            time.Time
	Interval       time.Duration
	InitialCapital float64
}

// Trade is one ledger entry of a report.
type Trade struct {
	ID          string    `json:"id"`
	PositionID  string    `json:"position_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Qty         float64   `json:"qty"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
	RealizedPnL float64   `json:"realized_pnl"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
	Reason      string    `json:"reason"`
}

// EquityPoint is one valuation on the equity curve.
type EquityPoint struct {
	Timestamp     time.Time `json:"timestamp"`
	Cash          float64   `json:"cash"`
	HoldingsValue float64   `json:"holdings_value"`
	TotalValue    float64   `json:"total_value"`
}

// Report is the outcome of a backtest. Metrics keeps the server's metric
// names; ratios that are undefined are nil.
type Report struct {
	StrategyID     string         `json:"strategy_id"`
	DataSource     string         `json:"data_source"`
	InitialCapital float64        `json:"initial_capital"`
	Start          time.Time      `json:"start"`
	End            time.Time      `json:"end"`
	Bars           int            `json:"bars"`
	FinalCash      float64        `json:"final_cash"`
	Metrics        map[string]any `json:"metrics"`
	Ledger         []Trade        `json:"trade_ledger"`
	Equity         []EquityPoint  `json:"equity_curve"`
}

// Client calls a divetrader server over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the server at addr without transport security. Extra
// options are applied after the defaults.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Run executes a backtest on the server.
func (c *Client) Run(ctx context.Context, req RunRequest) (*Report, error) {
	in, err := encodeRunRequest(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, runMethod, in, out); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	var rep Report
	if err := fromStruct(out, &rep); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	return &rep, nil
}

// ListStrategies returns the strategy kinds the server can run.
func (c *Client) ListStrategies(ctx context.Context) ([]string, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, listStrategiesMethod, &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	var resp struct {
		Kinds []string `json:"kinds"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("decoding kinds: %w", err)
	}
	return resp.Kinds, nil
}

func encodeRunRequest(req RunRequest) (*structpb.Struct, error) {
	m := map[string]any{}
	if req.Strategy != nil {
		data, err := json.Marshal(req.Strategy)
		if err != nil {
			return nil, fmt.Errorf("encoding strategy: %w", err)
		}
		var strat map[string]any
		if err := json.Unmarshal(data, &strat); err != nil {
			return nil, fmt.Errorf("strategy must encode to a JSON object: %w", err)
		}
		m["strategy"] = strat
	}
	if !req.Start.IsZero() {
		m["start"] = req.Start.Format("2006-01-02")
	}
	if !req.End.IsZero() {
		m["end"] = req.End.Format("2006-01-02")
	}
	if req.Interval > 0 {
		m["interval"] = req.Interval.String()
	}
	if req.InitialCapital > 0 {
		m["initial_capital"] = req.InitialCapital
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

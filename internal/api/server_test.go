package api

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"divetrader/internal/backtest"
	"divetrader/internal/config"
	"divetrader/internal/domain"
)

type sliceSource []domain.Bar

func (s sliceSource) GetBars(_ context.Context, symbol string, start, end time.Time, _ time.Duration) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, b := range s {
		if b.Symbol == symbol && !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

// crossingBars opens a position on day 10 and takes profit on day 15.
func crossingBars() sliceSource {
	t0 := time.Date(2024, 1, 2, 21, 0, 0, 0, time.UTC)
	mk := func(i int, o, h, l, c float64) domain.Bar {
		return domain.Bar{Symbol: "SPY", Timestamp: t0.AddDate(0, 0, i), Open: o, High: h, Low: l, Close: c, Volume: 5000}
	}
	var bars sliceSource
	for i := 0; i < 10; i++ {
		bars = append(bars, mk(i, 100, 100, 100, 100))
	}
	bars = append(bars, mk(10, 110, 110, 110, 110))
	for i := 11; i < 15; i++ {
		bars = append(bars, mk(i, 111, 111, 111, 111))
	}
	return append(bars, mk(15, 111, 116, 111, 114))
}

// startServer serves a backtest service over an in-memory listener and
// returns a connected client.
func startServer(t *testing.T) *grpc.ClientConn {
	t.Helper()
	defaults := config.BacktestConfig{InitialCapital: 10_000, Interval: 24 * time.Hour}
	svc := backtest.NewService(
		backtest.NewSimulator(nil, backtest.Options{}),
		backtest.NewLoader(crossingBars(), defaults),
		defaults,
	)
	srv := NewServer(config.Server{Host: "127.0.0.1", GRPCPort: 0}, svc)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve returned %v", err)
		}
	})
	return conn
}

func scalperRequest(t *testing.T) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(map[string]any{
		"strategy": map[string]any{
			"id":              "tp",
			"kind":            "scalping",
			"symbols":         []any{"SPY"},
			"take_profit_pct": 0.05,
			"stop_loss_pct":   0.03,
			"position_qty":    5,
			"indicator": map[string]any{
				"short_period": 3,
				"long_period":  5,
				"min_volume":   1000,
			},
		},
		"start": "2024-01-01",
		"end":   "2024-02-01",
	})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return req
}

func TestNewServer(t *testing.T) {
	s := NewServer(config.Server{Host: "0.0.0.0", GRPCPort: 9090}, nil)
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
	if s.Addr() != "0.0.0.0:9090" {
		t.Errorf("Addr() = %q, want %q", s.Addr(), "0.0.0.0:9090")
	}
}

func TestRunOverGRPC(t *testing.T) {
	conn := startServer(t)

	out := new(structpb.Struct)
	if err := conn.Invoke(context.Background(), RunMethod, scalperRequest(t), out); err != nil {
		t.Fatalf("Invoke(Run): %v", err)
	}
	m := out.AsMap()
	if m["strategy_id"] != "tp" {
		t.Errorf("strategy_id = %v, want tp", m["strategy_id"])
	}
	if m["data_source"] != "real" {
		t.Errorf("data_source = %v, want real", m["data_source"])
	}
	ledger, ok := m["trade_ledger"].([]any)
	if !ok || len(ledger) != 1 {
		t.Fatalf("trade_ledger = %v, want one trade", m["trade_ledger"])
	}
	trade := ledger[0].(map[string]any)
	if pnl, _ := trade["realized_pnl"].(float64); trade["reason"] != "take_profit" || math.Abs(pnl-27.5) > 1e-6 {
		t.Errorf("trade = %v, want take_profit with pnl 27.5", trade)
	}
	if curve, _ := m["equity_curve"].([]any); len(curve) != 16 {
		t.Errorf("len(equity_curve) = %d, want 16", len(curve))
	}
	metrics, _ := m["metrics"].(map[string]any)
	if metrics["total_trades"] != 1.0 {
		t.Errorf("metrics.total_trades = %v, want 1", metrics["total_trades"])
	}
}

func TestRunRejectsBadRequests(t *testing.T) {
	conn := startServer(t)

	tests := []struct {
		name   string
		mutate func(m map[string]any)
		want   codes.Code
	}{
		{"unknown kind", func(m map[string]any) { m["strategy"].(map[string]any)["kind"] = "grid" }, codes.InvalidArgument},
		{"bad date", func(m map[string]any) { m["start"] = "Jan 1" }, codes.InvalidArgument},
		{"end before start", func(m map[string]any) { m["end"] = "2023-12-01" }, codes.InvalidArgument},
		{"missing symbol data", func(m map[string]any) {
			m["strategy"].(map[string]any)["symbols"] = []any{"QQQ"}
		}, codes.FailedPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := scalperRequest(t).AsMap()
			tt.mutate(m)
			req, err := structpb.NewStruct(m)
			if err != nil {
				t.Fatal(err)
			}
			err = conn.Invoke(context.Background(), RunMethod, req, new(structpb.Struct))
			if got := status.Code(err); got != tt.want {
				t.Errorf("code = %s, want %s (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestListStrategiesOverGRPC(t *testing.T) {
	conn := startServer(t)

	out := new(structpb.Struct)
	if err := conn.Invoke(context.Background(), ListStrategiesMethod, &emptypb.Empty{}, out); err != nil {
		t.Fatalf("Invoke(ListStrategies): %v", err)
	}
	kinds, _ := out.AsMap()["kinds"].([]any)
	if len(kinds) != 2 || kinds[0] != "distributor" || kinds[1] != "scalping" {
		t.Errorf("kinds = %v, want [distributor scalping]", kinds)
	}
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"divetrader/internal/domain"
	"divetrader/internal/engine"
)

var _ engine.Sink = (*SQLiteStore)(nil)

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	bp := ps.barPath("AAPL", domain.MarketUS, 24*time.Hour, 2024)
	wantBarPath := filepath.Join("/data", "us", "daily", "AAPL", "2024.parquet")
	if bp != wantBarPath {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", bp, wantBarPath)
	}

	cp := ps.barPath("btc/usd", domain.MarketCrypto, 5*time.Minute, 2024)
	wantCryptoPath := filepath.Join("/data", "crypto", "5m", "BTC-USD", "2024.parquet")
	if cp != wantCryptoPath {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", cp, wantCryptoPath)
	}

	if got := intervalDir(4 * time.Hour); got != "4h" {
		t.Errorf("intervalDir(4h) = %q, want %q", got, "4h")
	}
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	bars := []domain.Bar{
		{
			Symbol:     "AAPL",
			Timestamp:  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			Open:       185.0,
			High:       186.5,
			Low:        184.0,
			Close:      185.5,
			Volume:     50000000,
			TradeCount: 500000,
			VWAP:       185.25,
		},
		{
			Symbol:     "AAPL",
			Timestamp:  time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			Open:       185.5,
			High:       187.0,
			Low:        185.0,
			Close:      186.0,
			Volume:     45000000,
			TradeCount: 450000,
			VWAP:       185.75,
		},
	}

	if err := ps.WriteBars(ctx, domain.MarketUS, 24*time.Hour, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	got, err := ps.GetBars(ctx, "AAPL", start, end, 24*time.Hour)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetBars returned %d bars, want 2", len(got))
	}
	if got[0].Close != 185.5 {
		t.Errorf("first bar Close = %v, want 185.5", got[0].Close)
	}
	if got[1].Close != 186.0 {
		t.Errorf("second bar Close = %v, want 186.0", got[1].Close)
	}
	if !got[0].Timestamp.Equal(bars[0].Timestamp) {
		t.Errorf("first bar Timestamp = %v, want %v", got[0].Timestamp, bars[0].Timestamp)
	}

	narrow, err := ps.ReadBars(ctx, "AAPL", domain.MarketUS, 24*time.Hour, bars[1].Timestamp, end)
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(narrow) != 1 {
		t.Errorf("ReadBars from second bar returned %d bars, want 1", len(narrow))
	}
}

func TestParquetStoreMergeBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	first := domain.Bar{
		Symbol:    "MSFT",
		Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Open:      400.0, High: 405.0, Low: 399.0, Close: 403.0,
		Volume: 30000000,
	}
	second := domain.Bar{
		Symbol:    "MSFT",
		Timestamp: time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		Open:      403.0, High: 410.0, Low: 402.0, Close: 408.0,
		Volume: 35000000,
	}
	if err := ps.WriteBars(ctx, domain.MarketUS, 24*time.Hour, []domain.Bar{first}); err != nil {
		t.Fatalf("WriteBars (first): %v", err)
	}
	revised := first
	revised.Close = 404.0
	if err := ps.WriteBars(ctx, domain.MarketUS, 24*time.Hour, []domain.Bar{second, revised}); err != nil {
		t.Fatalf("WriteBars (second): %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	got, err := ps.ReadBars(ctx, "MSFT", domain.MarketUS, 24*time.Hour, start, end)
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars after merge, want 2", len(got))
	}
	if got[0].Close != 404.0 {
		t.Errorf("merged Close = %v, want the revised 404", got[0].Close)
	}
}

func TestParquetStoreListSymbols(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := []domain.Bar{
		{Symbol: "GOOGL", Timestamp: ts, Open: 140.0, High: 141.0, Low: 139.0, Close: 140.5, Volume: 20000000},
		{Symbol: "AAPL", Timestamp: ts, Open: 185.0, High: 186.0, Low: 184.0, Close: 185.5, Volume: 50000000},
	}
	if err := ps.WriteBars(ctx, domain.MarketUS, 24*time.Hour, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	if err := ps.WriteBars(ctx, domain.MarketCrypto, 24*time.Hour, []domain.Bar{{Symbol: "ETH/USD", Timestamp: ts, Close: 2300}}); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	symbols, err := ps.ListSymbols(ctx, domain.MarketUS, 24*time.Hour)
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "AAPL" || symbols[1] != "GOOGL" {
		t.Errorf("ListSymbols = %v, want [AAPL GOOGL]", symbols)
	}

	crypto, err := ps.ListSymbols(ctx, domain.MarketCrypto, 24*time.Hour)
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(crypto) != 1 || crypto[0] != "ETH/USD" {
		t.Errorf("ListSymbols(crypto) = %v, want [ETH/USD]", crypto)
	}
}

func TestParquetStoreRunExport(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()
	ts := time.Date(2024, 2, 1, 21, 0, 0, 0, time.UTC)

	ledger := []domain.Trade{{
		ID: "bt-trade-000001", StrategyID: "s1", PositionID: "bt-pos-000001", Symbol: "SPY",
		Side: domain.SideSell, Qty: 5, Price: 115.5, RealizedPnL: 27.5,
		OpenedAt: ts.AddDate(0, 0, -5), ClosedAt: ts, Reason: domain.ReasonTakeProfit,
	}}
	curve := []domain.EquityPoint{{Timestamp: ts, Cash: 10027.5, TotalValue: 10027.5}}

	if err := ps.WriteRun(ctx, "s1-20240201", ledger, curve); err != nil {
		t.Fatalf("WriteRun: %v", err)
	}
	gotLedger, gotCurve, err := ps.ReadRun(ctx, "s1-20240201")
	if err != nil {
		t.Fatalf("ReadRun: %v", err)
	}
	if len(gotLedger) != 1 || gotLedger[0] != ledger[0] {
		t.Errorf("ledger = %+v, want %+v", gotLedger, ledger)
	}
	if len(gotCurve) != 1 || gotCurve[0] != curve[0] {
		t.Errorf("curve = %+v, want %+v", gotCurve, curve)
	}
}

func openSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) returned error: %v", dbPath, err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Errorf("Close() returned error: %v", cerr)
		}
	})
	return store
}

func TestSQLiteStoreOpen(t *testing.T) {
	store := openSQLite(t)
	if err := store.db.Ping(); err != nil {
		t.Fatalf("db.Ping() returned error: %v", err)
	}
	// Migrations are idempotent.
	again, err := NewSQLiteStore(filepath.Join(t.TempDir(), "again.db"))
	if err != nil {
		t.Fatal(err)
	}
	again.Close()
}

func TestSQLiteLedger(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	ts := time.Date(2024, 2, 1, 21, 0, 0, 0, time.UTC)

	pos := domain.Position{
		ID: "pos-1", StrategyID: "s1", Symbol: "SPY", EntryPrice: 110, Qty: 5,
		OpenedAt: ts, TakeProfitPrice: 115.5, StopLossPrice: 106.7, Status: domain.PositionOpen,
	}
	if err := store.SavePosition(ctx, pos); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	open, err := store.ListPositions(ctx, "s1", domain.PositionOpen)
	if err != nil || len(open) != 1 || open[0] != pos {
		t.Fatalf("ListPositions(open) = %+v, %v", open, err)
	}

	pos.Status = domain.PositionClosed
	pos.ExitReason = domain.ReasonTakeProfit
	pos.ExitPrice = 115.5
	pos.ClosedAt = ts.AddDate(0, 0, 5)
	if err := store.SavePosition(ctx, pos); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	if open, _ := store.ListPositions(ctx, "s1", domain.PositionOpen); len(open) != 0 {
		t.Errorf("open positions after close = %d, want 0", len(open))
	}
	if all, _ := store.ListPositions(ctx, "s1", ""); len(all) != 1 || all[0].ExitReason != domain.ReasonTakeProfit {
		t.Errorf("all positions = %+v", all)
	}

	trades := []domain.Trade{
		{ID: "t2", StrategyID: "s1", PositionID: "pos-1", Symbol: "SPY", Side: domain.SideSell, Qty: 5, Price: 115.5, RealizedPnL: 27.5, OpenedAt: ts, ClosedAt: pos.ClosedAt, Reason: domain.ReasonTakeProfit},
		{ID: "t1", StrategyID: "s1", PositionID: "pos-2", Symbol: "QQQ", Side: domain.SideBuy, Qty: 1, Price: 400, OpenedAt: ts, ClosedAt: ts, Reason: domain.ReasonContribution},
		{ID: "x", StrategyID: "other", Symbol: "SPY", Side: domain.SideSell, OpenedAt: ts, ClosedAt: ts, Reason: domain.ReasonManual},
	}
	for _, tr := range trades {
		if err := store.SaveTrade(ctx, tr); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}
	got, err := store.ListTrades(ctx, "s1")
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(got) != 2 || got[0] != trades[0] || got[1] != trades[1] {
		t.Errorf("ListTrades = %+v, want the first two trades in insertion order", got)
	}

	for i, v := range []float64{10000, 9990, 10027.5} {
		p := domain.EquityPoint{Timestamp: ts.AddDate(0, 0, i), Cash: v, TotalValue: v}
		if err := store.SaveEquityPoint(ctx, "s1", p); err != nil {
			t.Fatalf("SaveEquityPoint: %v", err)
		}
	}
	curve, err := store.ListEquity(ctx, "s1")
	if err != nil {
		t.Fatalf("ListEquity: %v", err)
	}
	if len(curve) != 3 || curve[2].TotalValue != 10027.5 || !curve[0].Timestamp.Equal(ts) {
		t.Errorf("ListEquity = %+v", curve)
	}
}

func TestSQLiteEvents(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	ts := time.Date(2024, 2, 1, 21, 0, 0, 0, time.UTC)

	store.Emit(ctx, domain.Event{
		Timestamp: ts, Level: domain.LevelInfo, Type: domain.EventRiskRejected,
		StrategyID: "s1", Symbol: "SPY", Message: "position too large",
		Fields: map[string]any{"reason": "position_size", "value": 12.5, "limit": 10.0},
	})
	store.Emit(ctx, domain.Event{
		Timestamp: ts.Add(time.Minute), Level: domain.LevelWarn, Type: domain.EventDataUnavailable,
		StrategyID: "s1", Symbol: "QQQ", Message: "bar fetch failed",
	})

	events, err := store.ListEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ListEvents returned %d events, want 2", len(events))
	}
	if events[0].Type != domain.EventDataUnavailable {
		t.Errorf("newest event = %q, want %q", events[0].Type, domain.EventDataUnavailable)
	}
	rej := events[1]
	if rej.Level != domain.LevelInfo || rej.Fields["reason"] != "position_size" || rej.Fields["value"] != 12.5 {
		t.Errorf("rejection event = %+v", rej)
	}
	if !rej.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", rej.Timestamp, ts)
	}
}

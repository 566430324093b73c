package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"divetrader/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore using Parquet files on disk and exports
// backtest ledgers and equity curves in the same format.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     float64 `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// TradeRecord is the Parquet schema for ledger trades.
type TradeRecord struct {
	ID          string  `parquet:"id"`
	StrategyID  string  `parquet:"strategy_id"`
	PositionID  string  `parquet:"position_id"`
	Symbol      string  `parquet:"symbol"`
	Side        string  `parquet:"side"`
	Qty         float64 `parquet:"qty"`
	Price       float64 `parquet:"price"`
	Fee         float64 `parquet:"fee"`
	RealizedPnL float64 `parquet:"realized_pnl"`
	OpenedAt    int64   `parquet:"opened_at,timestamp(millisecond)"`
	ClosedAt    int64   `parquet:"closed_at,timestamp(millisecond)"`
	Reason      string  `parquet:"reason"`
}

// EquityRecord is the Parquet schema for equity curve points.
type EquityRecord struct {
	Timestamp     int64   `parquet:"timestamp,timestamp(millisecond)"`
	Cash          float64 `parquet:"cash"`
	HoldingsValue float64 `parquet:"holdings_value"`
	TotalValue    float64 `parquet:"total_value"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bar data to Parquet files organized by symbol and year.
// Each symbol+year combination produces a separate file at:
//
//	<DataDir>/<market>/<interval>/<SYMBOL>/<YYYY>.parquet
//
// Bars already on disk are merged, with the incoming bar winning on a
// timestamp collision.
func (s *ParquetStore) WriteBars(_ context.Context, market domain.Market, interval time.Duration, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: b.Symbol, year: b.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:     b.Symbol,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, market, interval, k.year)

		// Read existing records to merge.
		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bar data from Parquet files for the given symbol and time range.
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, market domain.Market, interval time.Duration, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		path := s.barPath(symbol, market, interval, year)

		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			// File doesn't exist for this year, skip.
			continue
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:     r.Symbol,
				Timestamp:  ts,
				Open:       r.Open,
				High:       r.High,
				Low:        r.Low,
				Close:      r.Close,
				Volume:     r.Volume,
				TradeCount: r.TradeCount,
				VWAP:       r.VWAP,
			})
		}
	}
	return bars, nil
}

// GetBars reads stored bars, taking the market from the symbol: pairs such
// as BTC/USD are crypto, everything else US equities. It lets the store
// serve as a bar source for backtests.
func (s *ParquetStore) GetBars(ctx context.Context, symbol string, start, end time.Time, interval time.Duration) ([]domain.Bar, error) {
	market := domain.MarketUS
	if strings.Contains(symbol, "/") {
		market = domain.MarketCrypto
	}
	return s.ReadBars(ctx, symbol, market, interval, start, end)
}

// ListSymbols lists all symbols that have bar data in the given market.
func (s *ParquetStore) ListSymbols(_ context.Context, market domain.Market, interval time.Duration) ([]string, error) {
	dir := filepath.Join(s.DataDir, string(market), intervalDir(interval))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if market == domain.MarketCrypto {
			name = strings.ReplaceAll(name, "-", "/")
		}
		symbols = append(symbols, name)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Backtest exports
// ---------------------------------------------------------------------------

// WriteRun exports a run's ledger and equity curve to
// <DataDir>/backtests/<runID>/{ledger,equity}.parquet, replacing any
// previous export of the same run.
func (s *ParquetStore) WriteRun(_ context.Context, runID string, ledger []domain.Trade, curve []domain.EquityPoint) error {
	trades := make([]TradeRecord, 0, len(ledger))
	for _, t := range ledger {
		trades = append(trades, TradeRecord{
			ID:          t.ID,
			StrategyID:  t.StrategyID,
			PositionID:  t.PositionID,
			Symbol:      t.Symbol,
			Side:        string(t.Side),
			Qty:         t.Qty,
			Price:       t.Price,
			Fee:         t.Fee,
			RealizedPnL: t.RealizedPnL,
			OpenedAt:    t.OpenedAt.UnixMilli(),
			ClosedAt:    t.ClosedAt.UnixMilli(),
			Reason:      string(t.Reason),
		})
	}
	points := make([]EquityRecord, 0, len(curve))
	for _, p := range curve {
		points = append(points, EquityRecord{
			Timestamp:     p.Timestamp.UnixMilli(),
			Cash:          p.Cash,
			HoldingsValue: p.HoldingsValue,
			TotalValue:    p.TotalValue,
		})
	}

	dir := s.runDir(runID)
	if err := writeParquetFile(filepath.Join(dir, "ledger.parquet"), trades); err != nil {
		return fmt.Errorf("writing ledger for %s: %w", runID, err)
	}
	if err := writeParquetFile(filepath.Join(dir, "equity.parquet"), points); err != nil {
		return fmt.Errorf("writing equity for %s: %w", runID, err)
	}
	return nil
}

// ReadRun loads an exported run.
func (s *ParquetStore) ReadRun(_ context.Context, runID string) ([]domain.Trade, []domain.EquityPoint, error) {
	dir := s.runDir(runID)
	trades, err := readParquetFile[TradeRecord](filepath.Join(dir, "ledger.parquet"))
	if err != nil {
		return nil, nil, fmt.Errorf("reading ledger for %s: %w", runID, err)
	}
	points, err := readParquetFile[EquityRecord](filepath.Join(dir, "equity.parquet"))
	if err != nil {
		return nil, nil, fmt.Errorf("reading equity for %s: %w", runID, err)
	}

	ledger := make([]domain.Trade, 0, len(trades))
	for _, r := range trades {
		ledger = append(ledger, domain.Trade{
			ID:          r.ID,
			StrategyID:  r.StrategyID,
			PositionID:  r.PositionID,
			Symbol:      r.Symbol,
			Side:        domain.Side(r.Side),
			Qty:         r.Qty,
			Price:       r.Price,
			Fee:         r.Fee,
			RealizedPnL: r.RealizedPnL,
			OpenedAt:    time.UnixMilli(r.OpenedAt).UTC(),
			ClosedAt:    time.UnixMilli(r.ClosedAt).UTC(),
			Reason:      domain.TradeReason(r.Reason),
		})
	}
	curve := make([]domain.EquityPoint, 0, len(points))
	for _, r := range points {
		curve = append(curve, domain.EquityPoint{
			Timestamp:     time.UnixMilli(r.Timestamp).UTC(),
			Cash:          r.Cash,
			HoldingsValue: r.HoldingsValue,
			TotalValue:    r.TotalValue,
		})
	}
	return ledger, curve, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<market>/<interval>/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol string, market domain.Market, interval time.Duration, year int) string {
	return filepath.Join(s.DataDir, string(market), intervalDir(interval), symbolDir(symbol), fmt.Sprintf("%d.parquet", year))
}

// runDir returns the directory of an exported backtest run.
// Layout: <dataDir>/backtests/<runID>
func (s *ParquetStore) runDir(runID string) string {
	return filepath.Join(s.DataDir, "backtests", runID)
}

// intervalDir names the directory of one bar interval: "daily" for one day,
// otherwise the Alpaca-style label such as "5m" or "1h".
func intervalDir(interval time.Duration) string {
	switch {
	case interval == 24*time.Hour:
		return "daily"
	case interval%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", interval/(24*time.Hour))
	case interval%time.Hour == 0:
		return fmt.Sprintf("%dh", interval/time.Hour)
	case interval%time.Minute == 0:
		return fmt.Sprintf("%dm", interval/time.Minute)
	}
	return interval.String()
}

// symbolDir maps a symbol to a directory name; "/" in crypto pairs becomes "-".
func symbolDir(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), "/", "-")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

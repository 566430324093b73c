package backtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"testing"
	"time"

	"divetrader/internal/broker"
	"divetrader/internal/config"
	"divetrader/internal/domain"
	"divetrader/internal/engine"
	"divetrader/internal/strategy"
	"divetrader/internal/strategy/builtins"
	"divetrader/internal/util"
)

var t0 = time.Date(2024, 1, 2, 21, 0, 0, 0, time.UTC)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func bar(symbol string, i int, open, high, low, close, volume float64) domain.Bar {
	return domain.Bar{
		Symbol:    symbol,
		Timestamp: t0.AddDate(0, 0, i),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
	}
}

func flat(symbol string, i int, price, volume float64) domain.Bar {
	return bar(symbol, i, price, price, price, price, volume)
}

func scalper(id string, symbols ...string) config.StrategyConfig {
	return config.StrategyConfig{
		ID:            id,
		Kind:          config.KindScalping,
		Symbols:       symbols,
		MaxPositions:  1,
		TakeProfitPct: 0.05,
		StopLossPct:   0.03,
		PositionQty:   5,
		Indicator:     config.IndicatorConfig{ShortPeriod: 3, LongPeriod: 5, RSIPeriod: 14, MinVolume: 1000},
	}
}

// crossingBars is flat at 100 until a jump to 110 at bar 10, which crosses
// the short average over the long one, then drifts at 111 and rallies
// through 115.5 at bar 15.
func crossingBars() []domain.Bar {
	var bars []domain.Bar
	for i := 0; i < 10; i++ {
		bars = append(bars, flat("SPY", i, 100, 5000))
	}
	bars = append(bars, flat("SPY", 10, 110, 5000))
	for i := 11; i < 15; i++ {
		bars = append(bars, flat("SPY", i, 111, 5000))
	}
	bars = append(bars, bar("SPY", 15, 111, 116, 111, 114, 5000))
	return bars
}

func newSim() *Simulator {
	return NewSimulator(builtins.NewRegistry(), Options{})
}

func TestLowVolumeFlatBarsHold(t *testing.T) {
	var bars []domain.Bar
	for i := 0; i < 50; i++ {
		bars = append(bars, flat("SPY", i, 100, 10))
	}
	res, err := newSim().Run(context.Background(), bars, 10_000, scalper("flat", "SPY"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Ledger) != 0 || len(res.FinalHoldings) != 0 {
		t.Errorf("trades = %d, holdings = %d, want none", len(res.Ledger), len(res.FinalHoldings))
	}
	if len(res.Equity) != 50 {
		t.Fatalf("len(Equity) = %d, want 50", len(res.Equity))
	}
	for _, p := range res.Equity {
		if p.TotalValue != 10_000 {
			t.Fatalf("equity at %s = %v, want 10000", p.Timestamp, p.TotalValue)
		}
	}
	if res.DataSource != SourceReal {
		t.Errorf("DataSource = %q, want real", res.DataSource)
	}
}

func TestCrossoverOpensPositionWithExitLevels(t *testing.T) {
	bars := crossingBars()[:11]
	res, err := newSim().Run(context.Background(), bars, 10_000, scalper("entry", "SPY"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.FinalHoldings) != 1 {
		t.Fatalf("open positions = %d, want 1", len(res.FinalHoldings))
	}
	p := res.FinalHoldings[0]
	if !p.OpenedAt.Equal(bars[10].Timestamp) || !approx(p.EntryPrice, 110) {
		t.Errorf("position opened %s at %v, want bar 10 at 110", p.OpenedAt, p.EntryPrice)
	}
	if !approx(p.TakeProfitPrice, 115.5) || !approx(p.StopLossPrice, 106.7) {
		t.Errorf("exit levels = %v/%v, want 115.5/106.7", p.TakeProfitPrice, p.StopLossPrice)
	}
	if p.ID != "bt-pos-000001" {
		t.Errorf("position ID = %q, want bt-pos-000001", p.ID)
	}
	last := res.Equity[len(res.Equity)-1]
	if !approx(last.Cash, 10_000-550) || !approx(last.TotalValue, 10_000) {
		t.Errorf("last equity = %+v, want cash 9450 total 10000", last)
	}
}

func TestTakeProfitClosesWithProfit(t *testing.T) {
	res, err := newSim().Run(context.Background(), crossingBars(), 10_000, scalper("tp", "SPY"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Ledger) != 1 {
		t.Fatalf("len(Ledger) = %d, want 1", len(res.Ledger))
	}
	tr := res.Ledger[0]
	if tr.Reason != domain.ReasonTakeProfit || tr.RealizedPnL <= 0 {
		t.Errorf("trade = %+v, want a profitable take_profit", tr)
	}
	if !approx(tr.Price, 115.5) || !approx(tr.RealizedPnL, 27.5) {
		t.Errorf("exit at %v pnl %v, want 115.5 and 27.5", tr.Price, tr.RealizedPnL)
	}
	if len(res.FinalHoldings) != 0 {
		t.Errorf("holdings = %d, want 0", len(res.FinalHoldings))
	}
	if res.Metrics.TotalTrades != 1 || !res.Metrics.ProfitFactor.IsInf() {
		t.Errorf("metrics trades = %d profit factor = %v", res.Metrics.TotalTrades, res.Metrics.ProfitFactor)
	}
	if !res.Metrics.BuyAndHoldReturn.Valid || !approx(res.Metrics.BuyAndHoldReturn.Value, 0.14) {
		t.Errorf("buy and hold = %v, want 0.14", res.Metrics.BuyAndHoldReturn)
	}
}

func TestCostsReduceProceeds(t *testing.T) {
	sim := NewSimulator(nil, Options{FeeBps: 10, SlippageBps: 5})
	res, err := sim.Run(context.Background(), crossingBars(), 10_000, scalper("costs", "SPY"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Ledger) != 1 {
		t.Fatalf("len(Ledger) = %d, want 1", len(res.Ledger))
	}
	if res.Ledger[0].RealizedPnL >= 27.5 || res.Ledger[0].Fee <= 0 {
		t.Errorf("trade = %+v, want fees and slippage charged", res.Ledger[0])
	}
}

// TestDailyLossBlocksEntriesNotExits runs one crypto session of minute bars:
// AAA is bought on a crossover, marks down to a 2.5% account loss, recovers
// part of it, and then hits its stop. BBB crosses after the breach.
func TestDailyLossBlocksEntriesNotExits(t *testing.T) {
	minute := func(symbol string, i int, open, high, low, close float64) domain.Bar {
		return domain.Bar{Symbol: symbol, Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open: open, High: high, Low: low, Close: close, Volume: 5000}
	}
	flatMin := func(symbol string, i int, price float64) domain.Bar {
		return minute(symbol, i, price, price, price, price)
	}
	var bars []domain.Bar
	for i := 0; i < 10; i++ {
		bars = append(bars, flatMin("AAA", i, 100), flatMin("BBB", i, 100))
	}
	bars = append(bars,
		flatMin("AAA", 10, 110), flatMin("BBB", 10, 100),
		flatMin("AAA", 11, 106.875), flatMin("BBB", 11, 100),
		flatMin("AAA", 12, 108), flatMin("BBB", 12, 110),
		minute("AAA", 13, 106, 106, 104, 104.5), flatMin("BBB", 13, 110),
	)

	cfg := scalper("daily-loss", "AAA", "BBB")
	cfg.Market = domain.MarketCrypto
	cfg.MaxPositions = 2
	cfg.TakeProfitPct = 0.10
	cfg.StopLossPct = 0.05
	cfg.PositionQty = 80
	cfg.Risk = config.RiskConfig{MaxDailyLossPct: 2}

	res, err := newSim().Run(context.Background(), bars, 10_000, cfg)
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Rejections) != 1 {
		t.Fatalf("rejections = %+v, want one", res.Rejections)
	}
	rej := res.Rejections[0]
	if rej.Reason != engine.ReasonDailyLoss || rej.Symbol != "BBB" || !rej.Timestamp.Equal(bars[24].Timestamp) {
		t.Errorf("rejection = %+v, want daily_loss for BBB at minute 12", rej)
	}

	if len(res.Ledger) != 1 {
		t.Fatalf("ledger = %+v, want one trade", res.Ledger)
	}
	tr := res.Ledger[0]
	if tr.Reason != domain.ReasonStopLoss || tr.Symbol != "AAA" {
		t.Errorf("trade = %+v, want AAA stop_loss", tr)
	}
	if !approx(tr.Price, 104.5) || !approx(tr.RealizedPnL, -440) {
		t.Errorf("exit at %v pnl %v, want 104.5 and -440", tr.Price, tr.RealizedPnL)
	}
	if tr.ClosedAt.UTC().Format("2006-01-02") != tr.OpenedAt.UTC().Format("2006-01-02") {
		t.Errorf("exit on %s, want the session of the entry %s", tr.ClosedAt, tr.OpenedAt)
	}
	if len(res.FinalHoldings) != 0 {
		t.Errorf("holdings = %+v, want none", res.FinalHoldings)
	}
}

func randomConfig(id string) config.StrategyConfig {
	cfg := scalper(id, "AAA", "BBB", "CCC")
	cfg.MaxPositions = 2
	cfg.TakeProfitPct = 0.02
	cfg.StopLossPct = 0.02
	cfg.PositionQty = 1
	cfg.Indicator = config.IndicatorConfig{ShortPeriod: 2, LongPeriod: 4, RSIPeriod: 14}
	return cfg
}

func randomBars() []domain.Bar {
	syn := config.SyntheticConfig{StartPrice: 100, DailyVolatility: 0.03, BaseVolume: 1e6, Seed: 7}
	end := t0.AddDate(0, 0, 299)
	var bars []domain.Bar
	for _, sym := range []string{"CCC", "AAA", "BBB"} {
		bars = append(bars, SyntheticBars(syn, sym, t0, end, 24*time.Hour, nil)...)
	}
	return bars
}

func TestRunIsDeterministic(t *testing.T) {
	encode := func() []byte {
		res, err := newSim().Run(context.Background(), randomBars(), 10_000, randomConfig("det"))
		if err != nil {
			t.Fatal(err)
		}
		b, err := json.Marshal(res)
		if err != nil {
			t.Fatal(err)
		}
		return b
	}
	first, second := encode(), encode()
	if !bytes.Equal(first, second) {
		t.Error("identical inputs produced different results")
	}
}

func TestOpenPositionsNeverExceedMax(t *testing.T) {
	cfg := randomConfig("maxpos")
	res, err := newSim().Run(context.Background(), randomBars(), 10_000, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Ledger) == 0 {
		t.Fatal("expected the random walk to produce trades")
	}

	type span struct{ from, to time.Time }
	var spans []span
	for _, tr := range res.Ledger {
		if tr.Closing() {
			spans = append(spans, span{tr.OpenedAt, tr.ClosedAt})
		}
	}
	for _, p := range res.FinalHoldings {
		spans = append(spans, span{p.OpenedAt, time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)})
	}
	for _, pt := range res.Equity {
		open := 0
		for _, s := range spans {
			if !pt.Timestamp.Before(s.from) && pt.Timestamp.Before(s.to) {
				open++
			}
		}
		if open > cfg.MaxPositions {
			t.Fatalf("%d positions open at %s, max %d", open, pt.Timestamp, cfg.MaxPositions)
		}
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := newSim().Run(ctx, randomBars(), 10_000, randomConfig("cancel"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if res != nil {
		t.Error("cancelled run returned a result")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := scalper("bad", "SPY")
	cfg.Indicator.ShortPeriod = 10
	_, err := newSim().Run(context.Background(), crossingBars(), 10_000, cfg)
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
	if _, err := newSim().Run(context.Background(), crossingBars(), 0, scalper("zero", "SPY")); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("zero capital err = %v, want ErrInvalidConfig", err)
	}
}

func TestRunMany(t *testing.T) {
	cfgs := []config.StrategyConfig{randomConfig("a"), scalper("b", "AAA")}
	results, err := newSim().RunMany(context.Background(), RealDataset(randomBars()), 10_000, cfgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].StrategyID != "a" || results[1].StrategyID != "b" {
		t.Fatalf("results = %v", results)
	}
	single, err := newSim().Run(context.Background(), randomBars(), 10_000, randomConfig("a"))
	if err != nil {
		t.Fatal(err)
	}
	want, _ := json.Marshal(single.Ledger)
	got, _ := json.Marshal(results[0].Ledger)
	if !bytes.Equal(got, want) {
		t.Error("parallel run differs from a single run of the same config")
	}
}

func TestDistributorContributions(t *testing.T) {
	cfg := config.StrategyConfig{
		ID:   "dca",
		Kind: config.KindDistributor,
		Distributor: config.DistributorConfig{
			Weights:   map[string]float64{"AAA": 60, "BBB": 40},
			Frequency: "weekly",
			Amount:    1000,
			StartDate: "2024-01-08",
		},
		Risk: config.RiskConfig{MaxPositionSizePct: 100, MaxDailyLossPct: 100, MaxDrawdownPct: 100},
	}
	var bars []domain.Bar
	for i := 0; i < 28; i++ {
		ts := t0.AddDate(0, 0, i)
		if ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday {
			continue
		}
		bars = append(bars, flat("AAA", i, 50, 1e6), flat("BBB", i, 20, 1e6))
	}
	res, err := newSim().Run(context.Background(), bars, 100_000, cfg)
	if err != nil {
		t.Fatal(err)
	}
	var buys int
	for _, tr := range res.Ledger {
		if tr.Reason == domain.ReasonContribution {
			buys++
		}
	}
	// Mondays 8, 15, 22 and 29 January, two symbols each.
	if buys != 8 {
		t.Errorf("contribution trades = %d, want 8", buys)
	}
	if len(res.FinalHoldings) != 2 {
		t.Fatalf("holdings = %d, want one accumulated position per symbol", len(res.FinalHoldings))
	}
	for _, p := range res.FinalHoldings {
		want := 4 * 600.0 / 50
		if p.Symbol == "BBB" {
			want = 4 * 400.0 / 20
		}
		if !approx(p.Qty, want) {
			t.Errorf("%s qty = %v, want %v", p.Symbol, p.Qty, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Live round trip
// ---------------------------------------------------------------------------

type sliceSource struct {
	bars []domain.Bar
}

func (s sliceSource) GetBars(_ context.Context, symbol string, start, end time.Time, _ time.Duration) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, b := range s.bars {
		if b.Symbol == symbol && !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func strategyDeps(cfg config.StrategyConfig) strategy.Deps {
	return strategy.Deps{Calendar: util.NewTradingCalendar(cfg.Market)}
}

func TestLiveRunnerMatchesBacktest(t *testing.T) {
	bars := randomBars()
	cfg := randomConfig("roundtrip")

	want, err := newSim().Run(context.Background(), bars, 10_000, cfg)
	if err != nil {
		t.Fatal(err)
	}

	cfg.ApplyDefaults()
	strat, err := builtins.NewRegistry().New(cfg, strategyDeps(cfg))
	if err != nil {
		t.Fatal(err)
	}
	in, err := engine.NewInstance(engine.NewInstanceConfig(cfg), strat, engine.Options{
		Broker:  broker.NewSimulatorBroker(broker.SimulatorOptions{Cash: 10_000}),
		Account: engine.NewAccount(10_000),
		Events:  &engine.RecordingSink{},
		IDs:     engine.NewSequentialIDs("bt"),
	})
	if err != nil {
		t.Fatal(err)
	}
	// The runner polls once per bar, as it does live.
	seen := make(map[time.Time]bool)
	var stamps []time.Time
	for _, b := range bars {
		if !seen[b.Timestamp] {
			seen[b.Timestamp] = true
			stamps = append(stamps, b.Timestamp)
		}
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	var now time.Time
	runner := engine.NewRunner(in, sliceSource{bars: bars}, engine.RunnerConfig{
		Symbols:     cfg.Symbols,
		BarInterval: 24 * time.Hour,
		Lookback:    time.Hour,
		Now:         func() time.Time { return now },
	})
	for _, ts := range stamps {
		now = ts
		if err := runner.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	gotLedger, _ := json.Marshal(in.Ledger())
	wantLedger, _ := json.Marshal(want.Ledger)
	if !bytes.Equal(gotLedger, wantLedger) {
		t.Errorf("live ledger differs from backtest:\n got %s\nwant %s", gotLedger, wantLedger)
	}
	gotCurve, _ := json.Marshal(in.Equity())
	wantCurve, _ := json.Marshal(want.Equity)
	if !bytes.Equal(gotCurve, wantCurve) {
		t.Error("live equity curve differs from backtest")
	}
}

// ---------------------------------------------------------------------------
// Loader and synthetic data
// ---------------------------------------------------------------------------

func TestLoaderPolicy(t *testing.T) {
	real := sliceSource{bars: crossingBars()}
	start, end := t0, t0.AddDate(0, 0, 20)

	l := &Loader{Source: real}
	if _, err := l.Load(context.Background(), []string{"SPY", "QQQ"}, start, end, 24*time.Hour); !errors.Is(err, domain.ErrDataUnavailable) {
		t.Errorf("err = %v, want ErrDataUnavailable", err)
	}

	ds, err := l.Load(context.Background(), []string{"SPY"}, start, end, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if ds.Source != SourceReal || len(ds.Bars) != 16 {
		t.Errorf("dataset = %s with %d bars, want real with 16", ds.Source, len(ds.Bars))
	}

	rec := &engine.RecordingSink{}
	l = &Loader{
		Source:         real,
		AllowSynthetic: true,
		Synthetic:      config.SyntheticConfig{Seed: 1},
		Calendar:       util.NewTradingCalendar(domain.MarketUS),
		Events:         rec,
	}
	ds, err = l.Load(context.Background(), []string{"SPY", "QQQ"}, start, end, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if ds.Source != SourceMixed {
		t.Errorf("Source = %q, want mixed", ds.Source)
	}
	if ds.Provenance["QQQ"] != SourceSynthetic || ds.Provenance["SPY"] != SourceReal {
		t.Errorf("Provenance = %v", ds.Provenance)
	}
	if got := rec.OfType(domain.EventSyntheticData); len(got) != 1 || got[0].Symbol != "QQQ" {
		t.Errorf("synthetic events = %+v, want one for QQQ", got)
	}
	for i := 1; i < len(ds.Bars); i++ {
		if ds.Bars[i].Timestamp.Before(ds.Bars[i-1].Timestamp) {
			t.Fatal("dataset bars are not time ordered")
		}
	}
}

func TestSyntheticBars(t *testing.T) {
	cfg := config.SyntheticConfig{StartPrice: 50, DailyVolatility: 0.02, Seed: 3}
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 13)
	cal := util.NewTradingCalendar(domain.MarketUS)

	a := SyntheticBars(cfg, "XYZ", start, end, 24*time.Hour, cal)
	b := SyntheticBars(cfg, "XYZ", start, end, 24*time.Hour, cal)
	other := SyntheticBars(cfg, "ABC", start, end, 24*time.Hour, cal)

	if len(a) != 10 {
		t.Fatalf("len = %d, want 10 weekdays", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("bar %d differs between identical calls", i)
		}
		if a[i].Low > math.Min(a[i].Open, a[i].Close) || a[i].High < math.Max(a[i].Open, a[i].Close) {
			t.Errorf("bar %d range inconsistent: %+v", i, a[i])
		}
		if wd := a[i].Timestamp.Weekday(); wd == time.Saturday || wd == time.Sunday {
			t.Errorf("bar %d on a weekend", i)
		}
	}
	if a[0].Open != 50 {
		t.Errorf("first open = %v, want 50", a[0].Open)
	}
	if a[len(a)-1].Close == other[len(other)-1].Close {
		t.Error("different symbols produced the same walk")
	}
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

func TestServiceRun(t *testing.T) {
	var reported []*Result
	svc := NewService(newSim(), &Loader{Source: sliceSource{bars: crossingBars()}},
		config.BacktestConfig{InitialCapital: 10_000, Interval: 24 * time.Hour, Start: "2024-01-01", End: "2024-02-01"},
		ReporterFunc(func(_ context.Context, res *Result) error {
			reported = append(reported, res)
			return errors.New("archive down")
		}),
	)
	res, err := svc.Run(context.Background(), Request{Strategy: scalper("svc", "SPY")})
	if err != nil {
		t.Fatal(err)
	}
	if res.InitialCapital != 10_000 || len(res.Ledger) != 1 {
		t.Errorf("result capital = %v trades = %d", res.InitialCapital, len(res.Ledger))
	}
	if len(reported) != 1 {
		t.Errorf("reported = %d, want 1", len(reported))
	}

	_, err = svc.Run(context.Background(), Request{
		Strategy: scalper("svc", "SPY"),
		Start:    t0,
		End:      t0.AddDate(0, 0, -1),
	})
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("reversed range err = %v, want ErrInvalidConfig", err)
	}
	if got := svc.Strategies(); len(got) != 2 {
		t.Errorf("Strategies() = %v, want the two built-in kinds", got)
	}
}

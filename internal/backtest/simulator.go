// Package backtest replays historical bars through the same pipeline that
// trades live, with a simulated broker in place of the brokerage, and
// summarizes the run.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"divetrader/internal/analytics"
	"divetrader/internal/broker"
	"divetrader/internal/config"
	"divetrader/internal/domain"
	"divetrader/internal/engine"
	"divetrader/internal/marketdata"
	"divetrader/internal/signal"
	"divetrader/internal/strategy"
	"divetrader/internal/strategy/builtins"
	"divetrader/internal/util"
)

// Options configures simulated execution.
type Options struct {
	FeeBps         float64
	SlippageBps    float64
	PeriodsPerYear float64
	// Advisor serves strategies that opt into advisory signals. Backtests
	// usually leave it nil.
	Advisor signal.Advisor
	// Events receives every event of a run in addition to the result.
	Events domain.EventSink
	Logger *slog.Logger
}

// OptionsFromConfig maps the backtest settings onto Options.
func OptionsFromConfig(cfg config.BacktestConfig) Options {
	return Options{
		FeeBps:         cfg.FeeBps,
		SlippageBps:    cfg.SlippageBps,
		PeriodsPerYear: cfg.PeriodsPerYear,
	}
}

// Result is everything a run produced. Ledger and Equity are the source of
// truth; Metrics is derived from them.
type Result struct {
	StrategyID     string                `json:"strategy_id"`
	DataSource     DataSource            `json:"data_source"`
	Provenance     map[string]DataSource `json:"provenance,omitempty"`
	InitialCapital float64               `json:"initial_capital"`
	Start          time.Time             `json:"start"`
	End            time.Time             `json:"end"`
	Bars           int                   `json:"bars"`
	Ledger         []domain.Trade        `json:"trade_ledger"`
	Equity         []domain.EquityPoint  `json:"equity_curve"`
	FinalHoldings  []domain.Position     `json:"final_holdings"`
	FinalCash      float64               `json:"final_cash"`
	Rejections     []engine.Rejection    `json:"rejections"`
	Events         []domain.Event        `json:"events"`
	Metrics        analytics.Metrics     `json:"metrics"`
}

// Simulator runs strategies over historical bars.
type Simulator struct {
	registry *strategy.Registry
	opts     Options
	log      *slog.Logger
}

// NewSimulator returns a simulator building strategies from registry. A nil
// registry uses the built-in kinds.
func NewSimulator(registry *strategy.Registry, opts Options) *Simulator {
	if registry == nil {
		registry = builtins.NewRegistry()
	}
	if opts.PeriodsPerYear <= 0 {
		opts.PeriodsPerYear = analytics.DefaultPeriodsPerYear
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Simulator{
		registry: registry,
		opts:     opts,
		log:      log.With("component", "backtest"),
	}
}

// Run replays bars, recorded as real data, through a fresh instance of cfg.
func (s *Simulator) Run(ctx context.Context, bars []domain.Bar, initialCapital float64, cfg config.StrategyConfig) (*Result, error) {
	return s.RunDataset(ctx, RealDataset(bars), initialCapital, cfg)
}

// RunDataset replays ds through a fresh instance of cfg. Bars are ordered by
// (timestamp, symbol) and bars sharing a timestamp form one step. The
// context is checked before every step; a cancelled run returns ctx.Err()
// and no result.
func (s *Simulator) RunDataset(ctx context.Context, ds *Dataset, initialCapital float64, cfg config.StrategyConfig) (*Result, error) {
	if initialCapital <= 0 {
		return nil, fmt.Errorf("%w: initial capital %v must be > 0", domain.ErrInvalidConfig, initialCapital)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bars := append([]domain.Bar(nil), ds.Bars...)
	marketdata.SortBars(bars)

	rec := &engine.RecordingSink{}
	events := engine.MultiSink{rec}
	if s.opts.Events != nil {
		events = append(events, s.opts.Events)
	}
	cal := util.NewTradingCalendar(cfg.Market)
	log := s.log.With("strategy", cfg.ID)

	strat, err := s.registry.New(cfg, strategy.Deps{
		Advisor:  s.opts.Advisor,
		Calendar: cal,
		Events:   events,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	sim := broker.NewSimulatorBroker(broker.SimulatorOptions{
		FeeBps:      s.opts.FeeBps,
		SlippageBps: s.opts.SlippageBps,
		Cash:        initialCapital,
	})
	acct := engine.NewAccount(initialCapital)
	in, err := engine.NewInstance(engine.NewInstanceConfig(cfg), strat, engine.Options{
		Broker:   sim,
		Account:  acct,
		Events:   events,
		IDs:      engine.NewSequentialIDs("bt"),
		Calendar: cal,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	for i := 0; i < len(bars); {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		j := i + 1
		for j < len(bars) && bars[j].Timestamp.Equal(bars[i].Timestamp) {
			j++
		}
		if err := in.Step(ctx, bars[i].Timestamp, bars[i:j]); err != nil {
			return nil, fmt.Errorf("backtest %s at %s: %w", cfg.ID, bars[i].Timestamp.Format(time.RFC3339), err)
		}
		i = j
	}

	res := &Result{
		StrategyID:     cfg.ID,
		DataSource:     ds.Source,
		Provenance:     ds.Provenance,
		InitialCapital: initialCapital,
		Bars:           len(bars),
		Ledger:         in.Ledger(),
		Equity:         in.Equity(),
		FinalHoldings:  in.OpenPositions(),
		FinalCash:      in.Cash(),
		Rejections:     in.Rejections(),
		Events:         rec.Events(),
	}
	if len(bars) > 0 {
		res.Start = bars[0].Timestamp
		res.End = bars[len(bars)-1].Timestamp
	}
	res.Metrics = analytics.Compute(res.Ledger, res.Equity, initialCapital, s.opts.PeriodsPerYear)
	if first, last, ok := benchmarkCloses(bars, cfg.Symbols); ok {
		res.Metrics.SetBenchmark(first, last)
	}
	log.Info("backtest complete",
		"bars", len(bars),
		"trades", res.Metrics.TotalTrades,
		"total_return", res.Metrics.TotalReturn,
		"data_source", res.DataSource,
	)
	return res, nil
}

// RunMany runs every config over the same dataset in parallel. Each run
// owns its instance, broker and account. Results keep the order of cfgs.
func (s *Simulator) RunMany(ctx context.Context, ds *Dataset, initialCapital float64, cfgs []config.StrategyConfig) ([]*Result, error) {
	results := make([]*Result, len(cfgs))
	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range cfgs {
		g.Go(func() error {
			res, err := s.RunDataset(gctx, ds, initialCapital, cfg)
			if err != nil {
				return fmt.Errorf("%s: %w", cfg.ID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// benchmarkCloses returns the first and last close of the first configured
// symbol that has bars.
func benchmarkCloses(bars []domain.Bar, symbols []string) (float64, float64, bool) {
	for _, sym := range symbols {
		var first, last float64
		for _, b := range bars {
			if b.Symbol != sym {
				continue
			}
			if first == 0 {
				first = b.Close
			}
			last = b.Close
		}
		if first > 0 {
			return first, last, true
		}
	}
	return 0, 0, false
}

// Package builtins provides built-in strategy implementations that ship with
// divetrader: the moving-average crossover scalper and the weighted portfolio
// distributor.
package builtins

import (
	"context"
	"log/slog"

	"divetrader/internal/config"
	"divetrader/internal/domain"
	"divetrader/internal/indicator"
	"divetrader/internal/signal"
	"divetrader/internal/strategy"
)

// Compile-time interface checks.
var (
	_ strategy.Strategy = (*SMACross)(nil)
	_ strategy.Warmer   = (*SMACross)(nil)
)

// Register adds the built-in strategy kinds to r.
func Register(r *strategy.Registry) {
	r.Register(config.KindScalping, func(cfg config.StrategyConfig, deps strategy.Deps) (strategy.Strategy, error) {
		return NewSMACross(cfg, deps)
	})
	r.Register(config.KindDistributor, func(cfg config.StrategyConfig, deps strategy.Deps) (strategy.Strategy, error) {
		return NewDistributor(cfg, deps)
	})
}

// NewRegistry returns a registry holding the built-in kinds.
func NewRegistry() *strategy.Registry {
	r := strategy.NewRegistry()
	Register(r)
	return r
}

// SMACross implements a moving average crossover scalper. It emits a buy when
// the short SMA crosses above the long SMA with price and volume confirming,
// combined with the advisory signal when one is configured. Exits are left
// to take-profit and stop-loss, except for an advisory sell that overrides.
type SMACross struct {
	id       string
	symbols  map[string]bool
	indCfg   indicator.Config
	engines  map[string]*indicator.Engine
	gen      *signal.Generator
	qty      float64
	notional float64
	log      *slog.Logger
}

// NewSMACross builds the scalper from its configuration.
func NewSMACross(cfg config.StrategyConfig, deps strategy.Deps) (*SMACross, error) {
	indCfg, err := cfg.IndicatorConfig()
	if err != nil {
		return nil, err
	}
	sigCfg, err := cfg.SignalConfig()
	if err != nil {
		return nil, err
	}
	var advisor signal.Advisor
	if cfg.Signal.UseAdvisory {
		advisor = deps.Advisor
	}
	gen, err := signal.NewGenerator(sigCfg, signal.Options{
		Advisor:    advisor,
		Events:     deps.Events,
		Logger:     deps.Logger,
		StrategyID: cfg.ID,
	})
	if err != nil {
		return nil, err
	}

	symbols := make(map[string]bool, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		symbols[sym] = true
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SMACross{
		id:       cfg.ID,
		symbols:  symbols,
		indCfg:   indCfg,
		engines:  make(map[string]*indicator.Engine),
		gen:      gen,
		qty:      cfg.PositionQty,
		notional: cfg.TradeNotional,
		log:      log.With("component", "sma_cross"),
	}, nil
}

// Name returns the instance ID.
func (s *SMACross) Name() string {
	return s.id
}

// Init creates one indicator engine per configured symbol.
func (s *SMACross) Init(_ context.Context) error {
	for sym := range s.symbols {
		if _, err := s.engine(sym); err != nil {
			return err
		}
	}
	return nil
}

func (s *SMACross) engine(symbol string) (*indicator.Engine, error) {
	if e, ok := s.engines[symbol]; ok {
		return e, nil
	}
	e, err := indicator.New(s.indCfg)
	if err != nil {
		return nil, err
	}
	s.engines[symbol] = e
	return e, nil
}

// Warm updates the symbol's indicators from a historical bar.
func (s *SMACross) Warm(_ context.Context, bar domain.Bar) error {
	if !s.symbols[bar.Symbol] {
		return nil
	}
	eng, err := s.engine(bar.Symbol)
	if err != nil {
		return err
	}
	s.gen.Observe(bar.Symbol, eng.Update(bar))
	return nil
}

// OnBar updates the symbol's indicators and evaluates a signal.
func (s *SMACross) OnBar(ctx context.Context, bar domain.Bar, pf strategy.Portfolio) ([]domain.Signal, error) {
	if !s.symbols[bar.Symbol] {
		return nil, nil
	}
	eng, err := s.engine(bar.Symbol)
	if err != nil {
		return nil, err
	}
	snap := eng.Update(bar)
	sig := s.gen.Evaluate(ctx, bar.Symbol, snap, bar.Close, bar.Timestamp)
	sig.Price = bar.Close

	switch sig.Direction {
	case domain.DirectionBuy:
		sig.Intent = domain.IntentEntry
		sig.Qty = s.qty
		if sig.Qty == 0 {
			sig.Notional = s.notional
		}
		s.log.Debug("buy signal", "symbol", bar.Symbol, "source", sig.Source,
			"confidence", sig.Confidence, "short_ma", snap.ShortMA, "long_ma", snap.LongMA)
		return []domain.Signal{sig}, nil
	case domain.DirectionSell:
		if !pf.HasOpen(bar.Symbol) {
			return nil, nil
		}
		sig.Intent = domain.IntentExit
		return []domain.Signal{sig}, nil
	}
	return nil, nil
}

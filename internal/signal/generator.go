package signal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"divetrader/internal/domain"
	"divetrader/internal/indicator"
)

// Config holds the combination thresholds.
type Config struct {
	Policy            Policy
	MinConfidence     float64
	OverrideThreshold float64
	Cooldown          time.Duration
	// RSIMax suppresses technical buys while RSI is above it. Zero disables.
	RSIMax float64
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		Policy:            RequireAgreement,
		MinConfidence:     0.6,
		OverrideThreshold: 0.8,
		Cooldown:          5 * time.Minute,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.Policy != RequireAgreement && c.Policy != AdvisoryOverride {
		return fmt.Errorf("%w: signal policy not set", domain.ErrInvalidConfig)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("%w: min confidence %v outside [0,1]", domain.ErrInvalidConfig, c.MinConfidence)
	}
	if c.OverrideThreshold < 0 || c.OverrideThreshold > 1 {
		return fmt.Errorf("%w: override threshold %v outside [0,1]", domain.ErrInvalidConfig, c.OverrideThreshold)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("%w: negative cooldown %v", domain.ErrInvalidConfig, c.Cooldown)
	}
	return nil
}

// Options carries the optional collaborators of a Generator.
type Options struct {
	Advisor    Advisor
	Events     domain.EventSink
	Logger     *slog.Logger
	StrategyID string
}

// Generator turns snapshots into signals. It keeps the previous snapshot and
// the last emitted buy per symbol, so one Generator serves one strategy
// instance and is not safe for concurrent use.
type Generator struct {
	cfg        Config
	advisor    Advisor
	events     domain.EventSink
	log        *slog.Logger
	strategyID string

	prev    map[string]indicator.Snapshot
	lastBuy map[string]time.Time
}

// NewGenerator validates cfg and returns a Generator.
func NewGenerator(cfg Config, opts Options) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Generator{
		cfg:        cfg,
		advisor:    opts.Advisor,
		events:     opts.Events,
		log:        log.With("component", "signal", "strategy", opts.StrategyID),
		strategyID: opts.StrategyID,
		prev:       make(map[string]indicator.Snapshot),
		lastBuy:    make(map[string]time.Time),
	}, nil
}

// Evaluate produces the signal for symbol at bar time ts.
func (g *Generator) Evaluate(ctx context.Context, symbol string, snap indicator.Snapshot, price float64, ts time.Time) domain.Signal {
	prev, hasPrev := g.prev[symbol]
	g.prev[symbol] = snap

	if !snap.Ready {
		return domain.Hold(symbol, ts, domain.SourceTechnical, "indicators not ready")
	}

	tech := g.technical(symbol, prev, hasPrev, snap, price, ts)
	out := g.combine(ctx, tech, price)

	if out.Direction == domain.DirectionBuy {
		if last, ok := g.lastBuy[symbol]; ok && ts.Sub(last) < g.cfg.Cooldown {
			return domain.Hold(symbol, ts, out.Source, "buy cooldown")
		}
		g.lastBuy[symbol] = ts
	}
	return out
}

// Observe records snap as the latest snapshot for symbol without evaluating
// it, so the first live bar can detect a crossover against history.
func (g *Generator) Observe(symbol string, snap indicator.Snapshot) {
	g.prev[symbol] = snap
}

// technical detects a bullish crossover confirmed by price and volume.
func (g *Generator) technical(symbol string, prev indicator.Snapshot, hasPrev bool, cur indicator.Snapshot, price float64, ts time.Time) domain.Signal {
	if !hasPrev || !prev.Ready {
		return domain.Hold(symbol, ts, domain.SourceTechnical, "no prior snapshot")
	}
	crossed := prev.ShortMA <= prev.LongMA && cur.ShortMA > cur.LongMA
	if !crossed {
		return domain.Hold(symbol, ts, domain.SourceTechnical, "no crossover")
	}
	if price <= cur.ShortMA {
		return domain.Hold(symbol, ts, domain.SourceTechnical, "price below short ma")
	}
	if !cur.VolumeOK {
		return domain.Hold(symbol, ts, domain.SourceTechnical, "volume below floor")
	}
	if g.cfg.RSIMax > 0 && cur.RSIReady && cur.RSI > g.cfg.RSIMax {
		return domain.Hold(symbol, ts, domain.SourceTechnical, "rsi overbought")
	}
	return domain.Signal{
		Symbol:     symbol,
		Direction:  domain.DirectionBuy,
		Confidence: divergenceConfidence(cur.ShortMA, cur.LongMA),
		Source:     domain.SourceTechnical,
		Reason:     "ma crossover",
		Price:      price,
		Timestamp:  ts,
	}
}

func (g *Generator) combine(ctx context.Context, tech domain.Signal, price float64) domain.Signal {
	adv := g.advisory(ctx, tech.Symbol, tech.Timestamp)
	if adv == nil || adv.Confidence < g.cfg.MinConfidence {
		return tech
	}

	switch g.cfg.Policy {
	case RequireAgreement:
		if tech.Direction == domain.DirectionBuy && adv.Direction == domain.DirectionBuy {
			tech.Source = domain.SourceCombined
			tech.Confidence = (tech.Confidence + adv.Confidence) / 2
			tech.Reason = "technical and advisory agree"
			return tech
		}
		return domain.Hold(tech.Symbol, tech.Timestamp, domain.SourceCombined, "advisory disagrees")
	case AdvisoryOverride:
		if adv.Confidence >= g.cfg.OverrideThreshold {
			reason := adv.Reason
			if reason == "" {
				reason = "advisory override"
			}
			return domain.Signal{
				Symbol:     tech.Symbol,
				Direction:  adv.Direction,
				Confidence: adv.Confidence,
				Source:     domain.SourceAdvisory,
				Reason:     reason,
				Price:      price,
				Timestamp:  tech.Timestamp,
			}
		}
	}
	return tech
}

// advisory fetches the advisory, treating failures and malformed values as
// absent.
func (g *Generator) advisory(ctx context.Context, symbol string, ts time.Time) *Advisory {
	if g.advisor == nil {
		return nil
	}
	adv, err := g.advisor.Advise(ctx, symbol)
	if err == nil && adv != nil && !validAdvisory(adv) {
		err = fmt.Errorf("%w: direction %q confidence %v", domain.ErrAdvisoryMalformed, adv.Direction, adv.Confidence)
	}
	if err != nil {
		g.log.Warn("advisory unavailable, using technical signal", "symbol", symbol, "error", err)
		if g.events != nil {
			g.events.Emit(ctx, domain.Event{
				Timestamp:  ts,
				Level:      domain.LevelWarn,
				Type:       domain.EventAdvisoryFailed,
				StrategyID: g.strategyID,
				Symbol:     symbol,
				Message:    "advisory unavailable, falling back to technical signal",
				Fields:     map[string]any{"error": err.Error()},
			})
		}
		return nil
	}
	return adv
}

func validAdvisory(a *Advisory) bool {
	switch a.Direction {
	case domain.DirectionBuy, domain.DirectionSell, domain.DirectionHold:
	default:
		return false
	}
	return !math.IsNaN(a.Confidence) && a.Confidence >= 0 && a.Confidence <= 1
}

// divergenceConfidence scales with the gap between the averages, clamped to
// [0.3, 1].
func divergenceConfidence(short, long float64) float64 {
	if long == 0 {
		return 0.3
	}
	c := math.Abs((short-long)/long) * 10
	return math.Max(0.3, math.Min(1, c))
}

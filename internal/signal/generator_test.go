package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"divetrader/internal/domain"
	"divetrader/internal/indicator"
)

var t0 = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

// below/above form a bullish crossover when fed in order.
var (
	below = indicator.Snapshot{ShortMA: 99, LongMA: 100, Ready: true, VolumeOK: true}
	above = indicator.Snapshot{ShortMA: 101, LongMA: 100, Ready: true, VolumeOK: true}
)

type recordingSink struct {
	events []domain.Event
}

func (r *recordingSink) Emit(_ context.Context, ev domain.Event) {
	r.events = append(r.events, ev)
}

func newGen(t *testing.T, cfg Config, adv Advisor, sink domain.EventSink) *Generator {
	t.Helper()
	g, err := NewGenerator(cfg, Options{Advisor: adv, Events: sink, StrategyID: "test"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func crossover(g *Generator, symbol string, ts time.Time, price float64) domain.Signal {
	ctx := context.Background()
	g.Evaluate(ctx, symbol, below, price, ts.Add(-time.Minute))
	return g.Evaluate(ctx, symbol, above, price, ts)
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"require_agreement": RequireAgreement,
		"advisory_override": AdvisoryOverride,
		"Override":          AdvisoryOverride,
	} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("vote"); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("ParsePolicy(vote) error = %v, want ErrInvalidConfig", err)
	}
}

func TestNotReadyIsHold(t *testing.T) {
	adv := NewStaticAdvisor()
	adv.Set("BTC/USD", Advisory{Direction: domain.DirectionBuy, Confidence: 0.99})
	cfg := DefaultConfig()
	cfg.Policy = AdvisoryOverride
	g := newGen(t, cfg, adv, nil)

	sig := g.Evaluate(context.Background(), "BTC/USD", indicator.Snapshot{VolumeOK: true}, 100, t0)
	if sig.Direction != domain.DirectionHold {
		t.Errorf("Direction = %q for not-ready snapshot, want hold", sig.Direction)
	}
}

func TestTechnicalCrossover(t *testing.T) {
	g := newGen(t, DefaultConfig(), nil, nil)
	sig := crossover(g, "BTC/USD", t0, 102)
	if sig.Direction != domain.DirectionBuy {
		t.Fatalf("Direction = %q, want buy", sig.Direction)
	}
	if sig.Source != domain.SourceTechnical {
		t.Errorf("Source = %q, want technical", sig.Source)
	}
	if sig.Confidence < 0.3 || sig.Confidence > 1 {
		t.Errorf("Confidence = %v, want within [0.3, 1]", sig.Confidence)
	}

	// No crossover when the short average was already above.
	if s := g.Evaluate(context.Background(), "BTC/USD", above, 102, t0.Add(10*time.Minute)); s.Direction != domain.DirectionHold {
		t.Errorf("sustained uptrend Direction = %q, want hold", s.Direction)
	}
}

func TestTechnicalFilters(t *testing.T) {
	g := newGen(t, DefaultConfig(), nil, nil)
	if s := crossover(g, "A", t0, 100.5); s.Direction != domain.DirectionHold {
		t.Errorf("price below short MA: Direction = %q, want hold", s.Direction)
	}

	lowVol := above
	lowVol.VolumeOK = false
	g.Evaluate(context.Background(), "B", below, 105, t0)
	if s := g.Evaluate(context.Background(), "B", lowVol, 105, t0.Add(time.Minute)); s.Direction != domain.DirectionHold {
		t.Errorf("low volume: Direction = %q, want hold", s.Direction)
	}

	cfg := DefaultConfig()
	cfg.RSIMax = 70
	g = newGen(t, cfg, nil, nil)
	hot := above
	hot.RSI, hot.RSIReady = 85, true
	g.Evaluate(context.Background(), "C", below, 105, t0)
	if s := g.Evaluate(context.Background(), "C", hot, 105, t0.Add(time.Minute)); s.Direction != domain.DirectionHold {
		t.Errorf("overbought: Direction = %q, want hold", s.Direction)
	}
}

func TestRequireAgreement(t *testing.T) {
	adv := NewStaticAdvisor()
	g := newGen(t, DefaultConfig(), adv, nil)

	adv.Set("X", Advisory{Direction: domain.DirectionHold, Confidence: 0.7})
	if s := crossover(g, "X", t0, 102); s.Direction != domain.DirectionHold {
		t.Errorf("disagreeing advisory: Direction = %q, want hold", s.Direction)
	}

	adv.Set("Y", Advisory{Direction: domain.DirectionBuy, Confidence: 0.7})
	s := crossover(g, "Y", t0, 102)
	if s.Direction != domain.DirectionBuy || s.Source != domain.SourceCombined {
		t.Errorf("agreeing advisory: got %q/%q, want buy/combined", s.Direction, s.Source)
	}

	// Below minimum confidence the advisory is ignored.
	adv.Set("Z", Advisory{Direction: domain.DirectionSell, Confidence: 0.5})
	if s := crossover(g, "Z", t0, 102); s.Direction != domain.DirectionBuy || s.Source != domain.SourceTechnical {
		t.Errorf("weak advisory: got %q/%q, want buy/technical", s.Direction, s.Source)
	}
}

func TestAdvisoryOverride(t *testing.T) {
	adv := NewStaticAdvisor()
	cfg := DefaultConfig()
	cfg.Policy = AdvisoryOverride
	g := newGen(t, cfg, adv, nil)
	ctx := context.Background()

	// Confident advisory buy without any technical crossover.
	adv.Set("X", Advisory{Direction: domain.DirectionBuy, Confidence: 0.85})
	s := g.Evaluate(ctx, "X", above, 102, t0)
	if s.Direction != domain.DirectionBuy || s.Source != domain.SourceAdvisory {
		t.Errorf("override buy: got %q/%q, want buy/advisory", s.Direction, s.Source)
	}

	adv.Set("Y", Advisory{Direction: domain.DirectionSell, Confidence: 0.9})
	if s := crossover(g, "Y", t0, 102); s.Direction != domain.DirectionSell {
		t.Errorf("override sell: Direction = %q, want sell", s.Direction)
	}

	// Between the two thresholds the technical signal stands.
	adv.Set("Z", Advisory{Direction: domain.DirectionSell, Confidence: 0.7})
	if s := crossover(g, "Z", t0, 102); s.Direction != domain.DirectionBuy || s.Source != domain.SourceTechnical {
		t.Errorf("mid-confidence advisory: got %q/%q, want buy/technical", s.Direction, s.Source)
	}
}

func TestAdvisoryFailureFallsBack(t *testing.T) {
	sink := &recordingSink{}
	failing := AdvisorFunc(func(context.Context, string) (*Advisory, error) {
		return nil, errors.New("connection refused")
	})
	g := newGen(t, DefaultConfig(), failing, sink)

	s := crossover(g, "BTC/USD", t0, 102)
	if s.Direction != domain.DirectionBuy || s.Source != domain.SourceTechnical {
		t.Errorf("failed advisory: got %q/%q, want buy/technical", s.Direction, s.Source)
	}
	if len(sink.events) == 0 {
		t.Fatal("expected an advisory_failed event")
	}
	ev := sink.events[len(sink.events)-1]
	if ev.Type != domain.EventAdvisoryFailed || ev.Level != domain.LevelWarn {
		t.Errorf("event = %s/%s, want %s/%s", ev.Type, ev.Level, domain.EventAdvisoryFailed, domain.LevelWarn)
	}
}

func TestMalformedAdvisoryIgnored(t *testing.T) {
	adv := NewStaticAdvisor()
	adv.Set("X", Advisory{Direction: "moon", Confidence: 0.95})
	cfg := DefaultConfig()
	cfg.Policy = AdvisoryOverride
	g := newGen(t, cfg, adv, nil)
	if s := crossover(g, "X", t0, 102); s.Source != domain.SourceTechnical {
		t.Errorf("Source = %q, want technical", s.Source)
	}
}

func TestBuyCooldown(t *testing.T) {
	g := newGen(t, DefaultConfig(), nil, nil)

	if s := crossover(g, "BTC/USD", t0, 102); s.Direction != domain.DirectionBuy {
		t.Fatalf("first crossover Direction = %q, want buy", s.Direction)
	}
	if s := crossover(g, "BTC/USD", t0.Add(3*time.Minute), 102); s.Direction != domain.DirectionHold {
		t.Errorf("crossover within cooldown Direction = %q, want hold", s.Direction)
	}
	if s := crossover(g, "BTC/USD", t0.Add(6*time.Minute), 102); s.Direction != domain.DirectionBuy {
		t.Errorf("crossover after cooldown Direction = %q, want buy", s.Direction)
	}
	// Cooldown is tracked per symbol.
	if s := crossover(g, "ETH/USD", t0.Add(time.Minute), 102); s.Direction != domain.DirectionBuy {
		t.Errorf("other symbol Direction = %q, want buy", s.Direction)
	}
}

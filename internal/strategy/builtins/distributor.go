package builtins

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"divetrader/internal/allocation"
	"divetrader/internal/config"
	"divetrader/internal/domain"
	"divetrader/internal/strategy"
)

var (
	_ strategy.Strategy    = (*Distributor)(nil)
	_ strategy.StepHandler = (*Distributor)(nil)
)

// Distributor invests a fixed amount across weighted symbols on a schedule
// and rebalances when holdings drift from their weights.
type Distributor struct {
	id     string
	cfg    allocation.Config
	cal    allocation.Calendar
	sched  *allocation.Scheduler
	prices map[string]float64
	log    *slog.Logger
}

// NewDistributor builds the distributor from its configuration. Without a
// start date the schedule starts on the first step it sees.
func NewDistributor(cfg config.StrategyConfig, deps strategy.Deps) (*Distributor, error) {
	ac, err := cfg.AllocationConfig()
	if err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &Distributor{
		id:     cfg.ID,
		cfg:    ac,
		cal:    deps.Calendar,
		prices: make(map[string]float64),
		log:    log.With("component", "distributor"),
	}
	if !ac.Start.IsZero() {
		if d.sched, err = allocation.NewScheduler(ac, deps.Calendar); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Name returns the instance ID.
func (d *Distributor) Name() string {
	return d.id
}

// Init validates the weights once more so a hand-built config fails early.
func (d *Distributor) Init(_ context.Context) error {
	return d.cfg.Weights.Validate()
}

// NextContributionDate reports the scheduled date, or the zero time before
// the schedule has started.
func (d *Distributor) NextContributionDate() time.Time {
	if d.sched == nil {
		return time.Time{}
	}
	return d.sched.NextContributionDate()
}

// OnBar records the latest price for the bar's symbol.
func (d *Distributor) OnBar(_ context.Context, bar domain.Bar, _ strategy.Portfolio) ([]domain.Signal, error) {
	if bar.Close > 0 {
		d.prices[bar.Symbol] = bar.Close
	}
	return nil, nil
}

// OnStep emits contribution buys when one is due, otherwise rebalance
// orders when holdings have drifted. Rebalance sells come before buys so
// their proceeds fund the purchases.
func (d *Distributor) OnStep(_ context.Context, ts time.Time, _ []domain.Bar, pf strategy.Portfolio) ([]domain.Signal, error) {
	if d.sched == nil {
		cfg := d.cfg
		cfg.Start = ts
		sched, err := allocation.NewScheduler(cfg, d.cal)
		if err != nil {
			return nil, err
		}
		d.sched = sched
	}

	if d.sched.ShouldContribute(ts) {
		qtys := d.sched.ComputeContribution(d.cfg.Amount, d.prices)
		if len(qtys) == 0 {
			d.log.Warn("contribution due but no symbol priced", "date", ts.Format("2006-01-02"))
			return nil, nil
		}
		out := make([]domain.Signal, 0, len(qtys))
		for _, sym := range sortedKeys(qtys) {
			out = append(out, domain.Signal{
				Symbol:     sym,
				Direction:  domain.DirectionBuy,
				Confidence: 1,
				Source:     domain.SourceTechnical,
				Intent:     domain.IntentContribution,
				Reason:     "scheduled contribution",
				Price:      d.prices[sym],
				Qty:        qtys[sym],
				Timestamp:  ts,
			})
		}
		d.sched.Advance(ts)
		d.log.Info("contribution scheduled", "date", ts.Format("2006-01-02"),
			"symbols", len(out), "next", d.sched.NextContributionDate().Format("2006-01-02"))
		return out, nil
	}

	plan := d.sched.CheckRebalance(pf.Holdings())
	if plan == nil {
		return nil, nil
	}
	var sells, buys []domain.Signal
	for _, delta := range plan.Deltas {
		price := d.prices[delta.Symbol]
		if price <= 0 {
			continue
		}
		qty := math.Abs(delta.Amount) / price
		if d.cfg.WholeShares {
			qty = math.Floor(qty)
		}
		if qty <= 0 {
			continue
		}
		sig := domain.Signal{
			Symbol:     delta.Symbol,
			Confidence: 1,
			Source:     domain.SourceTechnical,
			Intent:     domain.IntentRebalance,
			Price:      price,
			Qty:        qty,
			Timestamp:  ts,
		}
		if delta.Amount < 0 {
			sig.Direction = domain.DirectionSell
			sig.Reason = "rebalance: overweight"
			sells = append(sells, sig)
		} else {
			sig.Direction = domain.DirectionBuy
			sig.Reason = "rebalance: underweight"
			buys = append(buys, sig)
		}
	}
	return append(sells, buys...), nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package allocation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"divetrader/internal/domain"
)

// Frequency is the contribution period.
type Frequency int

const (
	Daily Frequency = iota + 1
	Weekly
	Biweekly
	Monthly
)

// ParseFrequency maps a configuration string to a Frequency.
func ParseFrequency(s string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily":
		return Daily, nil
	case "weekly":
		return Weekly, nil
	case "biweekly":
		return Biweekly, nil
	case "monthly":
		return Monthly, nil
	}
	return 0, fmt.Errorf("%w: unknown contribution frequency %q", domain.ErrInvalidConfig, s)
}

func (f Frequency) String() string {
	switch f {
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Biweekly:
		return "biweekly"
	case Monthly:
		return "monthly"
	}
	return fmt.Sprintf("frequency(%d)", int(f))
}

// Calendar reports whether the market trades on a given day.
type Calendar interface {
	IsTradingDay(t time.Time) bool
}

// Config describes a contribution schedule.
type Config struct {
	Weights               Weights
	Frequency             Frequency
	Amount                float64
	MinInvestmentPerStock float64
	// RebalanceThresholdPct is the drift in percentage points that triggers
	// a rebalance. Zero disables rebalancing.
	RebalanceThresholdPct float64
	Start                 time.Time
	WholeShares           bool
}

// Validate checks the schedule configuration.
func (c Config) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if c.Frequency < Daily || c.Frequency > Monthly {
		return fmt.Errorf("%w: contribution frequency not set", domain.ErrInvalidConfig)
	}
	if c.Amount <= 0 {
		return fmt.Errorf("%w: contribution amount %v must be > 0", domain.ErrInvalidConfig, c.Amount)
	}
	if c.MinInvestmentPerStock < 0 || c.RebalanceThresholdPct < 0 {
		return fmt.Errorf("%w: negative minimum investment or rebalance threshold", domain.ErrInvalidConfig)
	}
	if c.Start.IsZero() {
		return fmt.Errorf("%w: contribution start date not set", domain.ErrInvalidConfig)
	}
	return nil
}

// Delta is one leg of a rebalance: a positive Amount buys, a negative one
// sells.
type Delta struct {
	Symbol    string  `json:"symbol"`
	TargetPct float64 `json:"target_pct"`
	ActualPct float64 `json:"actual_pct"`
	Amount    float64 `json:"amount"`
}

// RebalancePlan restores the target weights.
type RebalancePlan struct {
	TotalValue float64 `json:"total_value"`
	Deltas     []Delta `json:"deltas"`
}

// Scheduler tracks the next contribution date. Dates advance along a grid
// anchored at the configured start so that late executions do not drift the
// schedule.
type Scheduler struct {
	cfg    Config
	cal    Calendar
	anchor time.Time
	k      int
}

// NewScheduler validates cfg and returns a Scheduler whose first
// contribution is due on cfg.Start. A nil calendar treats every day as a
// trading day.
func NewScheduler(cfg Config, cal Calendar) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:    cfg,
		cal:    cal,
		anchor: dateOf(cfg.Start),
	}, nil
}

// NextContributionDate returns the date the next contribution becomes due.
func (s *Scheduler) NextContributionDate() time.Time {
	return s.occurrence(s.k)
}

// ShouldContribute reports whether a contribution is due on today. A due
// date that falls on a closed day rolls forward to the next trading day.
func (s *Scheduler) ShouldContribute(today time.Time) bool {
	if dateOf(today).Before(s.NextContributionDate()) {
		return false
	}
	return s.cal == nil || s.cal.IsTradingDay(today)
}

// ComputeContribution splits amount by weight and converts each share into a
// purchase quantity. Symbols without a positive price or whose share falls
// below the minimum investment are skipped.
func (s *Scheduler) ComputeContribution(amount float64, prices map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	for _, sym := range s.cfg.Weights.Symbols() {
		target := amount * s.cfg.Weights[sym] / 100
		if target < s.cfg.MinInvestmentPerStock {
			continue
		}
		price, ok := prices[sym]
		if !ok || price <= 0 {
			continue
		}
		qty := target / price
		if s.cfg.WholeShares {
			qty = math.Floor(qty)
		}
		if qty > 0 {
			out[sym] = qty
		}
	}
	return out
}

// Advance moves the next contribution date to the first grid date strictly
// after executedOn.
func (s *Scheduler) Advance(executedOn time.Time) {
	day := dateOf(executedOn)
	k := s.k + 1
	for !s.occurrence(k).After(day) {
		k++
	}
	s.k = k
}

// CheckRebalance compares holdings (symbol to market value) against the
// target weights and returns a plan when any symbol drifts past the
// threshold. Holdings outside the weights have a target of zero.
func (s *Scheduler) CheckRebalance(holdings map[string]float64) *RebalancePlan {
	if s.cfg.RebalanceThresholdPct <= 0 {
		return nil
	}

	symbols := make(map[string]struct{}, len(holdings)+len(s.cfg.Weights))
	var total float64
	for sym, v := range holdings {
		symbols[sym] = struct{}{}
		total += v
	}
	for sym := range s.cfg.Weights {
		symbols[sym] = struct{}{}
	}
	if total <= 0 {
		return nil
	}

	sorted := make([]string, 0, len(symbols))
	for sym := range symbols {
		sorted = append(sorted, sym)
	}
	sort.Strings(sorted)

	plan := &RebalancePlan{TotalValue: total}
	drifted := false
	for _, sym := range sorted {
		target := s.cfg.Weights[sym]
		actual := holdings[sym] / total * 100
		if math.Abs(actual-target) > s.cfg.RebalanceThresholdPct {
			drifted = true
		}
		amount := target/100*total - holdings[sym]
		if math.Abs(amount) < 1e-9 {
			continue
		}
		plan.Deltas = append(plan.Deltas, Delta{
			Symbol:    sym,
			TargetPct: target,
			ActualPct: actual,
			Amount:    amount,
		})
	}
	if !drifted {
		return nil
	}
	return plan
}

// Config returns the schedule configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// occurrence returns the k-th grid date.
func (s *Scheduler) occurrence(k int) time.Time {
	switch s.cfg.Frequency {
	case Daily:
		return s.anchor.AddDate(0, 0, k)
	case Weekly:
		return s.anchor.AddDate(0, 0, 7*k)
	case Biweekly:
		return s.anchor.AddDate(0, 0, 14*k)
	default:
		first := time.Date(s.anchor.Year(), s.anchor.Month()+time.Month(k), 1, 0, 0, 0, 0, time.UTC)
		day := s.anchor.Day()
		if last := daysIn(first); day > last {
			day = last
		}
		return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
	}
}

func daysIn(firstOfMonth time.Time) int {
	return firstOfMonth.AddDate(0, 1, -1).Day()
}

// dateOf truncates t to its calendar date in t's own location.
func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

package engine

import (
	"fmt"
	"sort"
	"sync"

	"divetrader/internal/config"
	"divetrader/internal/domain"
)

// RiskLimits bounds new entries. Percent fields use percent units (10 means
// 10%); a zero value disables that check.
type RiskLimits struct {
	MaxPositionSizePct    float64 `json:"max_position_size_pct"`
	MaxDailyLossPct       float64 `json:"max_daily_loss_pct"`
	MaxDrawdownPct        float64 `json:"max_drawdown_pct"`
	MinCashReservePct     float64 `json:"min_cash_reserve_pct"`
	MaxLeverage           float64 `json:"max_leverage"`
	ConcentrationLimitPct float64 `json:"concentration_limit_pct"`
	StopLossRequired      bool    `json:"stop_loss_required"`
}

// DefaultRiskLimits mirrors config.DefaultRisk.
func DefaultRiskLimits() RiskLimits {
	return RiskLimitsFromConfig(config.DefaultRisk())
}

// RiskLimitsFromConfig converts the risk section of a strategy config.
func RiskLimitsFromConfig(rc config.RiskConfig) RiskLimits {
	return RiskLimits{
		MaxPositionSizePct:    rc.MaxPositionSizePct,
		MaxDailyLossPct:       rc.MaxDailyLossPct,
		MaxDrawdownPct:        rc.MaxDrawdownPct,
		MinCashReservePct:     rc.MinCashReservePct,
		MaxLeverage:           rc.MaxLeverage,
		ConcentrationLimitPct: rc.ConcentrationLimitPct,
		StopLossRequired:      rc.StopLossRequired,
	}
}

// ProposedTrade is a trade awaiting a risk decision.
type ProposedTrade struct {
	Symbol   string
	Side     domain.Side
	Qty      float64
	Price    float64
	StopLoss float64
	// Exit marks trades that reduce exposure. They are always accepted.
	Exit bool
}

// Value is the trade notional.
func (p ProposedTrade) Value() float64 {
	return p.Qty * p.Price
}

// AccountState is the valuation the risk checks run against.
type AccountState struct {
	Cash           float64
	PortfolioValue float64
	PeakEquity     float64
	DayStartValue  float64
	// Holdings maps symbol to market value.
	Holdings map[string]float64
	// Day identifies the trading day (YYYY-MM-DD) for the daily-loss latch.
	Day string
}

// DailyLossPct is the loss since the start of the day in percent (positive
// when down).
func (s AccountState) DailyLossPct() float64 {
	if s.DayStartValue <= 0 {
		return 0
	}
	return (s.DayStartValue - s.PortfolioValue) / s.DayStartValue * 100
}

// DrawdownPct is the decline from peak equity in percent.
func (s AccountState) DrawdownPct() float64 {
	if s.PeakEquity <= 0 {
		return 0
	}
	return (s.PeakEquity - s.PortfolioValue) / s.PeakEquity * 100
}

// GrossExposure is the total market value of holdings.
func (s AccountState) GrossExposure() float64 {
	syms := make([]string, 0, len(s.Holdings))
	for sym := range s.Holdings {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	var total float64
	for _, sym := range syms {
		total += s.Holdings[sym]
	}
	return total
}

// Rejection reason codes.
const (
	ReasonPositionSize     = "position_size"
	ReasonCashReserve      = "cash_reserve"
	ReasonDailyLoss        = "daily_loss"
	ReasonDrawdown         = "drawdown"
	ReasonConcentration    = "concentration"
	ReasonStopLossRequired = "stop_loss_required"
	ReasonLeverage         = "leverage"
	ReasonInsufficientCash = "insufficient_cash"
	ReasonMaxPositions     = "max_positions"
)

// Decision is the outcome of a risk evaluation. Value and Limit carry the
// compared quantities of a rejection.
type Decision struct {
	Accepted bool    `json:"accepted"`
	Reason   string  `json:"reason,omitempty"`
	Value    float64 `json:"value,omitempty"`
	Limit    float64 `json:"limit,omitempty"`
	Detail   string  `json:"detail,omitempty"`
}

// Accept is the accepting decision.
var Accept = Decision{Accepted: true}

func reject(reason string, value, limit float64, format string, args ...any) Decision {
	return Decision{
		Reason: reason,
		Value:  value,
		Limit:  limit,
		Detail: fmt.Sprintf(format, args...),
	}
}

// RiskManager enforces pre-trade risk rules. It is safe for concurrent use;
// its only state is the per-day daily-loss latch.
type RiskManager struct {
	limits RiskLimits

	mu         sync.Mutex
	latchedDay string
}

// NewRiskManager creates a RiskManager with the specified limits.
func NewRiskManager(limits RiskLimits) *RiskManager {
	return &RiskManager{limits: limits}
}

// Limits returns the configured limits.
func (rm *RiskManager) Limits() RiskLimits {
	return rm.limits
}

// Evaluate runs the checks in order and returns the first failure. A
// daily-loss breach, seen here or by Observe, blocks entries for the rest of
// that day even if the portfolio recovers. Losses and drawdowns exactly at
// their limit pass.
func (rm *RiskManager) Evaluate(t ProposedTrade, s AccountState) Decision {
	if t.Exit || t.Side == domain.SideSell {
		return Accept
	}
	l := rm.limits
	value := t.Value()
	pv := s.PortfolioValue

	if l.MaxPositionSizePct > 0 {
		pct := pctOf(value, pv)
		if pct > l.MaxPositionSizePct {
			return reject(ReasonPositionSize, pct, l.MaxPositionSizePct,
				"trade value %.2f is %.2f%% of portfolio %.2f", value, pct, pv)
		}
	}

	if l.MinCashReservePct > 0 {
		after := s.Cash - value
		pct := pctOf(after, pv)
		if after < 0 || pct < l.MinCashReservePct {
			return reject(ReasonCashReserve, pct, l.MinCashReservePct,
				"cash after trade %.2f is %.2f%% of portfolio", after, pct)
		}
	}

	if l.MaxDailyLossPct > 0 {
		loss := s.DailyLossPct()
		if rm.Observe(s) {
			return reject(ReasonDailyLoss, loss, l.MaxDailyLossPct,
				"daily loss limit breached on %s", s.Day)
		}
	}

	if l.MaxDrawdownPct > 0 {
		dd := s.DrawdownPct()
		if dd > l.MaxDrawdownPct {
			return reject(ReasonDrawdown, dd, l.MaxDrawdownPct,
				"drawdown %.2f%% from peak %.2f", dd, s.PeakEquity)
		}
	}

	if l.ConcentrationLimitPct > 0 {
		post := s.Holdings[t.Symbol] + value
		pct := pctOf(post, pv)
		if pct > l.ConcentrationLimitPct {
			return reject(ReasonConcentration, pct, l.ConcentrationLimitPct,
				"%s would be %.2f%% of portfolio", t.Symbol, pct)
		}
	}

	if l.StopLossRequired && t.StopLoss <= 0 {
		return reject(ReasonStopLossRequired, 0, 0, "entry for %s has no stop-loss price", t.Symbol)
	}

	if l.MaxLeverage > 0 && pv > 0 {
		lev := (s.GrossExposure() + value) / pv
		if lev > l.MaxLeverage+1e-9 {
			return reject(ReasonLeverage, lev, l.MaxLeverage,
				"gross exposure would be %.2fx equity", lev)
		}
	}

	return Accept
}

// Observe latches the day when s breaches the daily-loss limit and reports
// whether entries are blocked for s.Day. The latch holds for the rest of the
// day whatever the later valuations are. A loss exactly at the limit is
// still allowed.
func (rm *RiskManager) Observe(s AccountState) bool {
	if rm.limits.MaxDailyLossPct <= 0 {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if s.Day != "" && rm.latchedDay == s.Day {
		return true
	}
	if s.DailyLossPct() > rm.limits.MaxDailyLossPct {
		rm.latchedDay = s.Day
		return true
	}
	return false
}

// pctOf returns part as a percentage of whole. A non-positive whole makes any
// positive part infinitely large.
func pctOf(part, whole float64) float64 {
	if whole <= 0 {
		if part > 0 {
			return 100 * part
		}
		return 0
	}
	return part / whole * 100
}

// ---------------------------------------------------------------------------
// Alerts
// ---------------------------------------------------------------------------

// Severity grades how close a metric is to its limit.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert reports a metric approaching or past its limit.
type Alert struct {
	Metric   string   `json:"metric"`
	Severity Severity `json:"severity"`
	Value    float64  `json:"value"`
	Limit    float64  `json:"limit"`
}

// Level maps the severity to an event level.
func (a Alert) Level() domain.EventLevel {
	if a.Severity == SeverityCritical {
		return domain.LevelError
	}
	return domain.LevelWarn
}

// Alerts grades drawdown at 60/80/100% and daily loss at 80/100% of their
// limits.
func (rm *RiskManager) Alerts(s AccountState) []Alert {
	var out []Alert
	if l := rm.limits.MaxDrawdownPct; l > 0 {
		dd := s.DrawdownPct()
		if sev, ok := grade(dd, l, 0.6); ok {
			out = append(out, Alert{Metric: ReasonDrawdown, Severity: sev, Value: dd, Limit: l})
		}
	}
	if l := rm.limits.MaxDailyLossPct; l > 0 {
		loss := s.DailyLossPct()
		if sev, ok := grade(loss, l, 0.8); ok {
			out = append(out, Alert{Metric: ReasonDailyLoss, Severity: sev, Value: loss, Limit: l})
		}
	}
	return out
}

func grade(value, limit, floor float64) (Severity, bool) {
	ratio := value / limit
	switch {
	case ratio >= 1:
		return SeverityCritical, true
	case ratio >= 0.8:
		return SeverityHigh, true
	case ratio >= floor:
		return SeverityMedium, true
	}
	return "", false
}
